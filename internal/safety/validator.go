// Package safety implements the two-tier allow/deny pattern engine that
// inspects every proposed shell command before a plan may be dispatched.
// Classification is a pure, total function: it never errors, it always
// produces a verdict.
package safety

import (
	"regexp"
	"strings"

	"github.com/agentmesh/controller/internal/protocol"
)

// Verdict is the outcome of classifying a single command or an entire plan.
type Verdict string

const (
	VerdictAutoApprove      Verdict = "auto_approve"
	VerdictRequiresApproval Verdict = "requires_approval"
	VerdictDeny             Verdict = "deny"
)

func (v Verdict) rank() int {
	switch v {
	case VerdictDeny:
		return 2
	case VerdictRequiresApproval:
		return 1
	default:
		return 0
	}
}

// worse returns whichever verdict carries more weight (deny beats
// requires_approval beats auto_approve), matching the "worst verdict wins"
// resolution rule in §4.1.
func worse(a, b Verdict) Verdict {
	if a.rank() >= b.rank() {
		return a
	}
	return b
}

// denyPatterns enumerate commands that can never proceed, regardless of
// approval. Anchored loosely -- ClassifyCommand matches them against the
// whole command line (so patterns that span a separator, such as a fork bomb
// or a download piped into a shell, still match) and then against each
// sub-command; matching is case-insensitive.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*rm\s+-[a-zA-Z]*rf?[a-zA-Z]*\s+(/|/\*|~|~/|\$HOME)\s*$`),
	regexp.MustCompile(`(?i)^\s*mkfs(\.\S+)?\b`),
	regexp.MustCompile(`(?i)\bdd\s+.*\bof=/dev/`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`),
	regexp.MustCompile(`(?i)\b(curl|wget)\b.*\|\s*(sudo\s+)?(sh|bash|zsh)\b`),
	regexp.MustCompile(`(?i)\bcat\s+.*\betc/shadow\b`),
	regexp.MustCompile(`(?i)>\s*/etc/passwd\b`),
	regexp.MustCompile(`(?i)\biptables\s+-F\b`),
	regexp.MustCompile(`(?i)\bsystemctl\s+stop\s+ssh\b`),
}

// approvalPatterns enumerate commands that may proceed but raise
// plan.requires_approval.
var approvalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*reboot\b`),
	regexp.MustCompile(`(?i)^\s*shutdown\b`),
	regexp.MustCompile(`(?i)\bapt(-get)?\s+(install|remove|upgrade)\b`),
	regexp.MustCompile(`(?i)\bpip\s+install\b`),
	regexp.MustCompile(`(?i)\bnpm\s+install\s+-g\b`),
	regexp.MustCompile(`(?i)\bdocker\s+(rm|rmi|prune)\b`),
	regexp.MustCompile(`(?i)\bgit\s+push\s+--force\b`),
	regexp.MustCompile(`(?i)\bdrop\s+table\b`),
	regexp.MustCompile(`(?i)\bdelete\s+from\b`),
	regexp.MustCompile(`(?i)\btruncate\b`),
}

// autoApprovePatterns enumerate the safe-read allowlist.
var autoApprovePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*(ls|pwd|whoami|date|uptime|df|free|cat|head|tail|grep|find)\b`),
	regexp.MustCompile(`(?i)^\s*git\s+(status|log|diff|branch|fetch|pull)\b`),
	regexp.MustCompile(`(?i)^\s*docker\s+(ps|images|logs)\b`),
	regexp.MustCompile(`(?i)^\s*systemctl\s+status\b`),
	regexp.MustCompile(`(?i)^\s*journalctl\b`),
}

// separatorRE splits a shell line into sub-commands on |, ;, &&, ||.
var separatorRE = regexp.MustCompile(`\|\||&&|[|;]`)

// splitSubcommands tokenizes a shell command line into sub-commands by the
// separators named in §4.1: pipe, semicolon, &&, ||.
func splitSubcommands(cmd string) []string {
	parts := separatorRE.Split(cmd, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{strings.TrimSpace(cmd)}
	}
	return out
}

// classifyOne classifies a single sub-command line.
func classifyOne(cmd string) Verdict {
	for _, re := range denyPatterns {
		if re.MatchString(cmd) {
			return VerdictDeny
		}
	}
	for _, re := range approvalPatterns {
		if re.MatchString(cmd) {
			return VerdictRequiresApproval
		}
	}
	for _, re := range autoApprovePatterns {
		if re.MatchString(cmd) {
			return VerdictAutoApprove
		}
	}
	// Anything not explicitly allowlisted defaults to requiring approval:
	// the allowlist is a narrow set of known-safe reads, not a denylist
	// complement.
	return VerdictRequiresApproval
}

// ClassifyCommand classifies one full command line, honoring the
// whitespace/pipe/;/&&/|| tokenization rule and the worst-sub-command-wins
// resolution.
func ClassifyCommand(run string) Verdict {
	for _, re := range denyPatterns {
		if re.MatchString(run) {
			return VerdictDeny
		}
	}
	verdict := VerdictAutoApprove
	for _, sub := range splitSubcommands(run) {
		verdict = worse(verdict, classifyOne(sub))
		if verdict == VerdictDeny {
			return VerdictDeny
		}
	}
	return verdict
}

// Result is the outcome of classifying an entire plan.
type Result struct {
	Verdict      Verdict
	DeniedIndex  int    // index of the first command.Commands entry that triggered deny, else -1
	DeniedReason string // log-only detail, never echoed to API callers per §9 redaction policy
}

// ClassifyPlan applies ClassifyCommand to every command in a plan and
// resolves to the single worst verdict, per the commutative/idempotent
// property required by §8.
func ClassifyPlan(p protocol.Plan) Result {
	res := Result{Verdict: VerdictAutoApprove, DeniedIndex: -1}
	for i, cmd := range p.Commands {
		v := ClassifyCommand(cmd.Run)
		if v == VerdictDeny && res.DeniedIndex == -1 {
			res.DeniedIndex = i
			res.DeniedReason = offendingSubstring(cmd.Run)
		}
		res.Verdict = worse(res.Verdict, v)
	}
	return res
}

// offendingSubstring returns a short, non-reversible-looking fragment for
// logs. Per the open question in §9, the public error message must never
// echo the full constructed command; callers should log this, not surface
// it verbatim to API clients.
func offendingSubstring(run string) string {
	run = strings.TrimSpace(run)
	fields := strings.Fields(run)
	if len(fields) == 0 {
		return run
	}
	if len(fields) == 1 {
		return fields[0]
	}
	return fields[0] + " " + fields[1]
}
