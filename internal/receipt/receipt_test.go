package receipt

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/agentmesh/controller/internal/protocol"
)

func sampleResult() protocol.CommandResultRecord {
	return protocol.CommandResultRecord{
		CommandIndex: 0,
		ExitCode:     0,
		Stdout:       "ok\n",
		DurationMs:   1234,
		CompletedAt:  time.Now().UTC(),
	}
}

func TestNew(t *testing.T) {
	r := New("T-0001", 0, "ik:abc123", "agent-1", sampleResult(), nil)

	if r.TaskID != "T-0001" {
		t.Errorf("TaskID = %s, want T-0001", r.TaskID)
	}
	if r.IdempotencyKey != "ik:abc123" {
		t.Errorf("IdempotencyKey = %s, want ik:abc123", r.IdempotencyKey)
	}
	if r.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", r.ExitCode)
	}
}

func TestWriteAndRead(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "receipts", "T-0001", "0.json")

	original := New("T-0001", 0, "ik:abc123", "agent-1", sampleResult(), []protocol.Artifact{
		{Path: "out.bin", SHA256: "sha256:" + repeat("a", 64), Size: 10},
	})

	if err := Write(original, path); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	loaded, err := Read(path)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if loaded.TaskID != original.TaskID || loaded.IdempotencyKey != original.IdempotencyKey {
		t.Errorf("loaded receipt mismatch: %+v", loaded)
	}
	if len(loaded.Artifacts) != 1 {
		t.Fatalf("len(Artifacts) = %d, want 1", len(loaded.Artifacts))
	}
}

func TestFindByIK(t *testing.T) {
	tmpDir := t.TempDir()

	// No receipt written yet: nil, nil.
	r, err := FindByIK(tmpDir, "T-0001", 0, "ik:abc123")
	if err != nil {
		t.Fatalf("FindByIK() error = %v", err)
	}
	if r != nil {
		t.Fatalf("expected nil receipt before write, got %+v", r)
	}

	original := New("T-0001", 0, "ik:abc123", "agent-1", sampleResult(), nil)
	if err := Write(original, Path(tmpDir, "T-0001", 0)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	r, err = FindByIK(tmpDir, "T-0001", 0, "ik:abc123")
	if err != nil {
		t.Fatalf("FindByIK() error = %v", err)
	}
	if r == nil {
		t.Fatal("expected receipt after write, got nil")
	}

	// Mismatched idempotency key: plan changed between dispatches, so the
	// stale receipt must not be treated as a match.
	r, err = FindByIK(tmpDir, "T-0001", 0, "ik:different")
	if err != nil {
		t.Fatalf("FindByIK() error = %v", err)
	}
	if r != nil {
		t.Fatalf("expected nil receipt for mismatched ik, got %+v", r)
	}
}

func TestListForTaskEmpty(t *testing.T) {
	tmpDir := t.TempDir()
	receipts, err := ListForTask(tmpDir, "T-nonexistent")
	if err != nil {
		t.Fatalf("ListForTask() error = %v", err)
	}
	if len(receipts) != 0 {
		t.Errorf("len(receipts) = %d, want 0", len(receipts))
	}
}

func TestListForTask(t *testing.T) {
	tmpDir := t.TempDir()

	for i := 0; i < 3; i++ {
		r := New("T-0001", i, "ik:x", "agent-1", sampleResult(), nil)
		if err := Write(r, Path(tmpDir, "T-0001", i)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	receipts, err := ListForTask(tmpDir, "T-0001")
	if err != nil {
		t.Fatalf("ListForTask() error = %v", err)
	}
	if len(receipts) != 3 {
		t.Errorf("len(receipts) = %d, want 3", len(receipts))
	}
}

func repeat(s string, n int) string {
	out := make([]byte, 0, n)
	for len(out) < n {
		out = append(out, s...)
	}
	return string(out[:n])
}
