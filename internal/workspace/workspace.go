// Package workspace manages the controller's on-disk state directory: the
// audit ledger, periodic task/registry snapshots, and per-command receipts
// used for idempotent redispatch.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetRequiredDirectories returns the list of directories that must exist
// under the controller's data root (§6.6, §8).
func GetRequiredDirectories() []string {
	return []string{
		"state",     // state/snapshot.json (periodic task/registry snapshot)
		"audit",     // audit/audit-YYYY-MM-DD.jsonl (append-only audit ledger)
		"receipts",  // receipts/<task_id>/<command_index>.json (idempotent redispatch)
		"snapshots", // created empty; no component writes into it
	}
}

// Initialize creates all required workspace directories with proper permissions (0700)
// This function is idempotent - safe to call multiple times
func Initialize(workspaceRoot string) error {
	dirs := GetRequiredDirectories()

	for _, dir := range dirs {
		path := filepath.Join(workspaceRoot, dir)

		// Create directory with 0700 permissions (owner read/write/execute only)
		// MkdirAll is idempotent - won't error if directory exists
		if err := os.MkdirAll(path, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}

	return nil
}

// IsInitialized checks if a workspace has all required directories
func IsInitialized(workspaceRoot string) (bool, error) {
	dirs := GetRequiredDirectories()

	for _, dir := range dirs {
		path := filepath.Join(workspaceRoot, dir)

		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to check directory %s: %w", path, err)
		}

		if !info.IsDir() {
			return false, nil
		}
	}

	return true, nil
}
