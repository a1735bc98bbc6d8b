// Package idempotency derives stable, content-addressed keys for dispatched
// commands so an agent that reconnects mid-command can detect a replayed
// command_execute and avoid re-running it.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/agentmesh/controller/internal/protocol"
)

// CanonicalJSON converts a value to deterministic JSON by recursively sorting map keys
// This ensures that logically equivalent data structures always produce the same JSON
func CanonicalJSON(v interface{}) ([]byte, error) {
	// Normalize the value first to ensure all maps are sorted
	normalized, err := normalizeValue(v)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize value: %w", err)
	}

	// Marshal without extra whitespace
	data, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return data, nil
}

// normalizeValue recursively converts maps to sorted representations
func normalizeValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		return normalizeSortedMap(val)

	case []interface{}:
		// Process array elements but preserve order
		normalized := make([]interface{}, len(val))
		for i, item := range val {
			n, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			normalized[i] = n
		}
		return normalized, nil

	default:
		// Primitives and other types pass through
		return v, nil
	}
}

// sortedMap is a JSON-marshalable type that maintains key ordering
type sortedMap struct {
	keys   []string
	values map[string]interface{}
}

func (sm *sortedMap) MarshalJSON() ([]byte, error) {
	// Build JSON manually with sorted keys
	if len(sm.keys) == 0 {
		return []byte("{}"), nil
	}

	result := "{"
	for i, key := range sm.keys {
		if i > 0 {
			result += ","
		}

		// Marshal key
		keyJSON, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}

		// Marshal value
		valJSON, err := json.Marshal(sm.values[key])
		if err != nil {
			return nil, err
		}

		result += string(keyJSON) + ":" + string(valJSON)
	}
	result += "}"

	return []byte(result), nil
}

func normalizeSortedMap(m map[string]interface{}) (*sortedMap, error) {
	// Extract and sort keys
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// Normalize values
	normalized := make(map[string]interface{}, len(m))
	for _, k := range keys {
		n, err := normalizeValue(m[k])
		if err != nil {
			return nil, err
		}
		normalized[k] = n
	}

	return &sortedMap{
		keys:   keys,
		values: normalized,
	}, nil
}

// GenerateIK derives an idempotency key for one command within a task's
// plan.
// Format: ik = SHA256(task_id + '\n' + command_index + '\n' +
//                      canonical_json(command))
// Returns: "ik:" + hex-encoded SHA256
func GenerateIK(taskID string, commandIndex int, cmd protocol.Command) (string, error) {
	cmdJSON, err := CanonicalJSON(cmd)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize command: %w", err)
	}

	hashInput := fmt.Sprintf("%s\n%d\n%s", taskID, commandIndex, cmdJSON)

	hash := sha256.Sum256([]byte(hashInput))
	hexHash := hex.EncodeToString(hash[:])

	return "ik:" + hexHash, nil
}
