package runctx

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/nadmax/runledger/internal/task"
)

// EnvVar carries an encoded Snapshot to child processes.
const EnvVar = "RUNLEDGER_CONTEXT"

// Snapshot is a frozen copy of a Context. Later changes to the Context do
// not affect it.
type Snapshot struct {
	RunID         string `json:"run_id"`
	SubtaskNumber int    `json:"subtask_number"`
}

func (s Snapshot) IsZero() bool {
	return s.RunID == ""
}

// Encode renders the snapshot as URL-safe base64 JSON.
func (s Snapshot) Encode() string {
	raw, _ := json.Marshal(s)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func DecodeSnapshot(encoded string) (Snapshot, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: snapshot is not base64: %w", task.ErrInvalidArgument, err)
	}

	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, fmt.Errorf("%w: snapshot is not valid JSON: %w", task.ErrInvalidArgument, err)
	}

	return s, nil
}

// Environ returns env with the snapshot variable set, replacing any
// previous value.
func (s Snapshot) Environ(env []string) []string {
	prefix := EnvVar + "="
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			continue
		}
		out = append(out, kv)
	}

	return append(out, prefix+s.Encode())
}

// SnapshotFromEnv reads the snapshot a parent process exported. The boolean
// is false when the variable is unset.
func SnapshotFromEnv() (Snapshot, bool, error) {
	encoded, ok := os.LookupEnv(EnvVar)
	if !ok || encoded == "" {
		return Snapshot{}, false, nil
	}

	s, err := DecodeSnapshot(encoded)
	if err != nil {
		return Snapshot{}, false, err
	}

	return s, true, nil
}
