package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/GoCodeAlone/courier/internal/fsutil"
)

// State is the poller state that survives restarts. A consumer stopped by
// a stop command stays paused after a reboot until it sees resume.
type State struct {
	Paused       bool      `json:"paused"`
	LastTaskID   string    `json:"last_task_id,omitempty"`
	LastPolledAt time.Time `json:"last_polled_at,omitempty"`
	Completed    int       `json:"completed"`
	Failed       int       `json:"failed"`
	Rejected     int       `json:"rejected"` // outcomes the queue refused or never received
	LostClaims   int       `json:"lost_claims"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// LoadState reads the state file at path. A missing file or empty path
// yields the zero State.
func LoadState(path string) (State, error) {
	var st State
	if path == "" {
		return st, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, fmt.Errorf("read state %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("parse state %s: %w", path, err)
	}
	return st, nil
}

// SaveState writes st to path atomically. An empty path is a no-op.
func SaveState(path string, st State) error {
	if path == "" {
		return nil
	}
	return fsutil.AtomicWrite(path, 0o600, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	})
}
