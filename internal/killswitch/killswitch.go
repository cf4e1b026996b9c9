// Package killswitch provides the global emergency trading halt.
//
// The switch can be engaged three ways: the KILL_SWITCH_ENABLED environment
// variable, the admin API, or programmatically by safety checks. While
// engaged, all order submission paths are blocked. State survives restarts
// via a JSON file.
package killswitch

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// EnvVar is the environment override. Any of "true", "1", "yes"
// (case-insensitive) forces the switch on for the lifetime of the process.
const EnvVar = "KILL_SWITCH_ENABLED"

// ErrEnvOverride is returned by Deactivate while the environment override
// is in force.
var ErrEnvOverride = errors.New(
	"killswitch: cannot deactivate: KILL_SWITCH_ENABLED environment variable is set; " +
		"remove it and restart the service to deactivate")

// ActiveError is returned by CheckOrRaise when an operation is attempted
// while the switch is engaged.
type ActiveError struct {
	Operation string
	State     State
}

func (e *ActiveError) Error() string {
	return fmt.Sprintf("killswitch: active, %s blocked (activated_at=%s by=%s reason=%q)",
		e.Operation, e.State.ActivatedAt.Format(time.RFC3339), e.State.ActivatedBy, e.State.Reason)
}

// State is the persisted kill switch state.
type State struct {
	Enabled     bool       `json:"enabled"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	ActivatedBy string     `json:"activated_by,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// Switch is the thread-safe kill switch. One instance per process.
type Switch struct {
	mu        sync.Mutex
	state     State
	stateFile string
	logger    *log.Logger
}

// New loads state from stateFile (starting fresh on absence or corruption)
// and applies the environment override.
func New(stateFile string) *Switch {
	s := &Switch{
		stateFile: stateFile,
		logger:    log.New(log.Writer(), "[KILL-SWITCH] ", log.LstdFlags),
	}
	s.state = s.loadState()
	s.applyEnvOverride()
	return s
}

func envEnabled() bool {
	switch strings.ToLower(os.Getenv(EnvVar)) {
	case "true", "1", "yes":
		return true
	}
	return false
}

func (s *Switch) loadState() State {
	data, err := os.ReadFile(s.stateFile)
	if err != nil {
		return State{}
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		// Corrupt state file: start fresh rather than guessing.
		s.logger.Printf("state file %s unreadable, starting fresh: %v", s.stateFile, err)
		return State{}
	}
	return st
}

func (s *Switch) saveState() {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err == nil {
		// Write-then-rename so a crash mid-write never leaves a
		// truncated state file.
		tmp := s.stateFile + ".tmp"
		err = os.WriteFile(tmp, data, 0o644)
		if err == nil {
			err = os.Rename(tmp, s.stateFile)
		}
	}
	if err != nil {
		// In-memory state remains authoritative.
		s.logger.Printf("failed to persist state to %s: %v", s.stateFile, err)
	}
}

func (s *Switch) applyEnvOverride() {
	if envEnabled() && !s.state.Enabled {
		now := time.Now().UTC()
		s.state = State{
			Enabled:     true,
			ActivatedAt: &now,
			ActivatedBy: "environment_variable",
			Reason:      "KILL_SWITCH_ENABLED environment variable set",
		}
		s.saveState()
		s.logger.Printf("engaged via environment variable")
	}
}

// IsEnabled reports whether the switch is engaged. The environment
// variable is consulted on every call so an operator export takes effect
// immediately.
func (s *Switch) IsEnabled() bool {
	if envEnabled() {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Enabled
}

// Activate engages the switch. First activation wins: if already engaged,
// the original activation metadata is kept and the current state returned.
func (s *Switch) Activate(activatedBy, reason string) State {
	if reason == "" {
		reason = "Emergency stop"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Enabled {
		now := time.Now().UTC()
		s.state = State{
			Enabled:     true,
			ActivatedAt: &now,
			ActivatedBy: activatedBy,
			Reason:      reason,
		}
		s.saveState()
		s.logger.Printf("engaged by %s: %s", activatedBy, reason)
	}
	return s.state
}

// Deactivate releases the switch. Fails with ErrEnvOverride while the
// environment variable is set. The last activation metadata is retained
// for the record.
func (s *Switch) Deactivate(deactivatedBy string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if envEnabled() {
		return s.state, ErrEnvOverride
	}
	if s.state.Enabled {
		s.state.Enabled = false
		s.saveState()
		s.logger.Printf("released by %s", deactivatedBy)
	}
	return s.state, nil
}

// GetState returns a copy of the current state.
func (s *Switch) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CheckOrRaise returns an *ActiveError naming the blocked operation when
// the switch is engaged, nil otherwise.
func (s *Switch) CheckOrRaise(operation string) error {
	if !s.IsEnabled() {
		return nil
	}
	st := s.GetState()
	if st.ActivatedAt == nil {
		now := time.Now().UTC()
		st.ActivatedAt = &now
	}
	return &ActiveError{Operation: operation, State: st}
}
