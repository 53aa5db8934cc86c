package common

import (
	ledgererrors "escrowledger/core/errors"
)

// PauseState is the persisted system-wide pause flag.
type PauseState struct {
	Paused bool   `json:"paused"`
	Reason string `json:"reason,omitempty"`
	Actor  string `json:"actor,omitempty"`
	Since  uint64 `json:"since,omitempty"`
}

// PauseView exposes the current pause state to mutating operations.
type PauseView interface {
	PauseState() PauseState
}

// Guard rejects a mutation while the system is paused. A nil view never
// blocks.
func Guard(p PauseView) error {
	if p == nil {
		return nil
	}
	if state := p.PauseState(); state.Paused {
		return ledgererrors.SystemPaused(state.Reason)
	}
	return nil
}

// StaticPause is a fixed PauseView, handy for tests and tools.
type StaticPause PauseState

func (s StaticPause) PauseState() PauseState { return PauseState(s) }
