package params

import (
	"fmt"

	"escrowledger/native/common"
	"escrowledger/storage"
)

// SystemState is the persisted ledger-wide parameter record. It survives
// restarts so transaction ids are never reused and admin changes stick.
type SystemState struct {
	NextTransactionID uint64            `json:"nextTransactionId"`
	FeeBps            uint64            `json:"feeBps"`
	Pause             common.PauseState `json:"pause"`
	UpdatedAt         uint64            `json:"updatedAt"`
}

// Store provides typed access to the configuration region. The current state
// is cached in memory; callers serialize access.
type Store struct {
	records *storage.KeyedStore[string, SystemState]
	state   SystemState
}

// Open loads the system state, seeding it with defaultFeeBps on first start.
func Open(region *storage.Region, defaultFeeBps uint64) (*Store, error) {
	s := &Store{records: storage.NewKeyedStore[string, SystemState](region, storage.StringKeys{})}
	state, ok, err := s.records.Get(ParamsKeySystem)
	if err != nil {
		return nil, fmt.Errorf("params: load system state: %w", err)
	}
	if !ok {
		state = SystemState{NextTransactionID: 1, FeeBps: defaultFeeBps}
		if _, _, err := s.records.Insert(ParamsKeySystem, state); err != nil {
			return nil, fmt.Errorf("params: seed system state: %w", err)
		}
	}
	if state.NextTransactionID == 0 {
		return nil, fmt.Errorf("%w: next transaction id is zero", storage.ErrCorrupt)
	}
	s.state = state
	return s, nil
}

// State returns a copy of the current system state.
func (s *Store) State() SystemState { return s.state }

// PauseState implements common.PauseView.
func (s *Store) PauseState() common.PauseState { return s.state.Pause }

// FeeBps returns the active fee in basis points.
func (s *Store) FeeBps() uint64 { return s.state.FeeBps }

// NextTransactionID returns the id the next created transaction receives.
func (s *Store) NextTransactionID() uint64 { return s.state.NextTransactionID }

// Stage records next in batch. Call Committed once the batch is written.
func (s *Store) Stage(batch *storage.Batch, next SystemState) error {
	return s.records.Stage(batch, ParamsKeySystem, next)
}

// Committed adopts a state previously staged and written.
func (s *Store) Committed(next SystemState) { s.state = next }

// Update applies mutate to a copy of the state and persists it.
func (s *Store) Update(mutate func(*SystemState)) (SystemState, error) {
	next := s.state
	mutate(&next)
	if _, _, err := s.records.Insert(ParamsKeySystem, next); err != nil {
		return s.state, fmt.Errorf("params: persist system state: %w", err)
	}
	s.state = next
	return next, nil
}
