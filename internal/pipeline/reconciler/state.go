package reconciler

import (
	"sort"
	"sync"

	"github.com/emperorhan/cellsync/internal/domain/model"
)

// Observer is told about script state changes and cursor movement. The
// sync state publisher implements it.
type Observer interface {
	ScriptProgressed(p model.ScriptProgress)
	ScriptRemoved(scriptID string)
}

type scriptStatus struct {
	progress model.ScriptProgress
	failures int
	// sticky stalls survive successful polls until a resync
	sticky bool
}

type stateTracker struct {
	mu       sync.Mutex
	scripts  map[string]*scriptStatus
	observer Observer
}

func newStateTracker() *stateTracker {
	return &stateTracker{scripts: make(map[string]*scriptStatus)}
}

func (s *stateTracker) get(id string) *scriptStatus {
	st, ok := s.scripts[id]
	if !ok {
		st = &scriptStatus{progress: model.ScriptProgress{ScriptID: id, State: model.ScriptStateIdle}}
		s.scripts[id] = st
	}
	return st
}

// update applies fn under the lock and notifies the observer if the
// visible progress changed.
func (s *stateTracker) update(id string, fn func(st *scriptStatus)) model.ScriptProgress {
	s.mu.Lock()
	st := s.get(id)
	before := st.progress
	fn(st)
	after := st.progress
	obs := s.observer
	s.mu.Unlock()

	if obs != nil && before != after {
		obs.ScriptProgressed(after)
	}
	return after
}

func (s *stateTracker) setState(id string, state model.ScriptState) {
	s.update(id, func(st *scriptStatus) {
		// only a successful cycle or a resync leaves the stalled state
		if st.progress.State == model.ScriptStateStalled {
			return
		}
		st.progress.State = state
	})
}

func (s *stateTracker) setCursor(id string, block int64) {
	s.update(id, func(st *scriptStatus) { st.progress.CursorBlockNumber = block })
}

func (s *stateTracker) stall(id, reason string, sticky bool) {
	s.update(id, func(st *scriptStatus) {
		st.progress.State = model.ScriptStateStalled
		st.progress.Reason = reason
		st.sticky = st.sticky || sticky
	})
}

func (s *stateTracker) clear(id string) {
	s.update(id, func(st *scriptStatus) {
		st.sticky = false
		st.failures = 0
		st.progress.State = model.ScriptStateIdle
		st.progress.Reason = ""
	})
}

func (s *stateTracker) remove(id string) {
	s.mu.Lock()
	_, ok := s.scripts[id]
	delete(s.scripts, id)
	obs := s.observer
	s.mu.Unlock()
	if ok && obs != nil {
		obs.ScriptRemoved(id)
	}
}

func (s *stateTracker) progress(id string) (model.ScriptProgress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.scripts[id]
	if !ok {
		return model.ScriptProgress{}, false
	}
	return st.progress, true
}

func (s *stateTracker) isSticky(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.scripts[id]
	return ok && st.sticky
}

func (s *stateTracker) snapshot() []model.ScriptProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ScriptProgress, 0, len(s.scripts))
	for _, st := range s.scripts {
		out = append(out, st.progress)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScriptID < out[j].ScriptID })
	return out
}
