package concolic

// Searcher represents a strategy for finding the next execution state to execute.
type Searcher interface {
	// Returns the next state to explore.
	SelectState() *ExecutionState

	// Adds states to the current searcher.
	AddState(state *ExecutionState)
}

var _ Searcher = (*MultiSearcher)(nil)

// MultiSearcher represents a Searcher that chooses a searcher round-robin.
type MultiSearcher struct {
	searchers []Searcher
	index     int
}

// NewMultiSearcher returns a new instance of MultiSearcher.
func NewMultiSearcher(searchers ...Searcher) *MultiSearcher {
	return &MultiSearcher{searchers: searchers}
}

// SelectState returns the next state to explore from the next searcher.
func (s *MultiSearcher) SelectState() *ExecutionState {
	searcher := s.searchers[s.index]
	if s.index++; s.index >= len(s.searchers) {
		s.index = 0
	}
	return searcher.SelectState()
}

// AddState adds a new state to the searcher.
func (s *MultiSearcher) AddState(state *ExecutionState) {
	for _, searcher := range s.searchers {
		searcher.AddState(state)
	}
}

// DFSSearcher represents a searcher with a depth-first search strategy.
type DFSSearcher struct {
	states []*ExecutionState
}

// NewDFSSearcher returns a new instance of DFSSearcher.
func NewDFSSearcher() *DFSSearcher {
	return &DFSSearcher{}
}

// SelectState returns the next execution state to explore.
func (s *DFSSearcher) SelectState() *ExecutionState {
	if len(s.states) == 0 {
		return nil
	}
	state := s.states[len(s.states)-1]
	s.states = s.states[:len(s.states)-1]
	return state
}

// AddState adds a new state to the searcher.
func (s *DFSSearcher) AddState(state *ExecutionState) {
	s.states = append(s.states, state)
}

// BFSSearcher represents a searcher with a breadth-first search strategy.
type BFSSearcher struct {
	states []*ExecutionState
}

// NewBFSSearcher returns a new instance of BFSSearcher.
func NewBFSSearcher() *BFSSearcher {
	return &BFSSearcher{}
}

// SelectState returns the next execution state to explore.
func (s *BFSSearcher) SelectState() *ExecutionState {
	if len(s.states) == 0 {
		return nil
	}
	state := s.states[0]
	s.states = s.states[1:]
	return state
}

// AddState adds a new state to the searcher.
func (s *BFSSearcher) AddState(state *ExecutionState) {
	s.states = append(s.states, state)
}

// MergeHandler collects states that paused at a common reconvergence point
// so they can be folded together once all of them arrive.
type MergeHandler struct {
	open []*ExecutionState
}

// NewMergeHandler returns a new instance of MergeHandler.
func NewMergeHandler() *MergeHandler {
	return &MergeHandler{}
}

// Open returns the states currently registered with the handler, in
// registration order.
func (h *MergeHandler) Open() []*ExecutionState { return h.open }

// Register adds a state to the handler's open list. The returned
// registration deregisters the state when released; releasing is also
// performed by the state's own teardown.
func (h *MergeHandler) Register(state *ExecutionState) *MergeRegistration {
	r := &MergeRegistration{handler: h, state: state}
	h.open = append(h.open, state)
	state.openMerges = append(state.openMerges, r)
	return r
}

// release drops the state's registration with this handler only.
func (h *MergeHandler) release(state *ExecutionState) {
	for _, r := range state.openMerges {
		if r.handler == h {
			r.Release()
			return
		}
	}
}

// Fold merges the open states pairwise and empties the handler. Each state
// is merged into the earliest surviving state it reconverges with; states
// folded away are torn down. States that cannot merge with any survivor
// continue on their own. Returns the survivors in registration order.
func (h *MergeHandler) Fold() []*ExecutionState {
	open := make([]*ExecutionState, len(h.open))
	copy(open, h.open)

	var survivors []*ExecutionState
	for _, state := range open {
		var merged bool
		for _, base := range survivors {
			if base.Merge(state) {
				merged = true
				break
			}
		}
		if merged {
			state.Release()
		} else {
			h.release(state)
			survivors = append(survivors, state)
		}
	}
	return survivors
}

// MergeRegistration ties one state to one merge handler. Releasing it
// removes the state from the handler's open list and the handler from the
// state's registration list.
type MergeRegistration struct {
	handler  *MergeHandler
	state    *ExecutionState
	released bool
}

// Handler returns the merge handler the registration belongs to.
func (r *MergeRegistration) Handler() *MergeHandler { return r.handler }

// State returns the registered state.
func (r *MergeRegistration) State() *ExecutionState { return r.state }

// Release deregisters the state from the handler. Releasing an already
// released registration is a no-op.
func (r *MergeRegistration) Release() {
	if r.released {
		return
	}
	r.released = true

	for i, state := range r.handler.open {
		if state == r.state {
			r.handler.open = append(r.handler.open[:i], r.handler.open[i+1:]...)
			break
		}
	}
	for i, reg := range r.state.openMerges {
		if reg == r {
			r.state.openMerges = append(r.state.openMerges[:i], r.state.openMerges[i+1:]...)
			break
		}
	}
}
