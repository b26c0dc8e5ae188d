package service

// State is one combinable room lifecycle flag.
type State uint8

const (
	StateInactive State = 1 << iota
	StateActive
	StateReachingOut
	StateBeingDropped
	StateBeingCreated
)

// StateSet is a set of State flags. Add and Remove are idempotent, so
// re-applying a flag can never corrupt the set.
type StateSet uint8

func NewStateSet(flags ...State) StateSet {
	var s StateSet
	for _, f := range flags {
		s.Add(f)
	}
	return s
}

func (s *StateSet) Add(f State)    { *s |= StateSet(f) }
func (s *StateSet) Remove(f State) { *s &^= StateSet(f) }

func (s StateSet) Has(f State) bool { return s&StateSet(f) != 0 }
