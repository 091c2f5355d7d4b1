package coordinator

// Policy selects which builds a batch processes. Exactly one of
// FetchLimit or Whitelist is meaningful per the engine's two supported
// modes; Whitelist takes precedence when non-empty.
type Policy struct {
	// FetchLimit caps the number of unvisited builds processed this
	// batch; all revisitable builds are always processed regardless of
	// this limit.
	FetchLimit int

	// Whitelist, if non-empty, restricts both the unvisited and
	// revisitable queues to these build numbers.
	Whitelist []int64
}

func (p Policy) hasWhitelist() bool { return len(p.Whitelist) > 0 }

func (p Policy) allows(buildNum int64) bool {
	if !p.hasWhitelist() {
		return true
	}
	for _, n := range p.Whitelist {
		if n == buildNum {
			return true
		}
	}
	return false
}
