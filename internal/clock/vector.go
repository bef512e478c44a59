package clock

// VectorClock tracks the highest counter observed from each client. It
// decides causal precedence versus concurrency during sync negotiation; the
// merge engine itself orders purely by Timestamp.
type VectorClock map[string]uint64

// NewVectorClock constructs an empty clock.
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Get returns the counter recorded for a client, defaulting to zero.
func (vc VectorClock) Get(clientID string) uint64 {
	return vc[clientID]
}

// Increment bumps the counter for a client and returns the new value.
func (vc VectorClock) Increment(clientID string) uint64 {
	vc[clientID] = vc[clientID] + 1
	return vc[clientID]
}

// Set records an externally observed counter for a client.
func (vc VectorClock) Set(clientID string, counter uint64) {
	vc[clientID] = counter
}

// Merge folds another clock into the receiver by taking the pointwise max.
func (vc VectorClock) Merge(other VectorClock) {
	for clientID, counter := range other {
		if counter > vc[clientID] {
			vc[clientID] = counter
		}
	}
}

// HappenedBefore reports strict causal dominance: every entry of vc is less
// than or equal to the corresponding entry of other (missing entries count
// as zero) and the clocks are not equal.
func (vc VectorClock) HappenedBefore(other VectorClock) bool {
	strict := false
	for clientID, counter := range vc {
		theirs := other[clientID]
		if counter > theirs {
			return false
		}
		if counter < theirs {
			strict = true
		}
	}
	if !strict {
		for clientID, theirs := range other {
			if theirs > vc[clientID] {
				strict = true
				break
			}
		}
	}
	return strict
}

// IsConcurrent reports that neither clock causally precedes the other.
func (vc VectorClock) IsConcurrent(other VectorClock) bool {
	return !vc.HappenedBefore(other) && !other.HappenedBefore(vc)
}

// Dominates reports whether the receiver covers the other clock: every
// counter is greater than or equal. Used to decide whether an incoming
// operation's causal predecessors have all been observed.
func (vc VectorClock) Dominates(other VectorClock) bool {
	for clientID, counter := range other {
		if vc[clientID] < counter {
			return false
		}
	}
	return true
}

// Equals reports entry-wise equality, treating absent entries as zero.
func (vc VectorClock) Equals(other VectorClock) bool {
	for clientID, counter := range vc {
		if other[clientID] != counter {
			return false
		}
	}
	for clientID, counter := range other {
		if vc[clientID] != counter {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for clientID, counter := range vc {
		out[clientID] = counter
	}
	return out
}

// ClientIDs lists the clients with recorded entries.
func (vc VectorClock) ClientIDs() []string {
	ids := make([]string, 0, len(vc))
	for clientID := range vc {
		ids = append(ids, clientID)
	}
	return ids
}

// Clear removes all entries.
func (vc VectorClock) Clear() {
	for clientID := range vc {
		delete(vc, clientID)
	}
}
