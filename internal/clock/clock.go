// Package clock implements the hybrid Lamport and vector clock used to stamp
// and order events across instances.
package clock

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/ssd-technologies/confluence/internal/identity"
)

// LogicalTime is one stamp: a Lamport scalar for total ordering plus a vector
// entry per known instance for causality. Missing vector entries read as zero.
type LogicalTime struct {
	Lamport uint64                         `json:"lamport"`
	Vector  map[identity.InstanceID]uint64 `json:"vector"`
}

// Clone returns a deep copy of t.
func (t LogicalTime) Clone() LogicalTime {
	out := LogicalTime{Lamport: t.Lamport, Vector: make(map[identity.InstanceID]uint64, len(t.Vector))}
	for id, v := range t.Vector {
		out.Vector[id] = v
	}
	return out
}

// Instances returns the instances present in the vector, sorted.
func (t LogicalTime) Instances() []identity.InstanceID {
	ids := make([]identity.InstanceID, 0, len(t.Vector))
	for id := range t.Vector {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsZero reports whether t has never been ticked.
func (t LogicalTime) IsZero() bool {
	if t.Lamport != 0 {
		return false
	}
	for _, v := range t.Vector {
		if v != 0 {
			return false
		}
	}
	return true
}

// Max returns the element-wise maximum of a and b, with the larger Lamport value.
func Max(a, b LogicalTime) LogicalTime {
	out := a.Clone()
	if b.Lamport > out.Lamport {
		out.Lamport = b.Lamport
	}
	for id, v := range b.Vector {
		if v > out.Vector[id] {
			out.Vector[id] = v
		}
	}
	return out
}

// Ordering is the causal relation between two stamps.
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// Compare returns the causal relation of a to b using only the vectors.
func Compare(a, b LogicalTime) Ordering {
	var less, greater bool
	for id, av := range a.Vector {
		bv := b.Vector[id]
		if av < bv {
			less = true
		} else if av > bv {
			greater = true
		}
	}
	for id, bv := range b.Vector {
		if _, ok := a.Vector[id]; ok {
			continue
		}
		if bv > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// HappensBefore reports whether a causally precedes b: every entry of a is
// less than or equal to the matching entry of b and at least one is strictly less.
func HappensBefore(a, b LogicalTime) bool {
	return Compare(a, b) == Before
}

// IsConcurrent reports whether neither stamp precedes the other and they differ.
func IsConcurrent(a, b LogicalTime) bool {
	return Compare(a, b) == Concurrent
}

// Clock issues stamps for a single instance. All mutations are serialized.
// The set of known instances only grows.
type Clock struct {
	mu   sync.Mutex
	self identity.InstanceID
	now  LogicalTime
}

// New creates a clock for self with zero entries for each known instance.
func New(self identity.InstanceID, known ...identity.InstanceID) *Clock {
	c := &Clock{
		self: self,
		now:  LogicalTime{Vector: map[identity.InstanceID]uint64{self: 0}},
	}
	for _, id := range known {
		c.now.Vector[id] = 0
	}
	return c
}

// Restore creates a clock resuming from a previously persisted stamp.
func Restore(self identity.InstanceID, state LogicalTime) *Clock {
	c := New(self)
	c.now = Max(c.now, state)
	return c
}

// Self returns the owning instance.
func (c *Clock) Self() identity.InstanceID { return c.self }

// ErrImplausible is returned by Admit for stamps no honest instance produces.
var ErrImplausible = errors.New("clock: implausible remote stamp")

// incr adds one, saturating at the maximum so counters never wrap.
func incr(v uint64) uint64 {
	if v == math.MaxUint64 {
		return v
	}
	return v + 1
}

// Tick advances the local counter for a local event and returns the new stamp.
func (c *Clock) Tick() LogicalTime {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now.Lamport = incr(c.now.Lamport)
	c.now.Vector[c.self] = incr(c.now.Vector[c.self])
	return c.now.Clone()
}

// Observe merges a received stamp into the local clock: the Lamport value
// becomes max(local, remote)+1, the vector becomes the element-wise maximum,
// then the local entry is ticked. Unknown instances in remote are adopted.
// Counters saturate instead of wrapping, so the clock never moves back.
func (c *Clock) Observe(remote LogicalTime) LogicalTime {
	c.mu.Lock()
	defer c.mu.Unlock()

	if remote.Lamport > c.now.Lamport {
		c.now.Lamport = remote.Lamport
	}
	c.now.Lamport = incr(c.now.Lamport)
	for id, v := range remote.Vector {
		if v > c.now.Vector[id] {
			c.now.Vector[id] = v
		}
	}
	c.now.Vector[c.self] = incr(c.now.Vector[c.self])
	return c.now.Clone()
}

// Admit checks a received stamp before it is observed. Every event counted
// in a vector entry also advanced the Lamport value, so no entry may exceed
// it, and the Lamport value may lead the local one by at most maxAhead.
// maxAhead zero disables the lead check.
func (c *Clock) Admit(remote LogicalTime, maxAhead uint64) error {
	for id, v := range remote.Vector {
		if v > remote.Lamport {
			return fmt.Errorf("%w: entry %s=%d exceeds lamport %d", ErrImplausible, id, v, remote.Lamport)
		}
	}
	if maxAhead == 0 {
		return nil
	}
	c.mu.Lock()
	local := c.now.Lamport
	c.mu.Unlock()
	if remote.Lamport > local && remote.Lamport-local > maxAhead {
		return fmt.Errorf("%w: lamport %d leads local %d by more than %d", ErrImplausible, remote.Lamport, local, maxAhead)
	}
	return nil
}

// Know adds instances to the vector with a zero entry if they are not yet known.
func (c *Clock) Know(ids ...identity.InstanceID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if _, ok := c.now.Vector[id]; !ok {
			c.now.Vector[id] = 0
		}
	}
}

// Now returns the current stamp without advancing it.
func (c *Clock) Now() LogicalTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now.Clone()
}
