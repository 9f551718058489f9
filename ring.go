package servent

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"go-servent/wire"
)

// Ring is one node's view of the chord ring: the successor (finger) table,
// the predecessor pointer, every known member and the DHT values it owns.
//
// Mutations are serialized under mu; routing reads share a read lock.
type Ring struct {
	mu          sync.RWMutex
	self        wire.NodeInfo
	ringSize    int
	level       int
	// successors[0] is the successor. Entry i holds the last member not past
	// (self + 2^i) mod ringSize, i.e. the member before that target rather
	// than its owner, or the first member when none precedes the target.
	successors  []*wire.NodeInfo
	predecessor *wire.NodeInfo
	members     []wire.NodeInfo // clockwise from self, self excluded
	values      map[int]string
	logger      *slog.Logger
}

// NewRing creates an empty ring view. ringSize must be a power of two (see ValidateRingSize).
func NewRing(self wire.NodeInfo, ringSize int, logger *slog.Logger) *Ring {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var level = ringLevel(ringSize)
	return &Ring{
		self:       self,
		ringSize:   ringSize,
		level:      level,
		successors: make([]*wire.NodeInfo, level),
		members:    make([]wire.NodeInfo, 0),
		values:     make(map[int]string),
		logger:     logger,
	}
}

// ValidateRingSize checks the ring size is a power of two and at least 2.
func ValidateRingSize(ringSize int) error {
	if ringSize < 2 || ringSize&(ringSize-1) != 0 {
		return fmt.Errorf("ring size %d: %w", ringSize, ErrInvalidRingSize)
	}
	return nil
}

func ringLevel(ringSize int) int {
	var level = 0
	for size := ringSize; size > 1; size >>= 1 {
		level++
	}
	return level
}

// distance is the clockwise distance from one ring position to another.
func (r *Ring) distance(from, to int) int {
	return ((to-from)%r.ringSize + r.ringSize) % r.ringSize
}

// Self returns this node's identity.
func (r *Ring) Self() wire.NodeInfo {
	return r.self
}

// Size returns the ring size.
func (r *Ring) Size() int {
	return r.ringSize
}

// IsKeyMine reports whether key falls in (predecessor, self] on the ring.
// A node without a predecessor owns every key.
func (r *Ring) IsKeyMine(key int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isKeyMine(key)
}

// Must be called with lock held.
func (r *Ring) isKeyMine(key int) bool {
	if r.predecessor == nil {
		return true
	}

	var (
		predID = r.predecessor.ChordID
		myID   = r.self.ChordID
	)

	if predID < myID {
		return key > predID && key <= myID
	}
	// Wrap around
	return key <= myID || key > predID
}

// NextHopFor returns the node a request for key should be sent to.
// mine is true when this node owns the key, in which case next is self.
func (r *Ring) NextHopFor(key int) (next wire.NodeInfo, mine bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.isKeyMine(key) {
		return r.self, true
	}

	var (
		keyDist  = r.distance(r.self.ChordID, key)
		best     *wire.NodeInfo
		bestDist = -1
	)

	// Furthest entry that does not overshoot the key.
	for i, entry := range r.successors {
		if entry == nil {
			r.logger.Warn("successor table entry missing, falling back to a coarser hop",
				"key", key,
				"level", i)
			break
		}

		var d = r.distance(r.self.ChordID, entry.ChordID)
		if d == 0 || d > keyDist {
			continue
		}
		if d > bestDist {
			best = entry
			bestDist = d
		}
	}

	if best != nil {
		return *best, false
	}

	if r.successors[0] != nil {
		return *r.successors[0], false
	}

	// No successor known at all; nothing better than handling it here.
	r.logger.Warn("no successor known, handling key locally", "key", key)
	return r.self, true
}

// Successor returns successor table entry 0, if any.
func (r *Ring) Successor() (wire.NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.successors[0] == nil {
		return wire.NodeInfo{}, false
	}
	return *r.successors[0], true
}

// Predecessor returns the predecessor, if any.
func (r *Ring) Predecessor() (wire.NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.predecessor == nil {
		return wire.NodeInfo{}, false
	}
	return *r.predecessor, true
}

// SuccessorTable returns a copy of the successor table; missing entries are nil.
func (r *Ring) SuccessorTable() []*wire.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var table = make([]*wire.NodeInfo, len(r.successors))
	for i, entry := range r.successors {
		if entry != nil {
			var e = *entry
			table[i] = &e
		}
	}
	return table
}

// Members returns the known members in clockwise order starting after self.
func (r *Ring) Members() []wire.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var members = make([]wire.NodeInfo, len(r.members))
	copy(members, r.members)
	return members
}

// IsCollision reports whether chordID is already taken by self or a known member.
func (r *Ring) IsCollision(chordID int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if chordID == r.self.ChordID {
		return true
	}
	for _, m := range r.members {
		if m.ChordID == chordID {
			return true
		}
	}
	return false
}

// Init installs the welcoming node as the first successor and adopts the
// DHT values it handed over.
func (r *Ring) Init(successor wire.NodeInfo, values map[int]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.successors[0] = &successor
	r.values = make(map[int]string, len(values))
	for k, v := range values {
		r.values[k] = v
	}
}

// AddMembers merges newMembers into the membership list, recomputes the
// predecessor and rebuilds the successor table from scratch.
func (r *Ring) AddMembers(newMembers []wire.NodeInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var known = make(map[int]bool, len(r.members))
	for _, m := range r.members {
		known[m.ChordID] = true
	}
	for _, m := range newMembers {
		if m.ChordID == r.self.ChordID || known[m.ChordID] {
			continue
		}
		known[m.ChordID] = true
		r.members = append(r.members, m)
	}

	r.rebuild()
}

// RemoveMember drops a member and rebuilds. It reports whether the member
// was the predecessor or successor entry 0 before removal.
func (r *Ring) RemoveMember(member wire.NodeInfo) (wasPredecessor, wasSuccessor bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wasPredecessor = r.predecessor != nil && r.predecessor.Equal(member)
	wasSuccessor = r.successors[0] != nil && r.successors[0].Equal(member)

	var kept = r.members[:0]
	for _, m := range r.members {
		if !m.Equal(member) {
			kept = append(kept, m)
		}
	}
	r.members = kept

	r.rebuild()
	return wasPredecessor, wasSuccessor
}

// SetPredecessor overrides the predecessor pointer.
func (r *Ring) SetPredecessor(predecessor *wire.NodeInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if predecessor == nil {
		r.predecessor = nil
		return
	}
	var p = *predecessor
	r.predecessor = &p
}

// rebuild sorts members clockwise from self, picks the predecessor and
// recomputes every successor table entry.
// Must be called with lock held.
func (r *Ring) rebuild() {
	sort.Slice(r.members, func(i, j int) bool {
		return r.members[i].ChordID < r.members[j].ChordID
	})

	var (
		myID  = r.self.ChordID
		above = make([]wire.NodeInfo, 0, len(r.members))
		below = make([]wire.NodeInfo, 0, len(r.members))
	)
	for _, m := range r.members {
		if m.ChordID < myID {
			below = append(below, m)
		} else {
			above = append(above, m)
		}
	}
	r.members = append(above, below...)

	for i := range r.successors {
		r.successors[i] = nil
	}

	if len(r.members) == 0 {
		r.predecessor = nil
		return
	}

	var pred = r.members[len(r.members)-1]
	r.predecessor = &pred

	var first = r.members[0]
	r.successors[0] = &first

	// Each entry is the member closest to, but not past, its target.
	var idx = 0
	for i := 1; i < r.level; i++ {
		var (
			target     = (myID + (1 << i)) % r.ringSize
			targetDist = r.distance(myID, target)
		)
		for idx+1 < len(r.members) && r.distance(myID, r.members[idx+1].ChordID) <= targetDist {
			idx++
		}
		var entry = r.members[idx]
		r.successors[i] = &entry
	}
}

// PutValue stores a DHT value owned by this node.
func (r *Ring) PutValue(key int, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[key] = value
}

// GetValue returns a DHT value owned by this node.
func (r *Ring) GetValue(key int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var v, ok = r.values[key]
	return v, ok
}

// HandOverValues removes and returns the values a joining node with the given
// id will own once it becomes this node's predecessor.
func (r *Ring) HandOverValues(joinerID int) map[int]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var handed = make(map[int]string)
	for key, value := range r.values {
		// Keys at or before the joiner (walking clockwise from us) move to it.
		if r.distance(key, r.self.ChordID) >= r.distance(joinerID, r.self.ChordID) {
			handed[key] = value
			delete(r.values, key)
		}
	}
	return handed
}

// String returns a visual representation of the ring state.
func (r *Ring) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder

	b.WriteString(fmt.Sprintf("Servent: %s (Chord ID: %d)\n", r.self.Endpoint(), r.self.ChordID))
	b.WriteString(fmt.Sprintf("Size: %d | Level: %d | Members: %d | Values: %d\n",
		r.ringSize, r.level, len(r.members), len(r.values)))

	if r.predecessor != nil {
		b.WriteString(fmt.Sprintf("Predecessor: %s\n", r.predecessor))
	} else {
		b.WriteString("Predecessor: none\n")
	}

	b.WriteString("\nSuccessor Table:\n")
	b.WriteString("┌─────────────────────────────────────────────────────────────┐\n")
	for i, entry := range r.successors {
		var target = (r.self.ChordID + (1 << i)) % r.ringSize
		if entry == nil {
			b.WriteString(fmt.Sprintf("│ [%2d] target:%-5d  -\n", i, target))
			continue
		}
		b.WriteString(fmt.Sprintf("│ [%2d] target:%-5d  @%-5d  %s\n", i, target, entry.ChordID, entry.Endpoint()))
	}
	b.WriteString("└─────────────────────────────────────────────────────────────┘\n")

	if len(r.members) == 0 {
		b.WriteString("\n[Alone on the ring]\n")
		return b.String()
	}

	b.WriteString("\nMembers (clockwise):\n")
	var prevID = r.self.ChordID
	for _, m := range r.members {
		var rangeStr string
		if prevID >= m.ChordID {
			rangeStr = fmt.Sprintf("(%d..%d,0..%d]", prevID, r.ringSize-1, m.ChordID)
		} else {
			rangeStr = fmt.Sprintf("(%d..%d]", prevID, m.ChordID)
		}
		b.WriteString(fmt.Sprintf("  @%-5d  %-21s  %s\n", m.ChordID, m.Endpoint(), rangeStr))
		prevID = m.ChordID
	}

	return b.String()
}
