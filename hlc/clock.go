package hlc

import (
	"sync"
	"time"
)

// Clock is a hybrid logical clock. Sync sessions use it to mint synced-field
// values for server-originated writes: every value is strictly greater than
// anything the process generated before and anything it has observed from a
// remote, so last-write-wins comparisons stay consistent even when wall
// clocks drift between the server and its clients.
type Clock struct {
	nodeID   uint64
	wallTime int64
	logical  int32
	lastMS   int64 // millisecond of the last minted value, logical resets when it advances
	mu       sync.Mutex
}

// Timestamp is a single point produced by a Clock.
type Timestamp struct {
	WallTime int64
	Logical  int32
	NodeID   uint64
}

// NewClock creates a clock for the given node.
func NewClock(nodeID uint64) *Clock {
	now := time.Now().UnixNano()
	return &Clock{
		nodeID:   nodeID,
		wallTime: now,
		lastMS:   now / 1_000_000,
	}
}

// LogicalBits is the number of bits reserved for the logical counter when a
// timestamp is packed into a synced value. 16 bits allows ~65k values per
// millisecond per node.
const LogicalBits = 16

// LogicalMask masks the logical counter for packing.
const LogicalMask = (1 << LogicalBits) - 1

// NodeIDBits is the number of bits reserved for the node id in packed values.
const NodeIDBits = 6

// NodeIDMask masks the node id for packing.
const NodeIDMask = (1 << NodeIDBits) - 1

// shiftBits is the total shift applied to the millisecond component.
const shiftBits = NodeIDBits + LogicalBits

// MaxLogical is the largest logical counter value that still packs cleanly.
const MaxLogical = LogicalMask

// Now mints a timestamp for a local event.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixNano()
	nowMS := now / 1_000_000

	if now > c.wallTime {
		c.wallTime = now
	}
	if nowMS > c.lastMS {
		c.lastMS = nowMS
		c.logical = 0
	}

	// Logical exhausted within this millisecond: wait for the next one so
	// packed values never collide.
	for c.logical >= MaxLogical {
		time.Sleep(100 * time.Microsecond)
		n := time.Now().UnixNano()
		if ms := n / 1_000_000; ms > c.lastMS {
			c.wallTime = n
			c.lastMS = ms
			c.logical = 0
			break
		}
	}

	c.logical++
	return Timestamp{WallTime: c.wallTime, Logical: c.logical, NodeID: c.nodeID}
}

// Observe folds a remotely generated timestamp into the clock and returns a
// fresh timestamp guaranteed to order after it. Sessions call this with the
// highest synced value seen in each pulled page. Comparison runs at
// millisecond granularity, the precision packed values carry.
func (c *Clock) Observe(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	if now := time.Now().UnixNano(); now > c.wallTime {
		c.wallTime = now
	}
	if remote.WallTime > c.wallTime {
		c.wallTime = remote.WallTime
	}
	remoteMS := remote.WallTime / 1_000_000

	maxMS := max(c.wallTime/1_000_000, c.lastMS)
	switch {
	case maxMS > c.lastMS && maxMS > remoteMS:
		c.logical = 1
	case maxMS == remoteMS && maxMS == c.lastMS:
		if remote.Logical > c.logical {
			c.logical = remote.Logical
		}
		c.logical++
	case maxMS == remoteMS:
		c.logical = remote.Logical + 1
	default:
		c.logical++
	}

	c.lastMS = maxMS
	if wall := maxMS * 1_000_000; wall > c.wallTime {
		c.wallTime = wall
	}

	for c.logical >= MaxLogical {
		time.Sleep(100 * time.Microsecond)
		n := time.Now().UnixNano()
		if ms := n / 1_000_000; ms > c.lastMS {
			c.wallTime = n
			c.lastMS = ms
			c.logical = 1
			break
		}
	}

	return Timestamp{WallTime: c.wallTime, Logical: c.logical, NodeID: c.nodeID}
}

// Compare orders two timestamps: -1 if a < b, 0 if equal, 1 if a > b.
func Compare(a, b Timestamp) int {
	switch {
	case a.WallTime < b.WallTime:
		return -1
	case a.WallTime > b.WallTime:
		return 1
	case a.Logical < b.Logical:
		return -1
	case a.Logical > b.Logical:
		return 1
	case a.NodeID < b.NodeID:
		return -1
	case a.NodeID > b.NodeID:
		return 1
	}
	return 0
}

// Less reports whether a orders before b.
func Less(a, b Timestamp) bool { return Compare(a, b) < 0 }

// After reports whether a orders after b.
func After(a, b Timestamp) bool { return Compare(a, b) > 0 }

// ToSyncedValue packs the timestamp into a single uint64 suitable for a
// monotonic synced-field column:
//
//	(physical_ms << 22) | (logical << 6) | node_id
//
// 42 bits of milliseconds, 16 bits of logical counter, 6 bits of node id.
// The field order mirrors Compare: logical sits above node_id so a value
// minted after Observe always packs above the observed one, whichever node
// produced it. Node id only breaks exact ties.
func (t Timestamp) ToSyncedValue() uint64 {
	ms := uint64(t.WallTime / 1_000_000)
	return (ms << shiftBits) | ((uint64(t.Logical) & LogicalMask) << NodeIDBits) | (t.NodeID & NodeIDMask)
}

// FromSyncedValue unpacks a synced value produced by ToSyncedValue.
func FromSyncedValue(v uint64) Timestamp {
	return Timestamp{
		WallTime: int64(v>>shiftBits) * 1_000_000,
		Logical:  int32((v >> NodeIDBits) & LogicalMask),
		NodeID:   v & NodeIDMask,
	}
}

// PhysicalTime returns the wall-clock component.
func (t Timestamp) PhysicalTime() time.Time {
	return time.Unix(0, t.WallTime)
}

func (t Timestamp) String() string {
	return t.PhysicalTime().Format(time.RFC3339Nano)
}
