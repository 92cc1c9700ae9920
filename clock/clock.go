package clock

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// KeyLen is the length of the byte form returned by ChangeID.Key
const KeyLen = 14

type ReplicaID uint16

// ChangeID identifies one change made on one replica.
// IDs are ordered by Time, then Seq, then ReplicaID.
type ChangeID struct {
	Time      int64
	Seq       uint32
	ReplicaID ReplicaID
}

// Compare returns -1 if c sorts before o, 0 if they are equal and 1 otherwise
func (c ChangeID) Compare(o ChangeID) int {
	switch {
	case c.Time < o.Time:
		return -1
	case c.Time > o.Time:
		return 1
	case c.Seq < o.Seq:
		return -1
	case c.Seq > o.Seq:
		return 1
	case c.ReplicaID < o.ReplicaID:
		return -1
	case c.ReplicaID > o.ReplicaID:
		return 1
	}
	return 0
}

func (c ChangeID) Less(o ChangeID) bool {
	return c.Compare(o) < 0
}

func (c ChangeID) IsZero() bool {
	return c == ChangeID{}
}

// String renders the id as 28 hex digits: time, sequence number, replica id
func (c ChangeID) String() string {
	return fmt.Sprintf("%016x%08x%04x", uint64(c.Time), c.Seq, uint16(c.ReplicaID))
}

// ParseChangeID is the inverse of ChangeID.String
func ParseChangeID(s string) (ChangeID, error) {
	if len(s) != 28 {
		return ChangeID{}, errors.Errorf("bad change id %q: want 28 hex digits", s)
	}
	t, err := strconv.ParseUint(s[:16], 16, 64)
	if err != nil {
		return ChangeID{}, errors.Wrapf(err, "bad change id %q", s)
	}
	seq, err := strconv.ParseUint(s[16:24], 16, 32)
	if err != nil {
		return ChangeID{}, errors.Wrapf(err, "bad change id %q", s)
	}
	rid, err := strconv.ParseUint(s[24:], 16, 16)
	if err != nil {
		return ChangeID{}, errors.Wrapf(err, "bad change id %q", s)
	}
	return ChangeID{Time: int64(t), Seq: uint32(seq), ReplicaID: ReplicaID(rid)}, nil
}

func (c ChangeID) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ChangeID) UnmarshalText(b []byte) error {
	id, err := ParseChangeID(string(b))
	if err != nil {
		return err
	}
	*c = id
	return nil
}

// Key encodes the id big-endian so that byte order equals id order
func (c ChangeID) Key() []byte {
	k := make([]byte, KeyLen)
	binary.BigEndian.PutUint64(k[0:8], uint64(c.Time))
	binary.BigEndian.PutUint32(k[8:12], c.Seq)
	binary.BigEndian.PutUint16(k[12:14], uint16(c.ReplicaID))
	return k
}

func FromKey(k []byte) (ChangeID, error) {
	if len(k) != KeyLen {
		return ChangeID{}, errors.Errorf("bad change id key length %d", len(k))
	}
	return ChangeID{
		Time:      int64(binary.BigEndian.Uint64(k[0:8])),
		Seq:       binary.BigEndian.Uint32(k[8:12]),
		ReplicaID: ReplicaID(binary.BigEndian.Uint16(k[12:14])),
	}, nil
}

// Age is the time elapsed since the change was made, measured against now
func (c ChangeID) Age(now time.Time) time.Duration {
	d := now.UnixMilli() - c.Time
	if d < 0 {
		return 0
	}
	return time.Duration(d) * time.Millisecond
}

// Generator hands out strictly increasing change ids for one replica
type Generator struct {
	mu        sync.Mutex
	lastTime  int64
	seq       uint32
	replicaID ReplicaID
	now       func() int64
}

func wallClock() int64 {
	return time.Now().UnixMilli()
}

func NewGenerator(replicaID ReplicaID, startSeq uint32) *Generator {
	return &Generator{
		lastTime:  wallClock(),
		seq:       startSeq,
		replicaID: replicaID,
		now:       wallClock,
	}
}

// Newest is satisfied by state.Vector; it lets a generator start past everything already seen
type Newest interface {
	Newest() []ChangeID
}

// NewGeneratorFromState returns a generator whose ids sort after every id in seen
func NewGeneratorFromState(replicaID ReplicaID, seen Newest) *Generator {
	g := NewGenerator(replicaID, 0)
	for _, id := range seen.Newest() {
		g.catchUp(id)
	}
	return g
}

// Next returns an id strictly greater than any previously returned by g
func (g *Generator) Next() ChangeID {
	cur := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if cur > g.lastTime {
		g.lastTime = cur
		g.seq = 0
	} else {
		g.seq++
		if g.seq == 0 {
			// sequence wrapped; borrow the next millisecond
			g.lastTime++
		}
	}
	return ChangeID{Time: g.lastTime, Seq: g.seq, ReplicaID: g.replicaID}
}

// Adjust makes sure ids generated after a remote change sort after it
func (g *Generator) Adjust(id ChangeID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.catchUp(id)
}

func (g *Generator) catchUp(id ChangeID) {
	if id.Time > g.lastTime || (id.Time == g.lastTime && id.Seq >= g.seq) {
		g.lastTime = id.Time
		g.seq = id.Seq
	}
}

func (g *Generator) ReplicaID() ReplicaID {
	return g.replicaID
}
