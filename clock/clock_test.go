package clock

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	base := ChangeID{Time: 100, Seq: 5, ReplicaID: 3}
	for _, tc := range []struct {
		name  string
		other ChangeID
		want  int
	}{
		{"equal", base, 0},
		{"later time wins over seq", ChangeID{Time: 101, Seq: 0, ReplicaID: 1}, -1},
		{"earlier time", ChangeID{Time: 99, Seq: 50, ReplicaID: 9}, 1},
		{"seq breaks time tie", ChangeID{Time: 100, Seq: 6, ReplicaID: 1}, -1},
		{"replica breaks full tie", ChangeID{Time: 100, Seq: 5, ReplicaID: 4}, -1},
		{"lower replica", ChangeID{Time: 100, Seq: 5, ReplicaID: 2}, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, base.Compare(tc.other))
			assert.Equal(t, -tc.want, tc.other.Compare(base))
		})
	}
}

func TestStringAndKeyRoundTrip(t *testing.T) {
	id := ChangeID{Time: 1700000000123, Seq: 42, ReplicaID: 0x1f}
	s := id.String()
	require.Len(t, s, 28)
	parsed, err := ParseChangeID(s)
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	fromKey, err := FromKey(id.Key())
	require.NoError(t, err)
	assert.Equal(t, id, fromKey)

	_, err = ParseChangeID("xyz")
	assert.Error(t, err)
	_, err = FromKey([]byte{1, 2})
	assert.Error(t, err)
}

func TestKeyOrderMatchesIDOrder(t *testing.T) {
	ids := []ChangeID{
		{Time: 5, Seq: 0, ReplicaID: 9},
		{Time: 4, Seq: 7, ReplicaID: 1},
		{Time: 5, Seq: 0, ReplicaID: 2},
		{Time: 4, Seq: 70000, ReplicaID: 1},
		{Time: 1 << 40, Seq: 0, ReplicaID: 0},
	}
	byKey := append([]ChangeID(nil), ids...)
	sort.Slice(byKey, func(i, j int) bool { return string(byKey[i].Key()) < string(byKey[j].Key()) })
	byID := append([]ChangeID(nil), ids...)
	sort.Slice(byID, func(i, j int) bool { return byID[i].Less(byID[j]) })
	assert.Equal(t, byID, byKey)
}

func TestGeneratorStalledClock(t *testing.T) {
	g := NewGenerator(7, 0)
	now := int64(1000)
	g.now = func() int64 { return now }
	g.lastTime = 0

	first := g.Next()
	assert.Equal(t, ChangeID{Time: 1000, Seq: 0, ReplicaID: 7}, first)
	second := g.Next()
	assert.Equal(t, ChangeID{Time: 1000, Seq: 1, ReplicaID: 7}, second)

	// clock goes backwards: still increasing
	now = 900
	third := g.Next()
	assert.True(t, second.Less(third))

	now = 2000
	fourth := g.Next()
	assert.Equal(t, ChangeID{Time: 2000, Seq: 0, ReplicaID: 7}, fourth)
}

func TestGeneratorSeqWrap(t *testing.T) {
	g := NewGenerator(1, 0)
	g.now = func() int64 { return 10 }
	g.lastTime = 10
	g.seq = ^uint32(0)
	id := g.Next()
	assert.Equal(t, ChangeID{Time: 11, Seq: 0, ReplicaID: 1}, id)
}

func TestGeneratorAdjust(t *testing.T) {
	g := NewGenerator(5, 0)
	cn := g.Next()

	remote := ChangeID{Time: cn.Time + 5000, Seq: cn.Seq, ReplicaID: 6}
	g.Adjust(remote)
	assert.True(t, remote.Less(g.Next()))

	sameMilli := ChangeID{Time: remote.Time, Seq: remote.Seq + 10, ReplicaID: 6}
	g.Adjust(sameMilli)
	assert.True(t, sameMilli.Less(g.Next()))
}

type ids []ChangeID

func (s ids) Newest() []ChangeID { return s }

func TestGeneratorFromState(t *testing.T) {
	seen := ids{
		{Time: wallClock() + 60000, Seq: ^uint32(0), ReplicaID: 5},
		{Time: 3, Seq: 3, ReplicaID: 2},
	}
	g := NewGeneratorFromState(5, seen)
	id := g.Next()
	assert.Equal(t, uint32(0), id.Seq)
	assert.True(t, seen[0].Less(id))
}

func TestGeneratorConcurrent(t *testing.T) {
	g := NewGenerator(2, 0)
	const workers, perWorker = 8, 500
	out := make(chan ChangeID, workers*perWorker)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				out <- g.Next()
			}
		}()
	}
	wg.Wait()
	close(out)

	seen := make(map[ChangeID]bool)
	for id := range out {
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, workers*perWorker)
}
