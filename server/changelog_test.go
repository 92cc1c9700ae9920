package server

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replhub/clock"
	"replhub/communication"
	"replhub/state"
)

const testGeneration = "generation-1"

func change(r clock.ReplicaID, ms int64, seq uint32) communication.Update {
	return &communication.ModifyMsg{
		UpdateHeader: communication.UpdateHeader{
			ID:       clock.ChangeID{Time: ms, Seq: seq, ReplicaID: r},
			TargetDN: fmt.Sprintf("uid=user.%d,o=test", r),
			UUID:     fmt.Sprintf("uuid-%d", r),
		},
		Mods: []communication.Modification{{
			Type:      communication.ModReplace,
			Attribute: communication.Attribute{Name: "description", Values: []string{fmt.Sprint(ms, seq)}},
		}},
	}
}

// drain follows next from seen until the log is exhausted
func drain(t *testing.T, l *changeLog, seen *state.Vector) []clock.ChangeID {
	t.Helper()
	seen = seen.Clone()
	var out []clock.ChangeID
	for {
		u, ok, err := l.next(seen)
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, u.ChangeID())
		seen.Update(u.ChangeID())
	}
}

func TestChangeLogOrdersAcrossReplicas(t *testing.T) {
	for _, capacity := range []int{100, 2} {
		t.Run(fmt.Sprintf("capacity %d", capacity), func(t *testing.T) {
			l, err := openChangeLog(t.TempDir(), "o=test", capacity, testGeneration)
			require.NoError(t, err)
			defer l.close()

			for _, u := range []communication.Update{
				change(1, 10, 0), change(2, 11, 0), change(1, 12, 0), change(2, 12, 0), change(1, 12, 1),
			} {
				added, err := l.append(u)
				require.NoError(t, err)
				require.True(t, added)
			}

			assert.Equal(t, []clock.ChangeID{
				{Time: 10, ReplicaID: 1},
				{Time: 11, ReplicaID: 2},
				{Time: 12, ReplicaID: 1},
				{Time: 12, ReplicaID: 2},
				{Time: 12, Seq: 1, ReplicaID: 1},
			}, drain(t, l, state.New()))

			from := state.New(clock.ChangeID{Time: 12, ReplicaID: 1}, clock.ChangeID{Time: 11, ReplicaID: 2})
			assert.Equal(t, []clock.ChangeID{
				{Time: 12, ReplicaID: 2},
				{Time: 12, Seq: 1, ReplicaID: 1},
			}, drain(t, l, from))
		})
	}
}

func TestChangeLogDiscardsDuplicates(t *testing.T) {
	l, err := openChangeLog(t.TempDir(), "o=test", 10, testGeneration)
	require.NoError(t, err)
	defer l.close()

	added, err := l.append(change(1, 10, 0))
	require.NoError(t, err)
	assert.True(t, added)

	for _, u := range []communication.Update{change(1, 10, 0), change(1, 9, 5)} {
		added, err = l.append(u)
		require.NoError(t, err)
		assert.False(t, added, u.String())
	}
	assert.Equal(t, 1, l.size())
}

func TestChangeLogMissing(t *testing.T) {
	l, err := openChangeLog(t.TempDir(), "o=test", 3, testGeneration)
	require.NoError(t, err)
	defer l.close()

	for i := int64(1); i <= 6; i++ {
		_, err := l.append(change(1, 1000+i, 0))
		require.NoError(t, err)
	}
	_, err = l.append(change(2, 1002, 0))
	require.NoError(t, err)

	n, oldest, err := l.missing(state.New())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, clock.ChangeID{Time: 1001, ReplicaID: 1}, oldest)

	n, oldest, err = l.missing(state.New(clock.ChangeID{Time: 1004, ReplicaID: 1}))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, clock.ChangeID{Time: 1002, ReplicaID: 2}, oldest)

	n, oldest, err = l.missing(l.state())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, oldest.IsZero())
}

func TestChangeLogPurgeKeepsNewestOfEachReplica(t *testing.T) {
	l, err := openChangeLog(t.TempDir(), "o=test", 10, testGeneration)
	require.NoError(t, err)
	defer l.close()

	old := time.Now().Add(-time.Hour).UnixMilli()
	for i := int64(0); i < 4; i++ {
		_, err := l.append(change(1, old+i, 0))
		require.NoError(t, err)
	}
	_, err = l.append(change(2, old, 0))
	require.NoError(t, err)
	recent := time.Now().UnixMilli()
	_, err = l.append(change(3, recent, 0))
	require.NoError(t, err)

	n, err := l.purge(time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, l.size())

	// the in-memory queue still holds purged entries; read from disk
	l.setCapacity(0)
	ids := drain(t, l, state.New())
	assert.Equal(t, []clock.ChangeID{
		{Time: old, ReplicaID: 2},
		{Time: old + 3, ReplicaID: 1},
		{Time: recent, ReplicaID: 3},
	}, ids)
}

func TestChangeLogReopen(t *testing.T) {
	dir := t.TempDir()
	l, err := openChangeLog(dir, "o=test", 10, testGeneration)
	require.NoError(t, err)
	for i := int64(1); i <= 5; i++ {
		_, err := l.append(change(clock.ReplicaID(i%2+1), 100+i, 0))
		require.NoError(t, err)
	}
	want := l.state()
	require.NoError(t, l.close())

	l, err = openChangeLog(dir, "o=test", 10, testGeneration)
	require.NoError(t, err)
	defer l.close()
	assert.True(t, want.Equal(l.state()), "%s != %s", want, l.state())
	assert.Equal(t, 5, l.size())
	assert.Len(t, drain(t, l, state.New()), 5)

	added, err := l.append(change(1, 101, 0))
	require.NoError(t, err)
	assert.False(t, added)
}

func TestChangeLogNewGenerationDropsChanges(t *testing.T) {
	dir := t.TempDir()
	l, err := openChangeLog(dir, "o=test", 10, testGeneration)
	require.NoError(t, err)
	_, err = l.append(change(1, 100, 0))
	require.NoError(t, err)
	require.NoError(t, l.close())

	l, err = openChangeLog(dir, "o=test", 10, testGeneration)
	require.NoError(t, err)
	assert.Equal(t, 1, l.size())
	assert.Empty(t, l.discarded)
	require.NoError(t, l.close())

	l, err = openChangeLog(dir, "o=test", 10, "generation-2")
	require.NoError(t, err)
	defer l.close()
	assert.Equal(t, testGeneration, l.discarded)
	assert.Equal(t, 0, l.size())
	assert.Equal(t, 0, l.state().Len())
	assert.Empty(t, drain(t, l, state.New()))

	// the log is usable under its new generation
	added, err := l.append(change(1, 50, 0))
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, []clock.ChangeID{{Time: 50, ReplicaID: 1}}, drain(t, l, state.New()))
}

func TestChangeLogPathIsPerDomain(t *testing.T) {
	assert.NotEqual(t, changeLogPath("d", "o=a"), changeLogPath("d", "o=b"))
	assert.Equal(t, "d", filepath.Dir(changeLogPath("d", "ou=x/y,o=a")))
}
