package state

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replhub/clock"
)

func id(t int64, seq uint32, r clock.ReplicaID) clock.ChangeID {
	return clock.ChangeID{Time: t, Seq: seq, ReplicaID: r}
}

func TestUpdateIsMonotonic(t *testing.T) {
	v := New()
	assert.True(t, v.Update(id(10, 0, 1)))
	assert.False(t, v.Update(id(9, 5, 1)))
	assert.False(t, v.Update(id(10, 0, 1)))
	assert.True(t, v.Update(id(10, 1, 1)))

	got, ok := v.Get(1)
	require.True(t, ok)
	assert.Equal(t, id(10, 1, 1), got)

	_, ok = v.Get(2)
	assert.False(t, ok)
}

func TestCovers(t *testing.T) {
	v := New(id(10, 0, 1))
	assert.True(t, v.Covers(id(10, 0, 1)))
	assert.True(t, v.Covers(id(3, 0, 1)))
	assert.False(t, v.Covers(id(11, 0, 1)))
	assert.False(t, v.Covers(id(1, 0, 2)))

	var nilVector *Vector
	assert.False(t, nilVector.Covers(id(1, 0, 1)))
}

func TestChangesMissing(t *testing.T) {
	hub := New(id(10, 0, 1), id(20, 0, 2), id(30, 0, 3))
	peer := New(id(10, 0, 1), id(15, 0, 2), id(99, 0, 4))

	assert.Equal(t, []clock.ReplicaID{2, 3}, hub.ChangesMissing(peer))
	assert.Equal(t, []clock.ReplicaID{4}, peer.ChangesMissing(hub))
	assert.Empty(t, hub.ChangesMissing(hub.Clone()))
	assert.Equal(t, []clock.ReplicaID{1, 2, 3}, hub.ChangesMissing(nil))
}

func TestCloneIsIndependent(t *testing.T) {
	v := New(id(1, 0, 1))
	c := v.Clone()
	c.Update(id(2, 0, 1))
	got, _ := v.Get(1)
	assert.Equal(t, id(1, 0, 1), got)
	assert.False(t, v.Equal(c))
}

func TestJSON(t *testing.T) {
	v := New(id(1, 2, 3), id(4, 5, 6))
	b, err := json.Marshal(v)
	require.NoError(t, err)

	var back Vector
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, v.Equal(&back))
	assert.Equal(t, v.String(), back.String())
}
