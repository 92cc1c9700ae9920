package state

import (
	"encoding/json"
	"sort"
	"strings"

	"replhub/clock"
)

// Vector records, per replica, the newest change seen from that replica.
// A Vector is not safe for concurrent use; the owner serializes access.
type Vector struct {
	newest map[clock.ReplicaID]clock.ChangeID
}

func New(ids ...clock.ChangeID) *Vector {
	v := &Vector{newest: make(map[clock.ReplicaID]clock.ChangeID)}
	for _, id := range ids {
		v.Update(id)
	}
	return v
}

// Update merges id into the vector. It returns false when the vector
// already holds an id at least as new for the same replica.
func (v *Vector) Update(id clock.ChangeID) bool {
	if v.newest == nil {
		v.newest = make(map[clock.ReplicaID]clock.ChangeID)
	}
	cur, ok := v.newest[id.ReplicaID]
	if ok && !cur.Less(id) {
		return false
	}
	v.newest[id.ReplicaID] = id
	return true
}

// Merge updates v with every entry of other
func (v *Vector) Merge(other *Vector) {
	if other == nil {
		return
	}
	for _, id := range other.newest {
		v.Update(id)
	}
}

func (v *Vector) Get(r clock.ReplicaID) (clock.ChangeID, bool) {
	if v == nil {
		return clock.ChangeID{}, false
	}
	id, ok := v.newest[r]
	return id, ok
}

// Covers reports whether id is not newer than what v holds for its replica
func (v *Vector) Covers(id clock.ChangeID) bool {
	cur, ok := v.Get(id.ReplicaID)
	return ok && !cur.Less(id)
}

// ChangesMissing returns the replicas for which other is behind v, sorted
func (v *Vector) ChangesMissing(other *Vector) []clock.ReplicaID {
	var behind []clock.ReplicaID
	if v == nil {
		return behind
	}
	for r, id := range v.newest {
		if !other.Covers(id) {
			behind = append(behind, r)
		}
	}
	sort.Slice(behind, func(i, j int) bool { return behind[i] < behind[j] })
	return behind
}

func (v *Vector) Replicas() []clock.ReplicaID {
	var rs []clock.ReplicaID
	if v == nil {
		return rs
	}
	for r := range v.newest {
		rs = append(rs, r)
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i] < rs[j] })
	return rs
}

// Newest returns the held ids ordered by replica
func (v *Vector) Newest() []clock.ChangeID {
	rs := v.Replicas()
	ids := make([]clock.ChangeID, 0, len(rs))
	for _, r := range rs {
		ids = append(ids, v.newest[r])
	}
	return ids
}

func (v *Vector) Len() int {
	if v == nil {
		return 0
	}
	return len(v.newest)
}

func (v *Vector) Clone() *Vector {
	c := New()
	if v == nil {
		return c
	}
	for r, id := range v.newest {
		c.newest[r] = id
	}
	return c
}

func (v *Vector) Equal(o *Vector) bool {
	if v.Len() != o.Len() {
		return false
	}
	for r, id := range v.newest {
		if oid, ok := o.Get(r); !ok || oid != id {
			return false
		}
	}
	return true
}

func (v *Vector) String() string {
	ids := v.Newest()
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, id.String())
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// MarshalJSON writes the vector as a list of change ids
func (v *Vector) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Newest())
}

func (v *Vector) UnmarshalJSON(b []byte) error {
	var ids []clock.ChangeID
	if err := json.Unmarshal(b, &ids); err != nil {
		return err
	}
	v.newest = make(map[clock.ReplicaID]clock.ChangeID, len(ids))
	for _, id := range ids {
		v.Update(id)
	}
	return nil
}
