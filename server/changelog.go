package server

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"replhub/clock"
	"replhub/communication"
	"replhub/state"
)

// changeLog is the durable, ordered record of every update of one domain.
// Each source replica gets its own bucket keyed by ChangeID.Key, so a bucket
// iterates in change order. The newest updates are also kept in memory;
// readers that are further behind than that go to disk.
type changeLog struct {
	db         *bolt.DB
	path       string
	generation string
	discarded  string // generation of the changes dropped at open, if any

	mu       sync.RWMutex
	newest   *state.Vector // newest logged change per replica
	evicted  *state.Vector // newest change per replica no longer in queue
	queue    []communication.Update
	capacity int
	count    int
}

func changeLogPath(dir, domain string) string {
	return filepath.Join(dir, base64.RawURLEncoding.EncodeToString([]byte(domain))+".db")
}

var (
	metaBucket    = []byte("meta")
	generationKey = []byte("generation")
)

// openChangeLog opens the change log of domain in dir. A log written under
// another generation holds another data set: its changes are dropped.
func openChangeLog(dir, domain string, capacity int, generation string) (*changeLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, communication.WrapError(communication.DurabilityError, err, "create change log directory %q", dir)
	}
	path := changeLogPath(dir, domain)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, communication.WrapError(communication.DurabilityError, err, "open change log %q", path)
	}

	l := &changeLog{
		db:         db,
		path:       path,
		generation: generation,
		newest:     state.New(),
		capacity:   capacity,
	}
	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if stored := meta.Get(generationKey); stored != nil && string(stored) != generation {
			l.discarded = string(stored)
			var names [][]byte
			err := forEachReplica(tx, func(name []byte, _ *bolt.Bucket) error {
				names = append(names, append([]byte(nil), name...))
				return nil
			})
			if err != nil {
				return err
			}
			for _, name := range names {
				if err := tx.DeleteBucket(name); err != nil {
					return err
				}
			}
		}
		return meta.Put(generationKey, []byte(generation))
	})
	if err != nil {
		_ = db.Close()
		return nil, communication.WrapError(communication.DurabilityError, err, "set generation of change log %q", path)
	}
	err = db.View(func(tx *bolt.Tx) error {
		return forEachReplica(tx, func(_ []byte, b *bolt.Bucket) error {
			k, _ := b.Cursor().Last()
			if k == nil {
				return nil
			}
			id, err := clock.FromKey(k)
			if err != nil {
				return err
			}
			l.newest.Update(id)
			l.count += b.Stats().KeyN
			return nil
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, communication.WrapError(communication.DurabilityError, err, "load change log %q", path)
	}
	// nothing on disk is in memory yet
	l.evicted = l.newest.Clone()
	return l, nil
}

func bucketName(r clock.ReplicaID) []byte {
	return []byte(strconv.Itoa(int(r)))
}

// forEachReplica calls fn on the bucket of every source replica
func forEachReplica(tx *bolt.Tx, fn func(name []byte, b *bolt.Bucket) error) error {
	return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
		if bytes.Equal(name, metaBucket) {
			return nil
		}
		return fn(name, b)
	})
}

// append durably logs u. It returns false, and logs nothing, when a change at
// least as new from the same replica is already logged.
func (l *changeLog) append(u communication.Update) (bool, error) {
	id := u.ChangeID()
	value, err := communication.Encode(u)
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.newest.Covers(id) {
		return false, nil
	}
	err = l.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(id.ReplicaID))
		if err != nil {
			return err
		}
		return b.Put(id.Key(), value)
	})
	if err != nil {
		return false, communication.WrapError(communication.DurabilityError, err, "append %s", id)
	}

	l.newest.Update(id)
	l.count++
	l.queue = append(l.queue, u)
	for len(l.queue) > l.capacity {
		l.evicted.Update(l.queue[0].ChangeID())
		l.queue[0] = nil
		l.queue = l.queue[1:]
	}
	return true, nil
}

// inMemory reports whether every change not covered by seen is still queued
func (l *changeLog) inMemory(seen *state.Vector) bool {
	for _, id := range l.evicted.Newest() {
		if !seen.Covers(id) {
			return false
		}
	}
	return true
}

// next returns the oldest logged change, in ChangeID order, not covered by seen
func (l *changeLog) next(seen *state.Vector) (communication.Update, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.inMemory(seen) {
		var best communication.Update
		for _, u := range l.queue {
			id := u.ChangeID()
			if seen.Covers(id) {
				continue
			}
			if best == nil || id.Less(best.ChangeID()) {
				best = u
			}
		}
		return best, best != nil, nil
	}

	var (
		bestID    clock.ChangeID
		bestValue []byte
	)
	err := l.db.View(func(tx *bolt.Tx) error {
		return forEachReplica(tx, func(name []byte, b *bolt.Bucket) error {
			k, v := seekAfter(b.Cursor(), seen, name)
			if k == nil {
				return nil
			}
			id, err := clock.FromKey(k)
			if err != nil {
				return err
			}
			if bestValue == nil || id.Less(bestID) {
				bestID = id
				bestValue = append([]byte(nil), v...)
			}
			return nil
		})
	})
	if err != nil {
		return nil, false, communication.WrapError(communication.DurabilityError, err, "read change log")
	}
	if bestValue == nil {
		return nil, false, nil
	}
	u, err := communication.DecodeUpdate(bestValue)
	if err != nil {
		return nil, false, communication.WrapError(communication.DurabilityError, err, "decode logged change %s", bestID)
	}
	return u, true, nil
}

// seekAfter positions c on the first key of the bucket not covered by seen
func seekAfter(c *bolt.Cursor, seen *state.Vector, bucket []byte) ([]byte, []byte) {
	r, err := strconv.Atoi(string(bucket))
	if err != nil {
		return nil, nil
	}
	last, ok := seen.Get(clock.ReplicaID(r))
	if !ok {
		return c.First()
	}
	start := last.Key()
	k, v := c.Seek(start)
	if k != nil && bytes.Equal(k, start) {
		k, v = c.Next()
	}
	return k, v
}

// missing counts the logged changes not covered by seen and returns the oldest of them
func (l *changeLog) missing(seen *state.Vector) (int, clock.ChangeID, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var (
		n      int
		oldest clock.ChangeID
	)
	err := l.db.View(func(tx *bolt.Tx) error {
		return forEachReplica(tx, func(name []byte, b *bolt.Bucket) error {
			c := b.Cursor()
			k, _ := seekAfter(c, seen, name)
			if k != nil {
				id, err := clock.FromKey(k)
				if err != nil {
					return err
				}
				if oldest.IsZero() || id.Less(oldest) {
					oldest = id
				}
			}
			for ; k != nil; k, _ = c.Next() {
				n++
			}
			return nil
		})
	})
	if err != nil {
		return 0, clock.ChangeID{}, communication.WrapError(communication.DurabilityError, err, "count missing changes")
	}
	return n, oldest, nil
}

// purge deletes changes older than before, always keeping the newest change
// of every replica so the state vector survives a restart.
func (l *changeLog) purge(before time.Time) (int, error) {
	cutoff := before.UnixMilli()

	l.mu.Lock()
	defer l.mu.Unlock()

	purged := 0
	err := l.db.Update(func(tx *bolt.Tx) error {
		return forEachReplica(tx, func(_ []byte, b *bolt.Bucket) error {
			c := b.Cursor()
			lastKey, _ := c.Last()
			var doomed [][]byte
			for k, _ := c.First(); k != nil && !bytes.Equal(k, lastKey); k, _ = c.Next() {
				id, err := clock.FromKey(k)
				if err != nil {
					return err
				}
				if id.Time >= cutoff {
					break
				}
				doomed = append(doomed, append([]byte(nil), k...))
			}
			for _, k := range doomed {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			purged += len(doomed)
			return nil
		})
	})
	if err != nil {
		return 0, communication.WrapError(communication.DurabilityError, err, "purge change log")
	}
	l.count -= purged
	return purged, nil
}

func (l *changeLog) setCapacity(capacity int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.capacity = capacity
	for len(l.queue) > l.capacity {
		l.evicted.Update(l.queue[0].ChangeID())
		l.queue = l.queue[1:]
	}
}

func (l *changeLog) state() *state.Vector {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.newest.Clone()
}

func (l *changeLog) size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

func (l *changeLog) queueCapacity() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.capacity
}

func (l *changeLog) close() error {
	return errors.Wrapf(l.db.Close(), "close change log %q", l.path)
}
