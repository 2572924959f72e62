package storage

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

var (
	instancesBucket = []byte("instances")
	poolsBucket     = []byte("pools")
)

// BoltStore implements Store using BoltDB. bbolt serializes write
// transactions, so per-record updates are atomic without extra locking.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the metadata database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{instancesBucket, poolsBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Instance operations

// InsertInstance stores a new instance record. A duplicate db_id fails
// with ErrDuplicate inside the write transaction, which makes the insert
// the arbiter for racing creates at the same id.
func (s *BoltStore) InsertInstance(inst *Instance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(instancesBucket)
		if b.Get([]byte(inst.DbID)) != nil {
			return fmt.Errorf("instance %s %w", inst.DbID, ErrDuplicate)
		}
		data, err := msgpack.Marshal(inst)
		if err != nil {
			return err
		}
		return b.Put([]byte(inst.DbID), data)
	})
}

// GetInstance retrieves an instance by id; (nil, nil) when absent.
func (s *BoltStore) GetInstance(id string) (*Instance, error) {
	var inst *Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(instancesBucket)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		var decoded Instance
		if err := msgpack.Unmarshal(data, &decoded); err != nil {
			return err
		}
		inst = &decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// updateInstance applies fn to the stored record inside one write
// transaction.
func (s *BoltStore) updateInstance(id string, fn func(*Instance)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(instancesBucket)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("instance %s %w", id, ErrNotFound)
		}
		var inst Instance
		if err := msgpack.Unmarshal(data, &inst); err != nil {
			return err
		}
		fn(&inst)
		updated, err := msgpack.Marshal(&inst)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

// UpdateStatus sets the instance status.
func (s *BoltStore) UpdateStatus(id string, status Status) error {
	return s.updateInstance(id, func(inst *Instance) {
		inst.Status = status
	})
}

// TouchActivity bumps last_activity to now.
func (s *BoltStore) TouchActivity(id string) error {
	return s.updateInstance(id, func(inst *Instance) {
		inst.LastActivity = time.Now().UTC()
	})
}

// MarkArchived transitions an instance to archived: records the backup
// location, clears the pool pointer and stamps archived_at.
func (s *BoltStore) MarkArchived(id, backupKey string, size int64) error {
	return s.updateInstance(id, func(inst *Instance) {
		now := time.Now().UTC()
		inst.Status = StatusArchived
		inst.BackupKey = backupKey
		inst.BackupSizeBytes = size
		inst.ContainerID = ""
		inst.HostPort = 0
		inst.ArchivedAt = &now
	})
}

// MarkRestoring transitions archived to restoring. Any other current
// status fails with ErrConflict; the single write transaction makes this
// the arbiter for concurrent restore attempts at the same id.
func (s *BoltStore) MarkRestoring(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(instancesBucket)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("instance %s %w", id, ErrNotFound)
		}
		var inst Instance
		if err := msgpack.Unmarshal(data, &inst); err != nil {
			return err
		}
		if inst.Status != StatusArchived {
			return fmt.Errorf("instance %s is %s: %w", id, inst.Status, ErrConflict)
		}
		inst.Status = StatusRestoring
		updated, err := msgpack.Marshal(&inst)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

// MarkActive transitions an instance back to active inside the given pool
// container, clearing archived_at and bumping last_activity.
func (s *BoltStore) MarkActive(id, containerID string, hostPort uint16) error {
	return s.updateInstance(id, func(inst *Instance) {
		inst.Status = StatusActive
		inst.ContainerID = containerID
		inst.HostPort = hostPort
		inst.ArchivedAt = nil
		inst.LastActivity = time.Now().UTC()
	})
}

// DeleteInstance removes an instance record.
func (s *BoltStore) DeleteInstance(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(instancesBucket)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("instance %s %w", id, ErrNotFound)
		}
		return b.Delete([]byte(id))
	})
}

// ListInstances returns every stored instance.
func (s *BoltStore) ListInstances() []*Instance {
	var instances []*Instance
	s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(instancesBucket)
		return b.ForEach(func(k, v []byte) error {
			var inst Instance
			if err := msgpack.Unmarshal(v, &inst); err != nil {
				return err
			}
			instances = append(instances, &inst)
			return nil
		})
	})
	return instances
}

// ListActiveInstances returns instances with status active.
func (s *BoltStore) ListActiveInstances() []*Instance {
	var instances []*Instance
	s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(instancesBucket)
		return b.ForEach(func(k, v []byte) error {
			var inst Instance
			if err := msgpack.Unmarshal(v, &inst); err != nil {
				return err
			}
			if inst.Status == StatusActive {
				instances = append(instances, &inst)
			}
			return nil
		})
	})
	return instances
}

// GetExpiredInstances returns active instances whose last_activity is
// older than the timeout. The sweeper archives these.
func (s *BoltStore) GetExpiredInstances(timeout time.Duration) []*Instance {
	cutoff := time.Now().UTC().Add(-timeout)
	var expired []*Instance
	s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(instancesBucket)
		return b.ForEach(func(k, v []byte) error {
			var inst Instance
			if err := msgpack.Unmarshal(v, &inst); err != nil {
				return err
			}
			if inst.Status == StatusActive && inst.LastActivity.Before(cutoff) {
				expired = append(expired, &inst)
			}
			return nil
		})
	})
	return expired
}

// Pool operations

// UpsertPool stores or replaces the pool record for a dialect.
func (s *BoltStore) UpsertPool(p *Pool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(poolsBucket)
		data, err := msgpack.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(p.Dialect), data)
	})
}

// GetPool retrieves the pool record for a dialect; (nil, nil) when absent.
func (s *BoltStore) GetPool(dialect string) (*Pool, error) {
	var pool *Pool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(poolsBucket)
		data := b.Get([]byte(dialect))
		if data == nil {
			return nil
		}
		var decoded Pool
		if err := msgpack.Unmarshal(data, &decoded); err != nil {
			return err
		}
		pool = &decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// DeletePool removes the pool record for a dialect. Missing records are
// not an error; reconciliation calls this unconditionally.
func (s *BoltStore) DeletePool(dialect string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(poolsBucket)
		return b.Delete([]byte(dialect))
	})
}

// ListPools returns every stored pool record.
func (s *BoltStore) ListPools() []*Pool {
	var pools []*Pool
	s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(poolsBucket)
		return b.ForEach(func(k, v []byte) error {
			var p Pool
			if err := msgpack.Unmarshal(v, &p); err != nil {
				return err
			}
			pools = append(pools, &p)
			return nil
		})
	})
	return pools
}
