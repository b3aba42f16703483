package storage

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/GaretJax/ipd/pkg/ipderrors"
)

var (
	bucketSets     = []byte("sets")
	bucketStrings  = []byte("strings")
	bucketCounters = []byte("counters")
	bucketHashes   = []byte("hashes")

	setMemberPresent = []byte{1}
)

// BoltStore is a Store backed by a single bbolt file. Sets and hashes are
// modelled as nested buckets (one sub-bucket per set/hash key); strings and
// counters live as flat key/value pairs in their own top-level buckets.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (creating if absent) the bolt file at path and ensures
// the top-level buckets exist.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, ipderrors.Wrap(ipderrors.KindStore, path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketSets, bucketStrings, bucketCounters, bucketHashes} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, ipderrors.Wrap(ipderrors.KindStore, path, err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	if err := s.db.Close(); err != nil {
		return ipderrors.Wrap(ipderrors.KindStore, "close", err)
	}
	return nil
}

func (s *BoltStore) SAdd(key, member string) (bool, error) {
	grew := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		set, err := tx.Bucket(bucketSets).CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return err
		}
		if set.Get([]byte(member)) != nil {
			return nil
		}
		grew = true
		return set.Put([]byte(member), setMemberPresent)
	})
	if err != nil {
		return false, ipderrors.Wrap(ipderrors.KindStore, key, err)
	}
	return grew, nil
}

func (s *BoltStore) SRem(key, member string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		set := tx.Bucket(bucketSets).Bucket([]byte(key))
		if set == nil {
			return nil
		}
		return set.Delete([]byte(member))
	})
	if err != nil {
		return ipderrors.Wrap(ipderrors.KindStore, key, err)
	}
	return nil
}

func (s *BoltStore) SMembers(key string) ([]string, error) {
	var members []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		set := tx.Bucket(bucketSets).Bucket([]byte(key))
		if set == nil {
			return nil
		}
		return set.ForEach(func(k, _ []byte) error {
			members = append(members, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, ipderrors.Wrap(ipderrors.KindStore, key, err)
	}
	return members, nil
}

func (s *BoltStore) Get(key string) (string, bool, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		value = tx.Bucket(bucketStrings).Get([]byte(key))
		return nil
	})
	if err != nil {
		return "", false, ipderrors.Wrap(ipderrors.KindStore, key, err)
	}
	if value == nil {
		return "", false, nil
	}
	return string(value), true, nil
}

func (s *BoltStore) Set(key, value string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStrings).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return ipderrors.Wrap(ipderrors.KindStore, key, err)
	}
	return nil
}

func (s *BoltStore) Del(key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStrings).Delete([]byte(key))
	})
	if err != nil {
		return ipderrors.Wrap(ipderrors.KindStore, key, err)
	}
	return nil
}

func (s *BoltStore) Incr(key string) (int64, error) {
	var next int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		counters := tx.Bucket(bucketCounters)
		cur := int64(0)
		if raw := counters.Get([]byte(key)); raw != nil {
			cur = int64(binary.BigEndian.Uint64(raw))
		}
		next = cur + 1
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(next))
		return counters.Put([]byte(key), buf)
	})
	if err != nil {
		return 0, ipderrors.Wrap(ipderrors.KindStore, key, err)
	}
	return next, nil
}

func (s *BoltStore) HMSet(key string, fields map[string]string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		hash, err := tx.Bucket(bucketHashes).CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return err
		}
		for field, value := range fields {
			if err := hash.Put([]byte(field), []byte(value)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ipderrors.Wrap(ipderrors.KindStore, key, err)
	}
	return nil
}

func (s *BoltStore) HGet(key, field string) (string, bool, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		hash := tx.Bucket(bucketHashes).Bucket([]byte(key))
		if hash == nil {
			return nil
		}
		value = hash.Get([]byte(field))
		return nil
	})
	if err != nil {
		return "", false, ipderrors.Wrap(ipderrors.KindStore, key, err)
	}
	if value == nil {
		return "", false, nil
	}
	return string(value), true, nil
}

func (s *BoltStore) HGetAll(key string) (map[string]string, error) {
	fields := make(map[string]string)
	err := s.db.View(func(tx *bbolt.Tx) error {
		hash := tx.Bucket(bucketHashes).Bucket([]byte(key))
		if hash == nil {
			return nil
		}
		return hash.ForEach(func(k, v []byte) error {
			fields[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, ipderrors.Wrap(ipderrors.KindStore, key, err)
	}
	return fields, nil
}

func (s *BoltStore) UnregisterProject(key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if set := tx.Bucket(bucketSets).Bucket([]byte(ProjectsSet)); set != nil {
			if err := set.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketStrings).Delete([]byte(ProjectKey(key)))
	})
	if err != nil {
		return ipderrors.Wrap(ipderrors.KindStore, fmt.Sprintf("%s/%s", ProjectsSet, key), err)
	}
	return nil
}
