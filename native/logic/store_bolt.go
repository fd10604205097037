package logic

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	bolt "go.etcd.io/bbolt"

	ledgererr "shardledger/core/errors"
	"shardledger/core/types"
)

var (
	bucketRecords = []byte("records")
	bucketSerials = []byte("serials")
	bucketSupply  = []byte("supply")
)

// BoltStore persists orchestrator state in a bbolt file.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (and migrates) the store at path.
func OpenBoltStore(path string, options *bolt.Options) (*BoltStore, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRecords, bucketSerials, bucketSupply} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(_ context.Context, fp types.Fingerprint) (*Record, error) {
	var rec *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRecords).Get(fp[:])
		if raw == nil {
			return ledgererr.ErrTransactionNotFound
		}
		var decoded Record
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return fmt.Errorf("decode record %s: %w", fp, err)
		}
		rec = &decoded
		return nil
	})
	return rec, err
}

func (s *BoltStore) Put(_ context.Context, rec *Record, deltas ...SupplyDelta) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		supply := tx.Bucket(bucketSupply)
		for _, d := range deltas {
			key := tokenKey(d.Token)
			current := new(uint256.Int)
			if existing := supply.Get(key); existing != nil {
				decoded, err := types.DecodeAmount(existing)
				if err != nil {
					return err
				}
				current = decoded
			}
			updated, err := applyDelta(current, d)
			if err != nil {
				return err
			}
			if err := supply.Put(key, types.EncodeAmount(updated)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketRecords).Put(rec.Fingerprint[:], raw)
	})
}

func (s *BoltStore) Delete(_ context.Context, fp types.Fingerprint) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).Delete(fp[:])
	})
}

func (s *BoltStore) NextSerial(_ context.Context, collection uint32) (uint32, error) {
	var serial uint32
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSerials)
		key := binary.BigEndian.AppendUint32(nil, collection)
		var current uint32
		if raw := bucket.Get(key); len(raw) == 4 {
			current = binary.BigEndian.Uint32(raw)
		}
		if current == types.MaxSerial {
			return ledgererr.ErrOverflow
		}
		serial = current + 1
		return bucket.Put(key, binary.BigEndian.AppendUint32(nil, serial))
	})
	return serial, err
}

func (s *BoltStore) Supply(_ context.Context, token types.TokenID) (*uint256.Int, error) {
	supply := new(uint256.Int)
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSupply).Get(tokenKey(token))
		if raw == nil {
			return nil
		}
		decoded, err := types.DecodeAmount(raw)
		if err != nil {
			return err
		}
		supply = decoded
		return nil
	})
	return supply, err
}

func (s *BoltStore) Scan(ctx context.Context, fn func(*Record) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			if !fn(&rec) {
				return nil
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error { return s.db.Close() }

func tokenKey(token types.TokenID) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(token))
}
