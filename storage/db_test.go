package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Database {
	t.Helper()
	disk, err := NewLevelDB(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	mem, err := NewMemLevelDB()
	require.NoError(t, err)
	dbs := map[string]Database{"memdb": NewMemDB(), "leveldb": disk, "memleveldb": mem}
	t.Cleanup(func() {
		for _, db := range dbs {
			_ = db.Close()
		}
	})
	return dbs
}

func TestDatabaseContract(t *testing.T) {
	for name, db := range backends(t) {
		db := db
		t.Run(name, func(t *testing.T) {
			_, err := db.Get([]byte("missing"))
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, db.Put([]byte("bal:b"), []byte("2")))
			require.NoError(t, db.Put([]byte("bal:a"), []byte("1")))
			require.NoError(t, db.Put([]byte("alw:a"), []byte("9")))

			value, err := db.Get([]byte("bal:a"))
			require.NoError(t, err)
			require.Equal(t, []byte("1"), value)

			ok, err := db.Has([]byte("bal:b"))
			require.NoError(t, err)
			require.True(t, ok)

			var keys []string
			require.NoError(t, db.Iterate([]byte("bal:"), func(k, _ []byte) bool {
				keys = append(keys, string(k))
				return true
			}))
			require.Equal(t, []string{"bal:a", "bal:b"}, keys)

			batch := NewBatch()
			batch.Put([]byte("bal:c"), []byte("3"))
			batch.Delete([]byte("bal:a"))
			require.Equal(t, 2, batch.Len())
			require.NoError(t, db.Write(batch))

			ok, err = db.Has([]byte("bal:a"))
			require.NoError(t, err)
			require.False(t, ok)
			value, err = db.Get([]byte("bal:c"))
			require.NoError(t, err)
			require.Equal(t, []byte("3"), value)

			require.NoError(t, db.Delete([]byte("bal:c")))
			_, err = db.Get([]byte("bal:c"))
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestIterateStopsEarly(t *testing.T) {
	db := NewMemDB()
	for _, k := range []string{"p:1", "p:2", "p:3"} {
		require.NoError(t, db.Put([]byte(k), nil))
	}
	visited := 0
	require.NoError(t, db.Iterate([]byte("p:"), func(_, _ []byte) bool {
		visited++
		return visited < 2
	}))
	require.Equal(t, 2, visited)
}

func TestLevelDBReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard")
	db, err := NewLevelDB(path)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("nonce:x"), []byte{7}))
	require.NoError(t, db.Close())

	db, err = NewLevelDB(path)
	require.NoError(t, err)
	defer db.Close()
	value, err := db.Get([]byte("nonce:x"))
	require.NoError(t, err)
	require.Equal(t, []byte{7}, value)
}
