package leveldb

import (
	"testing"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/tos-network/gbridge/bridgedb"
	"github.com/tos-network/gbridge/bridgedb/dbtest"
)

func TestLevelDB(t *testing.T) {
	t.Run("DatabaseSuite", func(t *testing.T) {
		dbtest.TestDatabaseSuite(t, func() bridgedb.KeyValueStore {
			db, err := leveldb.Open(storage.NewMemStorage(), nil)
			if err != nil {
				t.Fatal(err)
			}
			return NewFromDB(db)
		})
	})
}

func TestLevelDBReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := New(dir, 0, 0, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Put([]byte("checkpoint"), []byte{0x2a}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := db.Put([]byte("late"), nil); err == nil {
		t.Fatalf("expected write after close to fail")
	}
	reopened, err := New(dir, 0, 0, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	val, err := reopened.Get([]byte("checkpoint"))
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if len(val) != 1 || val[0] != 0x2a {
		t.Fatalf("unexpected value after reopen: %x", val)
	}
}
