// Package dbtest holds the conformance suite every bridgedb.KeyValueStore
// implementation is expected to pass.
package dbtest

import (
	"bytes"
	"errors"
	"reflect"
	"sort"
	"testing"

	"github.com/tos-network/gbridge/bridgedb"
)

// TestDatabaseSuite runs a suite of tests against a KeyValueStore database
// implementation.
func TestDatabaseSuite(t *testing.T, New func() bridgedb.KeyValueStore) {
	t.Run("Iterator", func(t *testing.T) {
		tests := []struct {
			content map[string]string
			prefix  string
			start   string
			order   []string
		}{
			// Empty databases should be iterable
			{map[string]string{}, "", "", nil},
			{map[string]string{}, "non-existent-prefix", "", nil},

			// Single-item databases should be iterable
			{map[string]string{"key": "val"}, "", "", []string{"key"}},
			{map[string]string{"key": "val"}, "k", "", []string{"key"}},
			{map[string]string{"key": "val"}, "l", "", nil},

			// Multi-item databases should be fully iterable
			{
				map[string]string{"k1": "v1", "k5": "v5", "k2": "v2", "k4": "v4", "k3": "v3"},
				"", "",
				[]string{"k1", "k2", "k3", "k4", "k5"},
			},
			// Prefix and start should narrow the iteration window
			{
				map[string]string{"ka1": "va1", "kb2": "vb2", "ka3": "va3", "kb1": "vb1"},
				"ka", "",
				[]string{"ka1", "ka3"},
			},
			{
				map[string]string{"ka1": "va1", "kb2": "vb2", "ka3": "va3", "kb1": "vb1"},
				"kb", "2",
				[]string{"kb2"},
			},
		}
		for i, tt := range tests {
			db := New()
			for key, val := range tt.content {
				if err := db.Put([]byte(key), []byte(val)); err != nil {
					t.Fatalf("test %d: failed to insert item %s:%s into database: %v", i, key, val, err)
				}
			}
			it := db.NewIterator([]byte(tt.prefix), []byte(tt.start))
			var got []string
			for it.Next() {
				if want := tt.content[string(it.Key())]; !bytes.Equal(it.Value(), []byte(want)) {
					t.Errorf("test %d: value mismatch for %s: have %s want %s", i, it.Key(), it.Value(), want)
				}
				got = append(got, string(it.Key()))
			}
			if err := it.Error(); err != nil {
				t.Errorf("test %d: iteration failed: %v", i, err)
			}
			it.Release()
			if !reflect.DeepEqual(got, tt.order) {
				t.Errorf("test %d: iteration order mismatch: have %v want %v", i, got, tt.order)
			}
			db.Close()
		}
	})

	t.Run("KeyValueOperations", func(t *testing.T) {
		db := New()
		defer db.Close()

		key := []byte("foo")
		if got, err := db.Has(key); err != nil || got {
			t.Fatalf("unexpected has result: have %v err=%v", got, err)
		}
		if _, err := db.Get(key); !errors.Is(err, bridgedb.ErrNotFound) {
			t.Fatalf("unexpected get error: have %v want %v", err, bridgedb.ErrNotFound)
		}
		value := []byte("hello world")
		if err := db.Put(key, value); err != nil {
			t.Fatalf("put failed: %v", err)
		}
		if got, err := db.Has(key); err != nil || !got {
			t.Fatalf("key missing after put: have %v err=%v", got, err)
		}
		got, err := db.Get(key)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if !bytes.Equal(got, value) {
			t.Fatalf("value mismatch: have %q want %q", got, value)
		}
		if err := db.Delete(key); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		if got, err := db.Has(key); err != nil || got {
			t.Fatalf("key present after delete: have %v err=%v", got, err)
		}
	})

	t.Run("Batch", func(t *testing.T) {
		db := New()
		defer db.Close()

		b := db.NewBatch()
		for _, k := range []string{"1", "2", "3", "4"} {
			if err := b.Put([]byte(k), nil); err != nil {
				t.Fatal(err)
			}
		}
		if has, err := db.Has([]byte("1")); err != nil || has {
			t.Fatalf("batch leaked before write: has=%v err=%v", has, err)
		}
		if err := b.Write(); err != nil {
			t.Fatal(err)
		}
		b.Reset()
		if b.ValueSize() != 0 {
			t.Fatalf("batch size not reset: have %d want 0", b.ValueSize())
		}
		if err := b.Delete([]byte("2")); err != nil {
			t.Fatal(err)
		}
		if err := b.Write(); err != nil {
			t.Fatal(err)
		}
		var keys []string
		it := db.NewIterator(nil, nil)
		for it.Next() {
			keys = append(keys, string(it.Key()))
		}
		it.Release()
		sort.Strings(keys)
		if want := []string{"1", "3", "4"}; !reflect.DeepEqual(keys, want) {
			t.Fatalf("unexpected keys after batch: have %v want %v", keys, want)
		}
	})
}
