package rawdb

import (
	"github.com/ethereum/go-ethereum/log"
	"github.com/tos-network/gbridge/bridgedb"
	"github.com/tos-network/gbridge/bridgedb/leveldb"
	"github.com/tos-network/gbridge/bridgedb/memorydb"
)

// DatabaseVersion is the schema version written on first open.
const DatabaseVersion = 1

// NewMemoryDatabase creates an ephemeral in-memory key-value database.
func NewMemoryDatabase() bridgedb.KeyValueStore {
	return memorydb.New()
}

// NewLevelDBDatabase creates a persistent key-value database backed by LevelDB
// and stamps it with the current schema version.
func NewLevelDBDatabase(file string, cache int, handles int, readonly bool) (bridgedb.KeyValueStore, error) {
	db, err := leveldb.New(file, cache, handles, readonly)
	if err != nil {
		return nil, err
	}
	if v := ReadDatabaseVersion(db); v == nil {
		if !readonly {
			WriteDatabaseVersion(db, DatabaseVersion)
		}
	} else if *v != DatabaseVersion {
		log.Warn("Unexpected database version", "have", *v, "want", DatabaseVersion)
	}
	return db, nil
}
