package rawdb

import (
	"bytes"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/tos-network/gbridge/bridgedb"
	"github.com/tos-network/gbridge/core/types"
)

// ReadDatabaseVersion retrieves the version number of the database.
func ReadDatabaseVersion(db bridgedb.KeyValueReader) *uint64 {
	enc, _ := db.Get(databaseVersionKey)
	if len(enc) != 8 {
		return nil
	}
	version := binary.BigEndian.Uint64(enc)
	return &version
}

// WriteDatabaseVersion stores the version number of the database
func WriteDatabaseVersion(db bridgedb.KeyValueWriter, version uint64) {
	if err := db.Put(databaseVersionKey, encodeUint64(version)); err != nil {
		log.Crit("Failed to store the database version", "err", err)
	}
}

// ReadCheckpoint retrieves the watcher checkpoint of a chain.
func ReadCheckpoint(db bridgedb.KeyValueReader, chainID uint64) *types.Checkpoint {
	data, _ := db.Get(checkpointKey(chainID))
	if len(data) == 0 {
		return nil
	}
	cp := new(types.Checkpoint)
	if err := rlp.DecodeBytes(data, cp); err != nil {
		log.Error("Invalid checkpoint RLP", "chain", chainID, "err", err)
		return nil
	}
	return cp
}

// WriteCheckpoint stores the watcher checkpoint of a chain.
func WriteCheckpoint(db bridgedb.KeyValueWriter, cp *types.Checkpoint) {
	data, err := rlp.EncodeToBytes(cp)
	if err != nil {
		log.Crit("Failed to RLP encode checkpoint", "err", err)
	}
	if err := db.Put(checkpointKey(cp.ChainID), data); err != nil {
		log.Crit("Failed to store checkpoint", "err", err)
	}
}

// ReadBlockHash retrieves the block hash recorded for a height.
func ReadBlockHash(db bridgedb.KeyValueReader, chainID, height uint64) common.Hash {
	data, _ := db.Get(blockHashKey(chainID, height))
	if len(data) != common.HashLength {
		return common.Hash{}
	}
	return common.BytesToHash(data)
}

// WriteBlockHash records the block hash seen at a height.
func WriteBlockHash(db bridgedb.KeyValueWriter, chainID, height uint64, hash common.Hash) {
	if err := db.Put(blockHashKey(chainID, height), hash.Bytes()); err != nil {
		log.Crit("Failed to store block hash record", "err", err)
	}
}

// BlockHashRecord is one recorded (height, hash) pair.
type BlockHashRecord struct {
	Height uint64
	Hash   common.Hash
}

// ReadBlockHashes returns the recorded block hashes of a chain in ascending
// height order.
func ReadBlockHashes(db bridgedb.Iteratee, chainID uint64) []BlockHashRecord {
	prefix := blockHashChainPrefix(chainID)
	it := NewKeyLengthIterator(db.NewIterator(prefix, nil), blockHashKeyLength)
	defer it.Release()

	var records []BlockHashRecord
	for it.Next() {
		if len(it.Value()) != common.HashLength {
			continue
		}
		records = append(records, BlockHashRecord{
			Height: binary.BigEndian.Uint64(it.Key()[len(prefix):]),
			Hash:   common.BytesToHash(it.Value()),
		})
	}
	return records
}

// DeleteBlockHashes removes the records of a chain with height above `above`
// or below `below`. Pass below=0 to keep every lower record.
func DeleteBlockHashes(db bridgedb.KeyValueStore, chainID, above, below uint64) int {
	batch := db.NewBatch()
	deleted := 0
	for _, rec := range ReadBlockHashes(db, chainID) {
		if rec.Height > above || rec.Height < below {
			if err := batch.Delete(blockHashKey(chainID, rec.Height)); err != nil {
				log.Crit("Failed to delete block hash record", "err", err)
			}
			deleted++
		}
	}
	if err := batch.Write(); err != nil {
		log.Crit("Failed to delete block hash records", "err", err)
	}
	return deleted
}

// ReadAttestationSet retrieves the attestation set of an event key.
func ReadAttestationSet(db bridgedb.KeyValueReader, key types.EventKey) *types.AttestationSet {
	data, _ := db.Get(attestationKey(key))
	if len(data) == 0 {
		return nil
	}
	set := new(types.AttestationSet)
	if err := rlp.DecodeBytes(data, set); err != nil {
		log.Error("Invalid attestation set RLP", "key", key, "err", err)
		return nil
	}
	return set
}

// WriteAttestationSet stores an attestation set.
func WriteAttestationSet(db bridgedb.KeyValueWriter, set *types.AttestationSet) {
	data, err := rlp.EncodeToBytes(set)
	if err != nil {
		log.Crit("Failed to RLP encode attestation set", "err", err)
	}
	if err := db.Put(attestationKey(set.Key), data); err != nil {
		log.Crit("Failed to store attestation set", "err", err)
	}
	attestationWriteMeter.Mark(1)
}

// DeleteAttestationSet removes an attestation set.
func DeleteAttestationSet(db bridgedb.KeyValueWriter, key types.EventKey) {
	if err := db.Delete(attestationKey(key)); err != nil {
		log.Crit("Failed to delete attestation set", "err", err)
	}
}

// ReadAllAttestationSets loads every stored attestation set.
func ReadAllAttestationSets(db bridgedb.Iteratee) []*types.AttestationSet {
	it := NewKeyLengthIterator(db.NewIterator(attestationPrefix, nil), keyHashLength)
	defer it.Release()

	var sets []*types.AttestationSet
	for it.Next() {
		set := new(types.AttestationSet)
		if err := rlp.DecodeBytes(it.Value(), set); err != nil {
			log.Error("Skipping invalid attestation set", "key", common.Bytes2Hex(it.Key()), "err", err)
			continue
		}
		sets = append(sets, set)
	}
	return sets
}

// ReadSettlement retrieves the local settlement record of an event key.
func ReadSettlement(db bridgedb.KeyValueReader, key types.EventKey) *types.Settlement {
	data, _ := db.Get(settlementKey(key))
	if len(data) == 0 {
		return nil
	}
	s := new(types.Settlement)
	if err := rlp.DecodeBytes(data, s); err != nil {
		log.Error("Invalid settlement RLP", "key", key, "err", err)
		return nil
	}
	return s
}

// HasSettlement reports whether a settlement record exists for the key.
func HasSettlement(db bridgedb.KeyValueReader, key types.EventKey) bool {
	ok, _ := db.Has(settlementKey(key))
	return ok
}

// WriteSettlement stores a settlement record.
func WriteSettlement(db bridgedb.KeyValueWriter, s *types.Settlement) {
	data, err := rlp.EncodeToBytes(s)
	if err != nil {
		log.Crit("Failed to RLP encode settlement", "err", err)
	}
	if err := db.Put(settlementKey(s.Key), data); err != nil {
		log.Crit("Failed to store settlement", "err", err)
	}
}

// ReadAllSettlements loads every settlement record.
func ReadAllSettlements(db bridgedb.Iteratee) []*types.Settlement {
	it := NewKeyLengthIterator(db.NewIterator(settlementPrefix, nil), keyHashLength)
	defer it.Release()

	var out []*types.Settlement
	for it.Next() {
		s := new(types.Settlement)
		if err := rlp.DecodeBytes(it.Value(), s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out
}

// ReadFailure retrieves the terminal failure record of an event key.
func ReadFailure(db bridgedb.KeyValueReader, key types.EventKey) *types.Failure {
	data, _ := db.Get(failureKey(key))
	if len(data) == 0 {
		return nil
	}
	f := new(types.Failure)
	if err := rlp.DecodeBytes(data, f); err != nil {
		log.Error("Invalid failure RLP", "key", key, "err", err)
		return nil
	}
	return f
}

// WriteFailure stores a terminal failure record.
func WriteFailure(db bridgedb.KeyValueWriter, f *types.Failure) {
	data, err := rlp.EncodeToBytes(f)
	if err != nil {
		log.Crit("Failed to RLP encode failure", "err", err)
	}
	if err := db.Put(failureKey(f.Key), data); err != nil {
		log.Crit("Failed to store failure", "err", err)
	}
	failureCounter.Inc(1)
}

// DeleteFailure removes a failure record once it has been reconciled.
func DeleteFailure(db bridgedb.KeyValueWriter, key types.EventKey) {
	if err := db.Delete(failureKey(key)); err != nil {
		log.Crit("Failed to delete failure", "err", err)
	}
}

// ReadAllFailures loads every failure record.
func ReadAllFailures(db bridgedb.Iteratee) []*types.Failure {
	it := NewKeyLengthIterator(db.NewIterator(failurePrefix, nil), keyHashLength)
	defer it.Release()

	var out []*types.Failure
	for it.Next() {
		f := new(types.Failure)
		if err := rlp.DecodeBytes(it.Value(), f); err != nil {
			continue
		}
		out = append(out, f)
	}
	return out
}

// ReadObservers loads the persisted observer registry in id order.
func ReadObservers(db bridgedb.Iteratee) []*types.ObserverInfo {
	it := db.NewIterator(observerPrefix, nil)
	defer it.Release()

	var out []*types.ObserverInfo
	for it.Next() {
		o := new(types.ObserverInfo)
		if err := rlp.DecodeBytes(it.Value(), o); err != nil {
			log.Error("Skipping invalid observer record", "key", string(it.Key()), "err", err)
			continue
		}
		out = append(out, o)
	}
	return out
}

// WriteObserver stores an observer record.
func WriteObserver(db bridgedb.KeyValueWriter, o *types.ObserverInfo) {
	data, err := rlp.EncodeToBytes(o)
	if err != nil {
		log.Crit("Failed to RLP encode observer", "err", err)
	}
	if err := db.Put(observerKey(o.ID), data); err != nil {
		log.Crit("Failed to store observer", "err", err)
	}
}

// DeleteObserver removes an observer record.
func DeleteObserver(db bridgedb.KeyValueWriter, id string) {
	if err := db.Delete(observerKey(id)); err != nil {
		log.Crit("Failed to delete observer", "err", err)
	}
}

// ReadGateways loads every registered gateway config.
func ReadGateways(db bridgedb.Iteratee) []*types.GatewayConfig {
	it := db.NewIterator(gatewayPrefix, nil)
	defer it.Release()

	var out []*types.GatewayConfig
	for it.Next() {
		if !bytes.HasPrefix(it.Key(), gatewayPrefix) || len(it.Key()) != len(gatewayPrefix)+8 {
			continue
		}
		g := new(types.GatewayConfig)
		if err := rlp.DecodeBytes(it.Value(), g); err != nil {
			continue
		}
		out = append(out, g)
	}
	return out
}

// WriteGateway stores a gateway config.
func WriteGateway(db bridgedb.KeyValueWriter, g *types.GatewayConfig) {
	data, err := rlp.EncodeToBytes(g)
	if err != nil {
		log.Crit("Failed to RLP encode gateway", "err", err)
	}
	if err := db.Put(gatewayKey(g.ChainID), data); err != nil {
		log.Crit("Failed to store gateway", "err", err)
	}
}
