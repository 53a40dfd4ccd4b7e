// Package rawdb contains a collection of low level database accessors.
package rawdb

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/tos-network/gbridge/core/types"
)

// The fields below define the low level database schema prefixing.
var (
	// databaseVersionKey tracks the current database version.
	databaseVersionKey = []byte("DatabaseVersion")

	checkpointPrefix  = []byte("c") // checkpointPrefix + chainID (uint64 big endian) -> rlp(Checkpoint)
	blockHashPrefix   = []byte("h") // blockHashPrefix + chainID + height (uint64 big endian) -> block hash
	attestationPrefix = []byte("a") // attestationPrefix + key hash -> rlp(AttestationSet)
	settlementPrefix  = []byte("s") // settlementPrefix + key hash -> rlp(Settlement)
	failurePrefix     = []byte("f") // failurePrefix + key hash -> rlp(Failure)
	observerPrefix    = []byte("o") // observerPrefix + observer id -> rlp(ObserverInfo)
	gatewayPrefix     = []byte("g") // gatewayPrefix + chainID -> rlp(GatewayConfig)

	attestationWriteMeter = metrics.NewRegisteredMeter("bridge/db/attestation/write", nil)
	failureCounter        = metrics.NewRegisteredCounter("bridge/db/failure/write", nil)
)

// encodeUint64 encodes a number as big endian uint64
func encodeUint64(number uint64) []byte {
	enc := make([]byte, 8)
	binary.BigEndian.PutUint64(enc, number)
	return enc
}

// checkpointKey = checkpointPrefix + chainID
func checkpointKey(chainID uint64) []byte {
	return append(append([]byte{}, checkpointPrefix...), encodeUint64(chainID)...)
}

// blockHashChainPrefix = blockHashPrefix + chainID
func blockHashChainPrefix(chainID uint64) []byte {
	return append(append([]byte{}, blockHashPrefix...), encodeUint64(chainID)...)
}

// blockHashKey = blockHashPrefix + chainID + height
func blockHashKey(chainID, height uint64) []byte {
	return append(blockHashChainPrefix(chainID), encodeUint64(height)...)
}

// blockHashKeyLength is the length of a blockHashKey.
var blockHashKeyLength = len(blockHashPrefix) + 16

// attestationKey = attestationPrefix + key hash
func attestationKey(key types.EventKey) []byte {
	return append(append([]byte{}, attestationPrefix...), key.Hash().Bytes()...)
}

// settlementKey = settlementPrefix + key hash
func settlementKey(key types.EventKey) []byte {
	return append(append([]byte{}, settlementPrefix...), key.Hash().Bytes()...)
}

// failureKey = failurePrefix + key hash
func failureKey(key types.EventKey) []byte {
	return append(append([]byte{}, failurePrefix...), key.Hash().Bytes()...)
}

// observerKey = observerPrefix + id
func observerKey(id string) []byte {
	return append(append([]byte{}, observerPrefix...), id...)
}

// gatewayKey = gatewayPrefix + chainID
func gatewayKey(chainID uint64) []byte {
	return append(append([]byte{}, gatewayPrefix...), encodeUint64(chainID)...)
}

var keyHashLength = len(attestationPrefix) + common.HashLength
