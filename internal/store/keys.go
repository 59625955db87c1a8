package store

import (
	"fmt"

	"github.com/google/orderedcode"

	"github.com/tendermint/basenode/types"
)

// key prefixes
const (
	prefixHeader   = int64(0)
	prefixBody     = int64(1)
	prefixHash     = int64(2)
	prefixOutput   = int64(3)
	prefixKernel   = int64(4)
	prefixMetadata = int64(5)
)

func mustKey(items ...interface{}) []byte {
	key, err := orderedcode.Append(nil, items...)
	if err != nil {
		panic(err)
	}
	return key
}

func headerKey(height uint64) []byte { return mustKey(prefixHeader, int64(height)) }

func bodyKey(height uint64) []byte { return mustKey(prefixBody, int64(height)) }

func hashKey(hash types.Hash) []byte { return mustKey(prefixHash, string(hash[:])) }

func outputKey(hash types.Hash) []byte { return mustKey(prefixOutput, string(hash[:])) }

func kernelKey(hash types.Hash) []byte { return mustKey(prefixKernel, string(hash[:])) }

func metadataKey() []byte { return mustKey(prefixMetadata) }

// prefixRange returns the [start, end) range covering every key under prefix.
func prefixRange(prefix int64) (start, end []byte) {
	return mustKey(prefix), mustKey(prefix + 1)
}

func decodeHeaderKey(key []byte) (uint64, error) {
	var prefix, height int64
	remaining, err := orderedcode.Parse(string(key), &prefix, &height)
	if err != nil {
		return 0, err
	}
	if len(remaining) != 0 {
		return 0, fmt.Errorf("expected complete key but got remainder: %s", remaining)
	}
	if prefix != prefixHeader {
		return 0, fmt.Errorf("incorrect prefix. Expected %v, got %v", prefixHeader, prefix)
	}
	return uint64(height), nil
}
