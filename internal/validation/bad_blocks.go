package validation

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/tendermint/basenode/types"
)

// DefaultBadBlockCacheSize bounds the number of remembered bad hashes.
const DefaultBadBlockCacheSize = 10_000

// BadBlockSet remembers hashes of blocks that failed validation so they
// are rejected without redoing the work. The oldest entries are forgotten
// once the set is full.
type BadBlockSet struct {
	cache *lru.Cache
}

func NewBadBlockSet(size int) (*BadBlockSet, error) {
	if size <= 0 {
		size = DefaultBadBlockCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &BadBlockSet{cache: cache}, nil
}

func (s *BadBlockSet) Add(hash types.Hash) { s.cache.Add(hash, struct{}{}) }

func (s *BadBlockSet) Contains(hash types.Hash) bool { return s.cache.Contains(hash) }

func (s *BadBlockSet) Len() int { return s.cache.Len() }
