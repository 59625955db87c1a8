package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/tendermint/basenode/types"
)

var (
	// ErrNotFound is returned for heights or hashes the store does not hold.
	ErrNotFound = errors.New("not found")
	// ErrNonSequential is returned when a commit does not extend the tip.
	ErrNonSequential = errors.New("commit does not extend the local tip")
)

// Backend is what synchronization needs from the blockchain database.
type Backend interface {
	FetchLastHeader() (types.ChainHeader, error)
	FetchHeader(height uint64) (types.ChainHeader, error)
	// FetchHeaders returns the headers in [min, max], ascending. Missing
	// heights at the top of the range are omitted.
	FetchHeaders(min, max uint64) ([]types.ChainHeader, error)
	FetchChainMetadata() (types.ChainMetadata, error)
	// FetchUTXO returns the output with the given hash or nil if it was
	// never created.
	FetchUTXO(hash types.Hash) (*types.OutputRecord, error)

	// CalculateRoots returns the state roots after applying body to the tip.
	CalculateRoots(body *types.AggregateBody) (output, kernel types.Hash, err error)

	CommitValidatedBlock(block *types.ChainBlock) error
	CommitHorizonState(headers []types.ChainHeader, state types.HorizonState) error
	// RewindToHeight discards the blocks above height.
	RewindToHeight(height uint64) ([]*types.Block, error)
	Close() error
}

/*
BlockStore keeps a single linear chain on top of a key-value engine.

It holds:
  - ChainHeader per height, plus a hash to height index
  - the aggregate body per height, for heights above the pruned height
  - the output set, with spent markers
  - every kernel, keyed by hash
  - the chain metadata of the tip

Every commit is a single batch, so readers never observe a half applied
block.
*/
type BlockStore struct {
	mtx sync.RWMutex
	kv  kvStore
}

var _ Backend = (*BlockStore)(nil)

func newBlockStore(kv kvStore) *BlockStore {
	return &BlockStore{kv: kv}
}

type kernelRecord struct {
	Kernel      types.TransactionKernel `json:"kernel"`
	MinedHeight uint64                  `json:"mined_height"`
}

func (bs *BlockStore) get(key []byte, v interface{}) (bool, error) {
	bz, err := bs.kv.Get(key)
	if err != nil {
		return false, err
	}
	if bz == nil {
		return false, nil
	}
	if err := json.Unmarshal(bz, v); err != nil {
		return false, fmt.Errorf("decoding value for key %x: %w", key, err)
	}
	return true, nil
}

func set(batch kvBatch, key []byte, v interface{}) error {
	bz, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return batch.Set(key, bz)
}

// FetchChainMetadata returns the metadata of the local tip.
func (bs *BlockStore) FetchChainMetadata() (types.ChainMetadata, error) {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.fetchMetadata()
}

func (bs *BlockStore) fetchMetadata() (types.ChainMetadata, error) {
	var m types.ChainMetadata
	ok, err := bs.get(metadataKey(), &m)
	if err != nil {
		return m, err
	}
	if !ok {
		return m, fmt.Errorf("chain metadata: %w", ErrNotFound)
	}
	return m, nil
}

// IsEmpty reports whether no genesis has been committed yet.
func (bs *BlockStore) IsEmpty() (bool, error) {
	_, err := bs.FetchChainMetadata()
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	return false, err
}

func (bs *BlockStore) FetchLastHeader() (types.ChainHeader, error) {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()

	m, err := bs.fetchMetadata()
	if err != nil {
		return types.ChainHeader{}, err
	}
	return bs.fetchHeader(m.Height)
}

func (bs *BlockStore) FetchHeader(height uint64) (types.ChainHeader, error) {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.fetchHeader(height)
}

func (bs *BlockStore) fetchHeader(height uint64) (types.ChainHeader, error) {
	var h types.ChainHeader
	ok, err := bs.get(headerKey(height), &h)
	if err != nil {
		return h, err
	}
	if !ok {
		return h, fmt.Errorf("header %d: %w", height, ErrNotFound)
	}
	return h, nil
}

// FetchHeaderByHash looks a header up through the hash index.
func (bs *BlockStore) FetchHeaderByHash(hash types.Hash) (types.ChainHeader, error) {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()

	var height uint64
	ok, err := bs.get(hashKey(hash), &height)
	if err != nil {
		return types.ChainHeader{}, err
	}
	if !ok {
		return types.ChainHeader{}, fmt.Errorf("header %s: %w", hash.ShortString(), ErrNotFound)
	}
	return bs.fetchHeader(height)
}

func (bs *BlockStore) FetchHeaders(min, max uint64) ([]types.ChainHeader, error) {
	if min > max {
		return nil, fmt.Errorf("invalid header range [%d, %d]", min, max)
	}
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()

	out := make([]types.ChainHeader, 0, max-min+1)
	err := bs.kv.Iterate(headerKey(min), headerKey(max+1), func(key, value []byte) error {
		height, err := decodeHeaderKey(key)
		if err != nil {
			return err
		}
		if height != min+uint64(len(out)) {
			return fmt.Errorf("header index gap at height %d", height)
		}
		var h types.ChainHeader
		if err := json.Unmarshal(value, &h); err != nil {
			return fmt.Errorf("decoding header %d: %w", height, err)
		}
		out = append(out, h)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FetchBlock returns the full block at height. Heights below the pruned
// height have no body and report ErrNotFound.
func (bs *BlockStore) FetchBlock(height uint64) (*types.Block, error) {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()

	h, err := bs.fetchHeader(height)
	if err != nil {
		return nil, err
	}
	var body types.AggregateBody
	ok, err := bs.get(bodyKey(height), &body)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("block body %d: %w", height, ErrNotFound)
	}
	return &types.Block{Header: h.Header, Body: body}, nil
}

func (bs *BlockStore) FetchUTXO(hash types.Hash) (*types.OutputRecord, error) {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()

	var rec types.OutputRecord
	ok, err := bs.get(outputKey(hash), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// FetchHorizonState builds the pruned snapshot at height: outputs mined at
// or below it and not spent by then, and every kernel mined at or below it.
func (bs *BlockStore) FetchHorizonState(height uint64) (types.HorizonState, error) {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()

	m, err := bs.fetchMetadata()
	if err != nil {
		return types.HorizonState{}, err
	}
	if height > m.Height {
		return types.HorizonState{}, fmt.Errorf("horizon %d above tip %d: %w", height, m.Height, ErrNotFound)
	}

	state := types.HorizonState{Height: height}
	start, end := prefixRange(prefixOutput)
	err = bs.kv.Iterate(start, end, func(_, value []byte) error {
		var rec types.OutputRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		if rec.MinedHeight <= height && (!rec.Spent || rec.SpentHeight > height) {
			state.Outputs = append(state.Outputs, rec.Output)
		}
		return nil
	})
	if err != nil {
		return types.HorizonState{}, err
	}

	start, end = prefixRange(prefixKernel)
	err = bs.kv.Iterate(start, end, func(_, value []byte) error {
		var rec kernelRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		if rec.MinedHeight <= height {
			state.Kernels = append(state.Kernels, rec.Kernel)
		}
		return nil
	})
	if err != nil {
		return types.HorizonState{}, err
	}
	return state, nil
}

// checkExtendsTip verifies header continues the stored chain. An empty
// store only accepts genesis.
func (bs *BlockStore) checkExtendsTip(header *types.BlockHeader) (types.ChainMetadata, error) {
	m, err := bs.fetchMetadata()
	if errors.Is(err, ErrNotFound) {
		if header.Height != 0 {
			return m, fmt.Errorf("%w: store is empty, got height %d", ErrNonSequential, header.Height)
		}
		return m, nil
	}
	if err != nil {
		return m, err
	}
	if header.Height != m.Height+1 || header.PrevHash != m.BestBlock {
		return m, fmt.Errorf("%w: tip is %d/%s, got %d with prev %s", ErrNonSequential,
			m.Height, m.BestBlock.ShortString(), header.Height, header.PrevHash.ShortString())
	}
	return m, nil
}

// CommitValidatedBlock appends a fully validated block to the chain.
func (bs *BlockStore) CommitValidatedBlock(cb *types.ChainBlock) error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	block := cb.Block
	height := block.Header.Height
	prev, err := bs.checkExtendsTip(&block.Header)
	if err != nil {
		return err
	}

	batch := bs.kv.NewBatch()
	defer batch.Close()

	ch := cb.ChainHeader()
	if err := bs.saveHeader(batch, &ch); err != nil {
		return err
	}
	if err := set(batch, bodyKey(height), block.Body); err != nil {
		return err
	}

	for _, in := range block.Body.Inputs {
		var rec types.OutputRecord
		ok, err := bs.get(outputKey(in.OutputHash), &rec)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("input %s spends unknown output: %w", in.OutputHash.ShortString(), ErrNotFound)
		}
		rec.Spent = true
		rec.SpentHeight = height
		if err := set(batch, outputKey(in.OutputHash), rec); err != nil {
			return err
		}
	}
	for _, out := range block.Body.Outputs {
		rec := types.OutputRecord{Output: out, MinedHeight: height}
		if err := set(batch, outputKey(out.Hash()), rec); err != nil {
			return err
		}
	}
	for _, k := range block.Body.Kernels {
		if err := set(batch, kernelKey(k.Hash()), kernelRecord{Kernel: k, MinedHeight: height}); err != nil {
			return err
		}
	}

	if err := set(batch, metadataKey(), ch.Metadata(prev.PrunedHeight)); err != nil {
		return err
	}
	return batch.Write()
}

// CommitHorizonState applies a pruned snapshot. The headers must link to a
// stored header and end at the snapshot height. Stored blocks above the
// linking header are discarded and the local output and kernel sets are
// replaced by the snapshot's.
func (bs *BlockStore) CommitHorizonState(headers []types.ChainHeader, state types.HorizonState) error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if len(headers) == 0 {
		return fmt.Errorf("%w: no headers up to horizon %d", ErrNonSequential, state.Height)
	}
	m, err := bs.checkLinksToStored(&headers[0].Header)
	if err != nil {
		return err
	}
	for i := 1; i < len(headers); i++ {
		if headers[i].Header.Height != headers[i-1].Header.Height+1 ||
			headers[i].Header.PrevHash != headers[i-1].Accumulated.Hash {
			return fmt.Errorf("%w: header %d does not link", ErrNonSequential, headers[i].Header.Height)
		}
	}
	last := headers[len(headers)-1]
	if last.Header.Height != state.Height {
		return fmt.Errorf("%w: headers end at %d, horizon is %d", ErrNonSequential, last.Header.Height, state.Height)
	}

	batch := bs.kv.NewBatch()
	defer batch.Close()

	if err := bs.dropHeadersAbove(batch, headers[0].Header.Height-1, m.Height, last.Header.Height); err != nil {
		return err
	}
	for i := range headers {
		if err := bs.saveHeader(batch, &headers[i]); err != nil {
			return err
		}
	}

	keep := make(map[string]bool, len(state.Outputs)+len(state.Kernels))
	for _, out := range state.Outputs {
		keep[string(outputKey(out.Hash()))] = true
	}
	for _, k := range state.Kernels {
		keep[string(kernelKey(k.Hash()))] = true
	}
	for _, prefix := range []int64{prefixOutput, prefixKernel} {
		start, end := prefixRange(prefix)
		err := bs.kv.Iterate(start, end, func(key, _ []byte) error {
			if keep[string(key)] {
				return nil
			}
			return batch.Delete(append([]byte(nil), key...))
		})
		if err != nil {
			return err
		}
	}
	for _, out := range state.Outputs {
		rec := types.OutputRecord{Output: out, MinedHeight: state.Height}
		if err := set(batch, outputKey(out.Hash()), rec); err != nil {
			return err
		}
	}
	for _, k := range state.Kernels {
		if err := set(batch, kernelKey(k.Hash()), kernelRecord{Kernel: k, MinedHeight: state.Height}); err != nil {
			return err
		}
	}

	if err := set(batch, metadataKey(), last.Metadata(state.Height)); err != nil {
		return err
	}
	return batch.Write()
}

// checkLinksToStored verifies header continues the stored header below it,
// which need not be the tip.
func (bs *BlockStore) checkLinksToStored(header *types.BlockHeader) (types.ChainMetadata, error) {
	m, err := bs.fetchMetadata()
	if err != nil {
		return m, err
	}
	if header.Height == 0 || header.Height > m.Height+1 {
		return m, fmt.Errorf("%w: tip is %d, got %d", ErrNonSequential, m.Height, header.Height)
	}
	parent, err := bs.fetchHeader(header.Height - 1)
	if err != nil {
		return m, err
	}
	if header.PrevHash != parent.Accumulated.Hash {
		return m, fmt.Errorf("%w: header %d does not link to stored %s", ErrNonSequential,
			header.Height, parent.Accumulated.Hash.ShortString())
	}
	return m, nil
}

// dropHeadersAbove removes the hash index entries and bodies of the stored
// blocks in (height, tip], and their headers above keepTo. Headers at or
// below keepTo are about to be overwritten.
func (bs *BlockStore) dropHeadersAbove(batch kvBatch, height, tip, keepTo uint64) error {
	for h := height + 1; h <= tip; h++ {
		old, err := bs.fetchHeader(h)
		if err != nil {
			return err
		}
		if err := batch.Delete(hashKey(old.Accumulated.Hash)); err != nil {
			return err
		}
		if err := batch.Delete(bodyKey(h)); err != nil {
			return err
		}
		if h > keepTo {
			if err := batch.Delete(headerKey(h)); err != nil {
				return err
			}
		}
	}
	return nil
}

// RewindToHeight discards every block above height, restoring the output
// set the chain had at height. It returns the discarded blocks, highest
// first. Rewinding below the pruned height is not possible since the
// bodies needed to undo those blocks are gone.
func (bs *BlockStore) RewindToHeight(height uint64) ([]*types.Block, error) {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	m, err := bs.fetchMetadata()
	if err != nil {
		return nil, err
	}
	if height >= m.Height {
		return nil, nil
	}
	if height < m.PrunedHeight {
		return nil, fmt.Errorf("cannot rewind to %d below pruned height %d: %w", height, m.PrunedHeight, ErrNotFound)
	}

	removed := make([]*types.Block, 0, m.Height-height)
	created := make(map[types.Hash]bool)
	for h := m.Height; h > height; h-- {
		hdr, err := bs.fetchHeader(h)
		if err != nil {
			return nil, err
		}
		var body types.AggregateBody
		ok, err := bs.get(bodyKey(h), &body)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("block body %d: %w", h, ErrNotFound)
		}
		for _, out := range body.Outputs {
			created[out.Hash()] = true
		}
		removed = append(removed, &types.Block{Header: hdr.Header, Body: body})
	}
	newTip, err := bs.fetchHeader(height)
	if err != nil {
		return nil, err
	}

	batch := bs.kv.NewBatch()
	defer batch.Close()

	if err := bs.dropHeadersAbove(batch, height, m.Height, height); err != nil {
		return nil, err
	}
	for _, block := range removed {
		for _, in := range block.Body.Inputs {
			if created[in.OutputHash] {
				continue
			}
			var rec types.OutputRecord
			ok, err := bs.get(outputKey(in.OutputHash), &rec)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("input %s spends unknown output: %w", in.OutputHash.ShortString(), ErrNotFound)
			}
			rec.Spent = false
			rec.SpentHeight = 0
			if err := set(batch, outputKey(in.OutputHash), rec); err != nil {
				return nil, err
			}
		}
		for _, out := range block.Body.Outputs {
			if err := batch.Delete(outputKey(out.Hash())); err != nil {
				return nil, err
			}
		}
		for _, k := range block.Body.Kernels {
			if err := batch.Delete(kernelKey(k.Hash())); err != nil {
				return nil, err
			}
		}
	}

	if err := set(batch, metadataKey(), newTip.Metadata(m.PrunedHeight)); err != nil {
		return nil, err
	}
	if err := batch.Write(); err != nil {
		return nil, err
	}
	return removed, nil
}

// CalculateRoots returns the output and kernel roots the chain would have
// once body is applied on top of the tip.
func (bs *BlockStore) CalculateRoots(body *types.AggregateBody) (output, kernel types.Hash, err error) {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()

	spent := make(map[types.Hash]bool, len(body.Inputs))
	for _, in := range body.Inputs {
		spent[in.OutputHash] = true
	}
	var outputs []types.Hash
	start, end := prefixRange(prefixOutput)
	err = bs.kv.Iterate(start, end, func(_, value []byte) error {
		var rec types.OutputRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		if h := rec.Output.Hash(); !rec.Spent && !spent[h] {
			outputs = append(outputs, h)
		}
		return nil
	})
	if err != nil {
		return output, kernel, err
	}
	for i := range body.Outputs {
		outputs = append(outputs, body.Outputs[i].Hash())
	}

	var kernels []types.Hash
	start, end = prefixRange(prefixKernel)
	err = bs.kv.Iterate(start, end, func(_, value []byte) error {
		var rec kernelRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		kernels = append(kernels, rec.Kernel.Hash())
		return nil
	})
	if err != nil {
		return output, kernel, err
	}
	for i := range body.Kernels {
		kernels = append(kernels, body.Kernels[i].Hash())
	}
	return types.SetRoot(outputs), types.SetRoot(kernels), nil
}

func (bs *BlockStore) saveHeader(batch kvBatch, h *types.ChainHeader) error {
	if err := set(batch, headerKey(h.Header.Height), h); err != nil {
		return err
	}
	return set(batch, hashKey(h.Accumulated.Hash), h.Header.Height)
}

// InitGenesis commits genesis to an empty store. It is a no-op when the
// store already holds a chain starting at the same genesis.
func InitGenesis(bs *BlockStore, genesis *types.ChainBlock) error {
	empty, err := bs.IsEmpty()
	if err != nil {
		return err
	}
	if !empty {
		h, err := bs.FetchHeader(0)
		if err != nil {
			return err
		}
		if h.Accumulated.Hash != genesis.Accumulated.Hash {
			return fmt.Errorf("store genesis %s does not match %s",
				h.Accumulated.Hash.ShortString(), genesis.Accumulated.Hash.ShortString())
		}
		return nil
	}
	return bs.CommitValidatedBlock(genesis)
}

func (bs *BlockStore) Close() error {
	return bs.kv.Close()
}
