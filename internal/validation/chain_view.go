package validation

import (
	"fmt"

	"github.com/tendermint/basenode/types"
)

// ChainView is the read access header validation needs.
type ChainView interface {
	FetchHeader(height uint64) (types.ChainHeader, error)
	FetchHeaders(min, max uint64) ([]types.ChainHeader, error)
}

// UTXOView is the read access body validation needs.
type UTXOView interface {
	FetchUTXO(hash types.Hash) (*types.OutputRecord, error)
	CalculateRoots(body *types.AggregateBody) (output, kernel types.Hash, err error)
}

// Overlay presents headers validated but not yet committed on top of a
// base view. Pending headers must directly follow the base tip, or the
// root height when one is set.
type Overlay struct {
	base    ChainView
	root    uint64
	rooted  bool
	pending []types.ChainHeader
}

func NewOverlay(base ChainView) *Overlay {
	return &Overlay{base: base}
}

// NewOverlayAt hides every base header above root, so that a competing
// chain forking at root can be validated against the shared history only.
func NewOverlayAt(base ChainView, root uint64) *Overlay {
	return &Overlay{base: base, root: root, rooted: true}
}

// Push appends a validated header. It must extend the current overlay tip.
func (o *Overlay) Push(h types.ChainHeader) error {
	if n := len(o.pending); n > 0 && o.pending[n-1].Header.Height+1 != h.Header.Height {
		return fmt.Errorf("pending header %d does not follow %d", h.Header.Height, o.pending[n-1].Header.Height)
	}
	if len(o.pending) == 0 && o.rooted && h.Header.Height != o.root+1 {
		return fmt.Errorf("pending header %d does not follow root %d", h.Header.Height, o.root)
	}
	o.pending = append(o.pending, h)
	return nil
}

// Pending returns the headers pushed so far, oldest first.
func (o *Overlay) Pending() []types.ChainHeader { return o.pending }

// Tip returns the last pending header, if any.
func (o *Overlay) Tip() (types.ChainHeader, bool) {
	if len(o.pending) == 0 {
		return types.ChainHeader{}, false
	}
	return o.pending[len(o.pending)-1], true
}

// firstPending returns the lowest height not served by the base view.
func (o *Overlay) firstPending() (uint64, bool) {
	if o.rooted {
		return o.root + 1, true
	}
	if len(o.pending) == 0 {
		return 0, false
	}
	return o.pending[0].Header.Height, true
}

func (o *Overlay) FetchHeader(height uint64) (types.ChainHeader, error) {
	if first, ok := o.firstPending(); ok && height >= first {
		idx := height - first
		if idx >= uint64(len(o.pending)) {
			return types.ChainHeader{}, fmt.Errorf("header %d not in pending chain", height)
		}
		return o.pending[idx], nil
	}
	return o.base.FetchHeader(height)
}

func (o *Overlay) FetchHeaders(min, max uint64) ([]types.ChainHeader, error) {
	first, ok := o.firstPending()
	if !ok || max < first {
		return o.base.FetchHeaders(min, max)
	}
	var out []types.ChainHeader
	if min < first {
		base, err := o.base.FetchHeaders(min, first-1)
		if err != nil {
			return nil, err
		}
		out = append(out, base...)
		min = first
	}
	for h := min; h <= max && h-first < uint64(len(o.pending)); h++ {
		out = append(out, o.pending[h-first])
	}
	return out, nil
}
