package chainsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tendermint/basenode/config"
	"github.com/tendermint/basenode/internal/chainmetadata"
	"github.com/tendermint/basenode/internal/consensus"
	"github.com/tendermint/basenode/internal/p2p"
	"github.com/tendermint/basenode/internal/store"
	"github.com/tendermint/basenode/internal/validation"
	"github.com/tendermint/basenode/libs/log"
	"github.com/tendermint/basenode/types"
)

var (
	// errNoExtension means a peer claims more work but its chain adds no
	// block above the fork point, or shares no block with ours within the
	// reorg depth. Such a peer is only deprioritized.
	errNoExtension = errors.New("peer chain does not extend the local chain")
	// errForeignBlock means a fallback peer served a block other than the
	// one the synced header commits to. It may simply follow another
	// chain, so it is not banned.
	errForeignBlock = errors.New("block does not match synced header")
)

// MetadataSubscriber is the part of the chain metadata service the
// machine listens to.
type MetadataSubscriber interface {
	Subscribe(ctx context.Context) *chainmetadata.Subscription
}

// Machine drives the node from Listening through header, horizon and
// block sync to Waiting and back. All of its state is owned by the Run
// goroutine.
type Machine struct {
	logger  log.Logger
	cfg     *config.SyncConfig
	clock   clock.Clock
	metrics *Metrics

	store    store.Backend
	client   SyncClient
	metadata MetadataSubscriber

	badBlocks       *validation.BadBlockSet
	headerValidator *validation.HeaderValidator
	accumValidator  *validation.AccumDifficultyValidator
	bodyValidator   *validation.BodyValidator
	accumMode       validation.AccumDifficultyMode

	bans   *BanList
	pool   *SyncPeerPool
	status *StatusWatch

	onBlockCommitted func()

	sub            *chainmetadata.Subscription
	claims         []chainmetadata.PeerClaim
	lastWaitHeight uint64
	stalledRounds  int
}

// MachineOption sets an optional parameter on the Machine.
type MachineOption func(*Machine)

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) MachineOption {
	return func(m *Machine) { m.metrics = metrics }
}

// WithClock replaces the wall clock, used by tests.
func WithClock(clk clock.Clock) MachineOption {
	return func(m *Machine) { m.clock = clk }
}

// WithBadBlocks shares a bad block set with other components.
func WithBadBlocks(bad *validation.BadBlockSet) MachineOption {
	return func(m *Machine) { m.badBlocks = bad }
}

// WithAccumDifficultyMode selects how the final synced header is checked
// against the local tip.
func WithAccumDifficultyMode(mode validation.AccumDifficultyMode) MachineOption {
	return func(m *Machine) { m.accumMode = mode }
}

// WithBlockCommitted registers a callback run after each committed block.
func WithBlockCommitted(fn func()) MachineOption {
	return func(m *Machine) { m.onBlockCommitted = fn }
}

// NewMachine returns a sync state machine. It does nothing until Run is
// called.
func NewMachine(
	logger log.Logger,
	cfg *config.SyncConfig,
	consensusManager *consensus.Manager,
	blockStore store.Backend,
	client SyncClient,
	metadata MetadataSubscriber,
	options ...MachineOption,
) (*Machine, error) {
	m := &Machine{
		logger:           logger,
		cfg:              cfg,
		clock:            clock.New(),
		metrics:          NopMetrics(),
		store:            blockStore,
		client:           client,
		metadata:         metadata,
		accumMode:        validation.Strict,
		status:           NewStatusWatch(),
		onBlockCommitted: func() {},
	}
	for _, opt := range options {
		opt(m)
	}

	if m.badBlocks == nil {
		bad, err := validation.NewBadBlockSet(validation.DefaultBadBlockCacheSize)
		if err != nil {
			return nil, err
		}
		m.badBlocks = bad
	}

	forced := make([]types.NodeID, 0, len(cfg.ForcedSyncPeers))
	for _, id := range cfg.ForcedSyncPeers {
		forced = append(forced, types.NodeID(id))
	}

	m.headerValidator = validation.NewHeaderValidator(consensusManager, m.clock, m.badBlocks)
	m.accumValidator = validation.NewAccumDifficultyValidator(m.accumMode)
	m.bodyValidator = validation.NewBodyValidator(consensusManager)
	m.bans = NewBanList(m.clock, cfg.BanDuration)
	m.pool = NewSyncPeerPool(m.bans, forced)
	return m, nil
}

// Status returns the watch reporting sync progress.
func (m *Machine) Status() *StatusWatch { return m.status }

// IsBanned reports whether the peer is currently excluded from syncing.
func (m *Machine) IsBanned(id types.NodeID) bool {
	return m.bans.IsBanned(id, m.clock.Now())
}

// Run drives the machine until ctx ends or a fatal error occurs. It
// returns nil on a clean shutdown.
func (m *Machine) Run(ctx context.Context) error {
	m.sub = m.metadata.Subscribe(ctx)

	meta, err := m.store.FetchChainMetadata()
	if err != nil {
		return fmt.Errorf("reading local chain metadata: %w", err)
	}
	m.lastWaitHeight = meta.Height
	m.metrics.LocalHeight.Set(float64(meta.Height))
	m.status.update(func(s *Status) { s.LocalHeight = meta.Height })

	var state State = &Listening{}
	for {
		m.enter(state)
		ev := state.Next(ctx, m)
		next := m.transition(state, ev)
		m.logger.Debug("sync state transition", "from", state.Name(), "event", ev, "to", next.Name())

		if fe, ok := ev.(FatalError); ok {
			m.enter(next)
			m.logger.Error("chain sync stopped", "err", fe.Err)
			return fe.Err
		}
		if _, ok := next.(*Shutdown); ok {
			m.enter(next)
			return nil
		}
		state = next
	}
}

// transition maps a state and the event it produced to the next state.
func (m *Machine) transition(state State, ev StateEvent) State {
	switch ev.(type) {
	case FatalError, UserQuit:
		return &Shutdown{}
	}

	switch st := state.(type) {
	case *Listening:
		if ev, ok := ev.(FallenBehind); ok {
			return &HeaderSync{candidates: ev.Candidates}
		}

	case *HeaderSync:
		switch ev := ev.(type) {
		case HeadersSynchronized:
			prover := firstPeer(ev.Peers)
			if horizon, ok := m.horizonFor(ev.Headers); ok {
				return &HorizonStateSync{peers: ev.Peers, prover: prover, horizon: horizon, headers: ev.Headers}
			}
			return &BlockSync{peers: ev.Peers, prover: prover, headers: ev.Headers}
		case SyncFailed:
			return m.newWaiting()
		}

	case *HorizonStateSync:
		switch ev := ev.(type) {
		case HorizonStateSynchronized:
			if len(ev.Headers) == 0 {
				return m.newWaiting()
			}
			return &BlockSync{peers: ev.Peers, prover: st.prover, headers: ev.Headers}
		case SyncFailed:
			return m.newWaiting()
		}

	case *BlockSync:
		switch ev.(type) {
		case BlocksSynchronized, SyncFailed:
			return m.newWaiting()
		}

	case *Waiting:
		if _, ok := ev.(Continue); ok {
			return &Listening{}
		}
	}

	m.logger.Error("invalid sync state transition", "state", state.Name(), "event", ev)
	return m.newWaiting()
}

func firstPeer(peers []*SyncPeer) types.NodeID {
	if len(peers) == 0 {
		return ""
	}
	return peers[0].NodeID()
}

// horizonFor returns the horizon height when a pruned node should sync a
// snapshot before the staged headers' bodies.
func (m *Machine) horizonFor(headers []types.ChainHeader) (uint64, bool) {
	if !m.cfg.IsPruned() || len(headers) == 0 {
		return 0, false
	}
	target := headers[len(headers)-1].Height()
	if target <= m.cfg.PruningHorizon {
		return 0, false
	}
	horizon := target - m.cfg.PruningHorizon
	if horizon < headers[0].Height() {
		return 0, false
	}
	return horizon, true
}

func (m *Machine) enter(state State) {
	m.metrics.StateTransitions.With("state", state.Name()).Add(1)
	m.status.update(func(s *Status) {
		s.State = state.Name()
		switch state.(type) {
		case *Listening, *Waiting, *Shutdown:
			s.SyncPeer = ""
			s.TargetHeight = 0
		}
		if _, ok := state.(*Listening); !ok {
			s.Synced = false
		}
	})
}

// newWaiting starts a cooldown and updates the stuck detection: a round
// that ends without the local height moving counts as stalled.
func (m *Machine) newWaiting() *Waiting {
	meta, err := m.store.FetchChainMetadata()
	if err != nil {
		m.logger.Error("failed to read local chain metadata", "err", err)
	}
	if err == nil && meta.Height > m.lastWaitHeight {
		m.stalledRounds = 0
		m.lastWaitHeight = meta.Height
	} else {
		m.stalledRounds++
	}

	stuck := m.stalledRounds >= m.cfg.StuckRounds
	if stuck {
		m.logger.Info("chain sync is making no progress", "rounds", m.stalledRounds, "height", m.lastWaitHeight)
		m.metrics.Stuck.Set(1)
	} else {
		m.metrics.Stuck.Set(0)
	}
	m.status.update(func(s *Status) { s.Stuck = stuck })

	return &Waiting{deadline: m.clock.Now().Add(m.cfg.WaitingTimeout)}
}

func (m *Machine) markSynced() {
	m.stalledRounds = 0
	m.metrics.Stuck.Set(0)
	m.status.update(func(s *Status) {
		s.Synced = true
		s.Stuck = false
	})
}

// evaluateClaims turns the latest claims into FallenBehind when any usable
// peer is ahead. It returns nil when there is nothing to do.
func (m *Machine) evaluateClaims() StateEvent {
	if len(m.claims) == 0 {
		return nil
	}
	meta, err := m.store.FetchChainMetadata()
	if err != nil {
		return FatalError{Err: fmt.Errorf("reading local chain metadata: %w", err)}
	}

	candidates := m.pool.SelectCandidates(m.claims, meta.AccumulatedDifficulty, m.clock.Now())
	if len(candidates) == 0 {
		m.markSynced()
		return nil
	}
	m.logger.Info("fallen behind",
		"local_height", meta.Height,
		"local_difficulty", meta.AccumulatedDifficulty,
		"best_peer", candidates[0].NodeID(),
		"best_height", candidates[0].ChainMetadata().Height,
		"candidates", len(candidates))
	return FallenBehind{Candidates: candidates}
}

// handlePeerFailure decides what a failed request means for the peer. It
// returns true when the error is not the peer's doing and sync must stop.
func (m *Machine) handlePeerFailure(peer *SyncPeer, err error) bool {
	var verr *validation.ValidationError
	switch {
	case errors.As(err, &verr):
		if marksBlockBad(verr.Err) {
			m.badBlocks.Add(verr.Hash)
		}
		m.banPeer(peer, err)
		return false

	case errors.Is(err, p2p.ErrMalformedResponse):
		m.banPeer(peer, err)
		return false

	case p2p.IsTransient(err),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, p2p.ErrNotHeld),
		errors.Is(err, errNoExtension),
		errors.Is(err, errForeignBlock):
		m.logger.Info("sync peer unavailable; trying the next one", "peer", peer.NodeID(), "err", err)
		m.pool.Deprioritize(peer.NodeID())
		return false

	default:
		return true
	}
}

// marksBlockBad reports whether a rule violation condemns the block
// itself, as opposed to the copy a peer sent or the moment it was checked.
func marksBlockBad(err error) bool {
	switch {
	case errors.Is(err, validation.ErrMismatchedBody),
		errors.Is(err, validation.ErrInvalidTimestampFutureTimeLimit),
		errors.Is(err, validation.ErrWeakerAccumulatedDifficulty),
		errors.Is(err, validation.ErrBadBlock):
		return false
	}
	return true
}

func (m *Machine) banPeer(peer *SyncPeer, err error) {
	m.logger.Info("banning sync peer", "peer", peer.NodeID(), "duration", m.cfg.BanDuration, "err", err)
	m.bans.Ban(peer.NodeID(), err.Error())
	m.metrics.PeerBans.Add(1)
}

func (m *Machine) setSyncing(peer *SyncPeer, local, target uint64) {
	m.metrics.LocalHeight.Set(float64(local))
	m.metrics.TargetHeight.Set(float64(target))
	m.status.update(func(s *Status) {
		s.SyncPeer = peer.NodeID()
		s.LocalHeight = local
		s.TargetHeight = target
	})
}

func (m *Machine) requestHeaders(ctx context.Context, peer *SyncPeer, start, end uint64) ([]types.BlockHeader, time.Duration, error) {
	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()
	began := m.clock.Now()
	headers, err := m.client.RequestHeaders(reqCtx, peer.NodeID(), start, end)
	return headers, m.clock.Since(began), err
}

// findChainSplit returns the highest local header that is also on the
// peer's chain. It first checks the local tip, then walks down in batches
// no further than the reorg depth or the pruned height.
func (m *Machine) findChainSplit(
	ctx context.Context,
	peer *SyncPeer,
	tip types.ChainHeader,
	meta types.ChainMetadata,
) (types.ChainHeader, error) {
	top := tip.Height()
	if h := peer.ChainMetadata().Height; h < top {
		top = h
	}
	lowest := meta.PrunedHeight
	if tip.Height() > m.cfg.MaxReorgDepth && tip.Height()-m.cfg.MaxReorgDepth > lowest {
		lowest = tip.Height() - m.cfg.MaxReorgDepth
	}
	if top < lowest {
		return types.ChainHeader{}, fmt.Errorf("%w: peer %s at %d is below the deepest allowed fork %d",
			errNoExtension, peer.NodeID(), top, lowest)
	}

	end := top
	size := uint64(1)
	for {
		start := lowest
		if end-lowest+1 > size {
			start = end - size + 1
		}
		theirs, _, err := m.requestHeaders(ctx, peer, start, end)
		if err != nil {
			return types.ChainHeader{}, err
		}
		if uint64(len(theirs)) != end-start+1 {
			return types.ChainHeader{}, fmt.Errorf("%w: %d headers for range [%d, %d] below claimed height %d",
				p2p.ErrMalformedResponse, len(theirs), start, end, peer.ChainMetadata().Height)
		}
		ours, err := m.store.FetchHeaders(start, end)
		if err != nil {
			return types.ChainHeader{}, err
		}
		if len(ours) != len(theirs) {
			return types.ChainHeader{}, fmt.Errorf("local headers [%d, %d] incomplete: %w", start, end, store.ErrNotFound)
		}
		for i := len(theirs) - 1; i >= 0; i-- {
			if theirs[i].Height != start+uint64(i) {
				return types.ChainHeader{}, fmt.Errorf("%w: header %d at position of %d",
					p2p.ErrMalformedResponse, theirs[i].Height, start+uint64(i))
			}
			if theirs[i].Hash() == ours[i].Hash() {
				return ours[i], nil
			}
		}
		if start == lowest {
			return types.ChainHeader{}, fmt.Errorf("%w: peer %s shares no block with the local chain above %d",
				errNoExtension, peer.NodeID(), lowest)
		}
		end = start - 1
		size = m.cfg.HeaderBatchSize
	}
}

// syncHeaders downloads headers from the point where the peer's chain
// forks from ours up to the peer's claimed height, validating each against
// the chain it extends. When the fork is below the local tip, the returned
// headers replace the local blocks above it.
func (m *Machine) syncHeaders(ctx context.Context, peer *SyncPeer) ([]types.ChainHeader, error) {
	meta, err := m.store.FetchChainMetadata()
	if err != nil {
		return nil, err
	}
	tip, err := m.store.FetchLastHeader()
	if err != nil {
		return nil, err
	}
	target := peer.ChainMetadata().Height

	split, err := m.findChainSplit(ctx, peer, tip, meta)
	if err != nil {
		return nil, err
	}
	if target <= split.Height() {
		return nil, fmt.Errorf("%w: peer %s at %d, fork at %d", errNoExtension, peer.NodeID(), target, split.Height())
	}
	if split.Height() < tip.Height() {
		m.logger.Info("peer chain forks below the local tip", "peer", peer.NodeID(),
			"fork_height", split.Height(), "depth", tip.Height()-split.Height())
	}

	m.setSyncing(peer, tip.Height(), target)
	m.logger.Info("syncing headers", "peer", peer.NodeID(), "from", split.Height()+1, "to", target)

	overlay := validation.NewOverlayAt(m.store, split.Height())
	prev := split
	for prev.Height() < target {
		start := prev.Height() + 1
		end := start + m.cfg.HeaderBatchSize - 1
		if end > target {
			end = target
		}
		want := end - start + 1

		headers, elapsed, err := m.requestHeaders(ctx, peer, start, end)
		if err != nil {
			return nil, err
		}
		if len(headers) == 0 {
			break
		}
		if uint64(len(headers)) > want {
			return nil, fmt.Errorf("%w: %d headers for range [%d, %d]", p2p.ErrMalformedResponse, len(headers), start, end)
		}
		peer.AddSample(elapsed / time.Duration(len(headers)))

		for i := range headers {
			h := &headers[i]
			if h.Height != prev.Height()+1 || h.PrevHash != prev.Hash() {
				return nil, fmt.Errorf("%w: header %d does not link to %d", p2p.ErrMalformedResponse, h.Height, prev.Height())
			}
			diff, err := m.headerValidator.Validate(overlay, h)
			if err != nil {
				return nil, err
			}
			ch := types.ChainHeader{
				Header: *h,
				Accumulated: types.BlockHeaderAccumulatedData{
					Hash:                       h.Hash(),
					AchievedDifficulty:         diff.Achieved(),
					TargetDifficulty:           diff.Target(),
					TotalAccumulatedDifficulty: prev.Accumulated.TotalAccumulatedDifficulty.Add(diff.Target()),
				},
			}
			if err := overlay.Push(ch); err != nil {
				return nil, err
			}
			prev = ch
		}
		m.metrics.HeadersSynced.Add(float64(len(headers)))

		if uint64(len(headers)) < want {
			break
		}
	}

	pending := overlay.Pending()
	if len(pending) == 0 {
		return nil, fmt.Errorf("%w: no headers above fork at %d", p2p.ErrMalformedResponse, split.Height())
	}
	last := pending[len(pending)-1]
	if err := m.accumValidator.Validate(&last, meta.AccumulatedDifficulty); err != nil {
		return nil, err
	}
	if claimed := peer.ChainMetadata().AccumulatedDifficulty; claimed.GreaterThan(last.Accumulated.TotalAccumulatedDifficulty) {
		return nil, fmt.Errorf("%w: peer claimed difficulty %s but served %s",
			p2p.ErrMalformedResponse, claimed, last.Accumulated.TotalAccumulatedDifficulty)
	}

	m.logger.Info("headers synchronized", "peer", peer.NodeID(), "count", len(pending),
		"height", last.Height(), "difficulty", last.Accumulated.TotalAccumulatedDifficulty)
	return pending, nil
}

// rewindForHeaders discards the local blocks the staged headers replace.
// It does nothing when the headers extend the local tip.
func (m *Machine) rewindForHeaders(headers []types.ChainHeader) error {
	if len(headers) == 0 {
		return nil
	}
	meta, err := m.store.FetchChainMetadata()
	if err != nil {
		return err
	}
	fork := headers[0].Height() - 1
	if meta.Height <= fork {
		return nil
	}
	removed, err := m.store.RewindToHeight(fork)
	if err != nil {
		return fmt.Errorf("rewinding to fork at %d: %w", fork, err)
	}
	m.metrics.BlocksRewound.Add(float64(len(removed)))
	m.metrics.LocalHeight.Set(float64(fork))
	m.status.update(func(s *Status) { s.LocalHeight = fork })
	m.onBlockCommitted()

	m.logger.Info("rewound local chain to fork", "fork_height", fork,
		"blocks", len(removed), "old_tip", meta.BestBlock.ShortString())
	return nil
}

// syncHorizonState fetches and commits the snapshot at horizon together
// with the staged headers up to it.
func (m *Machine) syncHorizonState(ctx context.Context, peer *SyncPeer, horizon uint64, headers []types.ChainHeader) error {
	m.setSyncing(peer, headers[0].Height()-1, horizon)
	m.logger.Info("syncing horizon state", "peer", peer.NodeID(), "height", horizon)

	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()
	state, err := m.client.RequestHorizonState(reqCtx, peer.NodeID(), horizon)
	if err != nil {
		return err
	}
	if err := checkHorizonState(state, &headers[len(headers)-1]); err != nil {
		return err
	}

	if err := m.store.CommitHorizonState(headers, state); err != nil {
		return fmt.Errorf("committing horizon state at %d: %w", horizon, err)
	}
	m.metrics.HorizonSyncs.Add(1)
	m.metrics.LocalHeight.Set(float64(horizon))
	m.status.update(func(s *Status) { s.LocalHeight = horizon })
	m.onBlockCommitted()

	m.logger.Info("horizon state synchronized", "height", horizon,
		"outputs", len(state.Outputs), "kernels", len(state.Kernels))
	return nil
}

// checkHorizonState verifies a snapshot against the synced header at the
// horizon, which commits to its output and kernel sets.
func checkHorizonState(state types.HorizonState, header *types.ChainHeader) error {
	if state.Height != header.Height() {
		return fmt.Errorf("%w: horizon state at %d, requested %d", p2p.ErrMalformedResponse, state.Height, header.Height())
	}
	seen := make(map[types.Hash]struct{}, len(state.Outputs))
	for i := range state.Outputs {
		h := state.Outputs[i].Hash()
		if _, ok := seen[h]; ok {
			return fmt.Errorf("%w: duplicate output %s in horizon state", p2p.ErrMalformedResponse, h.ShortString())
		}
		seen[h] = struct{}{}
	}
	for _, k := range state.Kernels {
		if err := k.Features.Validate(); err != nil {
			return fmt.Errorf("%w: horizon state kernel: %v", p2p.ErrMalformedResponse, err)
		}
	}
	outputRoot, kernelRoot := state.Roots()
	if outputRoot != header.Header.OutputRoot || kernelRoot != header.Header.KernelRoot {
		return fmt.Errorf("%w: horizon state roots %s/%s do not match header %d roots %s/%s",
			p2p.ErrMalformedResponse, outputRoot.ShortString(), kernelRoot.ShortString(), header.Height(),
			header.Header.OutputRoot.ShortString(), header.Header.KernelRoot.ShortString())
	}
	return nil
}

// syncBlock fetches the body for a staged header, validates it against
// the local UTXO set and commits it. prover is set when peer is the one
// that served the headers, so a block not matching them is its fault.
func (m *Machine) syncBlock(ctx context.Context, peer *SyncPeer, header *types.ChainHeader, prover bool) error {
	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	began := m.clock.Now()
	block, err := m.client.RequestBlock(reqCtx, peer.NodeID(), header.Height())
	elapsed := m.clock.Since(began)
	cancel()
	if err != nil {
		return err
	}
	if block == nil {
		return fmt.Errorf("%w: no block at %d", p2p.ErrMalformedResponse, header.Height())
	}
	if h := block.Hash(); h != header.Hash() {
		reason := errForeignBlock
		if prover {
			reason = p2p.ErrMalformedResponse
		}
		return fmt.Errorf("%w: block %d hash %s, synced header %s",
			reason, header.Height(), h.ShortString(), header.Hash().ShortString())
	}
	peer.AddSample(elapsed)

	if err := m.bodyValidator.Validate(m.store, block); err != nil {
		return err
	}
	cb := &types.ChainBlock{Block: block, Accumulated: header.Accumulated}
	if err := m.store.CommitValidatedBlock(cb); err != nil {
		return fmt.Errorf("committing block %d: %w", header.Height(), err)
	}

	m.metrics.BlocksSynced.Add(1)
	m.metrics.LocalHeight.Set(float64(header.Height()))
	m.status.update(func(s *Status) {
		s.SyncPeer = peer.NodeID()
		s.LocalHeight = header.Height()
	})
	m.onBlockCommitted()
	return nil
}
