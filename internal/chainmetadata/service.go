package chainmetadata

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/tendermint/basenode/config"
	"github.com/tendermint/basenode/internal/p2p"
	"github.com/tendermint/basenode/libs/log"
	"github.com/tendermint/basenode/libs/service"
	"github.com/tendermint/basenode/types"
)

// housekeepingInterval is how often stale claims and the silence window
// are checked.
const housekeepingInterval = time.Second

// Liveness is the ping/pong protocol the service learns claims from.
type Liveness interface {
	Events() <-chan p2p.LivenessEvent
	// SetMetadata updates the chain metadata advertised to peers.
	SetMetadata(types.ChainMetadata)
}

// MetadataSource provides the local chain tip.
type MetadataSource interface {
	FetchChainMetadata() (types.ChainMetadata, error)
}

// Service collects chain metadata claims from peers and publishes them to
// subscribers. Claims are owned by the service goroutine; subscribers only
// ever see copies.
type Service struct {
	service.BaseService
	logger log.Logger

	cfg         *config.MetadataConfig
	clock       clock.Clock
	liveness    Liveness
	peerUpdates <-chan p2p.PeerUpdate
	local       MetadataSource
	metrics     *Metrics

	blockCommitted chan struct{}

	// owned by the run goroutine
	claims       map[types.NodeID]PeerClaim
	emptyRounds  int
	lastActivity time.Time

	subMtx  sync.Mutex
	subs    map[string]*Subscription
	stopped chan struct{}
}

// ServiceOption sets an optional parameter on the Service.
type ServiceOption func(*Service)

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) ServiceOption {
	return func(s *Service) { s.metrics = metrics }
}

// WithClock replaces the wall clock, for tests.
func WithClock(clk clock.Clock) ServiceOption {
	return func(s *Service) { s.clock = clk }
}

// NewService returns a chain metadata service reading claims from liveness
// and disconnects from peerUpdates.
func NewService(
	logger log.Logger,
	cfg *config.MetadataConfig,
	liveness Liveness,
	peerUpdates <-chan p2p.PeerUpdate,
	local MetadataSource,
	options ...ServiceOption,
) *Service {
	s := &Service{
		logger:         logger,
		cfg:            cfg,
		clock:          clock.New(),
		liveness:       liveness,
		peerUpdates:    peerUpdates,
		local:          local,
		metrics:        NopMetrics(),
		blockCommitted: make(chan struct{}, 1),
		claims:         make(map[types.NodeID]PeerClaim),
		subs:           make(map[string]*Subscription),
		stopped:        make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	s.BaseService = *service.NewBaseService(logger, "ChainMetadata", s)
	return s
}

// OnStart advertises the local tip and starts the event loop.
func (s *Service) OnStart(ctx context.Context) error {
	s.lastActivity = s.clock.Now()
	s.advertiseLocal()
	go s.run(ctx)
	return nil
}

// OnStop closes every subscription.
func (s *Service) OnStop() {
	s.subMtx.Lock()
	defer s.subMtx.Unlock()

	close(s.stopped)
	for id, sub := range s.subs {
		close(sub.ch)
		delete(s.subs, id)
	}
}

// NotifyBlockCommitted tells the service the local tip moved so the
// advertised metadata is refreshed. It never blocks.
func (s *Service) NotifyBlockCommitted() {
	select {
	case s.blockCommitted <- struct{}{}:
	default:
	}
}

func (s *Service) run(ctx context.Context) {
	ticker := s.clock.Ticker(housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.liveness.Events():
			s.handleLivenessEvent(ev)
		case pu := <-s.peerUpdates:
			s.handlePeerUpdate(pu)
		case <-s.blockCommitted:
			s.advertiseLocal()
		case <-ticker.C:
			s.housekeeping()
		}
	}
}

func (s *Service) advertiseLocal() {
	m, err := s.local.FetchChainMetadata()
	if err != nil {
		s.logger.Error("failed to read local chain metadata", "err", err)
		return
	}
	s.liveness.SetMetadata(m)
}

func (s *Service) handleLivenessEvent(ev p2p.LivenessEvent) {
	switch ev := ev.(type) {
	case p2p.PongEvent:
		s.handlePong(ev)
	case p2p.PingRoundEvent:
		if ev.NumPeers > 0 {
			s.emptyRounds = 0
			return
		}
		s.emptyRounds++
		if s.emptyRounds >= NumRoundsNetworkSilence {
			s.logger.Debug("ping rounds reached no peers", "rounds", s.emptyRounds)
			s.emptyRounds = 0
			s.publishSilence()
		}
	}
}

func (s *Service) handlePong(ev p2p.PongEvent) {
	if ev.Metadata == nil {
		s.updateLatency(ev)
		return
	}
	if err := ev.NodeID.Validate(); err != nil {
		s.logger.Debug("dropping claim from invalid peer id", "err", err)
		s.metrics.InvalidClaims.Add(1)
		return
	}
	if err := ev.Metadata.ValidateBasic(); err != nil {
		s.logger.Info("dropping invalid chain metadata claim", "peer", ev.NodeID, "err", err)
		s.metrics.InvalidClaims.Add(1)
		return
	}

	claim := PeerClaim{
		NodeID:        ev.NodeID,
		ChainMetadata: *ev.Metadata,
		Latency:       ev.Latency,
		ReceivedAt:    s.clock.Now(),
	}
	if old, ok := s.claims[ev.NodeID]; ok {
		if !claim.fresherThan(old) {
			s.updateLatency(ev)
			return
		}
		if claim.Latency == nil {
			claim.Latency = old.Latency
		}
	}
	claim = claim.Copy()

	s.claims[ev.NodeID] = claim
	s.lastActivity = claim.ReceivedAt
	s.logger.Debug("received chain metadata claim", "peer", ev.NodeID, "height", claim.ChainMetadata.Height)
	s.publishClaims()
}

// updateLatency records the round trip time of a pong on the peer's
// stored claim without touching the claim itself.
func (s *Service) updateLatency(ev p2p.PongEvent) {
	if ev.Latency == nil {
		return
	}
	c, ok := s.claims[ev.NodeID]
	if !ok || (c.Latency != nil && *c.Latency == *ev.Latency) {
		return
	}
	l := *ev.Latency
	c.Latency = &l
	s.claims[ev.NodeID] = c
	s.logger.Debug("updated peer latency", "peer", ev.NodeID, "latency", l)
	s.publishClaims()
}

func (s *Service) handlePeerUpdate(pu p2p.PeerUpdate) {
	if pu.Status != p2p.PeerStatusDown {
		return
	}
	if _, ok := s.claims[pu.NodeID]; !ok {
		return
	}
	delete(s.claims, pu.NodeID)
	s.logger.Debug("discarded claim of disconnected peer", "peer", pu.NodeID)
	s.publishClaims()
}

func (s *Service) housekeeping() {
	now := s.clock.Now()

	expired := false
	for id, c := range s.claims {
		if now.Sub(c.ReceivedAt) >= s.cfg.StaleClaimTimeout {
			delete(s.claims, id)
			expired = true
			s.logger.Debug("expired stale claim", "peer", id, "age", now.Sub(c.ReceivedAt))
		}
	}
	if expired {
		s.publishClaims()
	}

	if now.Sub(s.lastActivity) >= s.cfg.SilenceWindow {
		s.lastActivity = now
		s.publishSilence()
	}
}

// snapshot returns copies of every live claim ordered by NodeID.
func (s *Service) snapshot() []PeerClaim {
	out := make([]PeerClaim, 0, len(s.claims))
	for _, c := range s.claims {
		out = append(out, c.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

func (s *Service) publishClaims() {
	s.metrics.PeerClaims.Set(float64(len(s.claims)))
	s.publish(func() Event { return PeersUpdated{Claims: s.snapshot()} })
}

func (s *Service) publishSilence() {
	s.logger.Info("network silence")
	s.metrics.NetworkSilences.Add(1)
	s.publish(func() Event { return NetworkSilence{} })
}

// publish delivers an event to every subscriber without blocking. Each
// subscriber gets its own copy.
func (s *Service) publish(mk func() Event) {
	s.subMtx.Lock()
	defer s.subMtx.Unlock()

	for _, sub := range s.subs {
		select {
		case sub.ch <- mk():
		default:
			atomic.AddUint64(&sub.lagged, 1)
			s.metrics.DroppedEvents.Add(1)
		}
	}
}

// Subscription is an independent, bounded stream of events. It is closed
// when the subscribing context ends or the service stops.
type Subscription struct {
	id     string
	ch     chan Event
	lagged uint64
}

func (sub *Subscription) ID() string { return sub.id }

// Events returns the event channel.
func (sub *Subscription) Events() <-chan Event { return sub.ch }

// Lagged returns how many events were dropped because the subscriber fell
// behind.
func (sub *Subscription) Lagged() uint64 { return atomic.LoadUint64(&sub.lagged) }

// Subscribe opens a new subscription. Events published before Subscribe
// returns are not delivered.
func (s *Service) Subscribe(ctx context.Context) *Subscription {
	sub := &Subscription{
		id: uuid.NewString(),
		ch: make(chan Event, s.cfg.EventBufferSize),
	}

	s.subMtx.Lock()
	select {
	case <-s.stopped:
		close(sub.ch)
		s.subMtx.Unlock()
		return sub
	default:
	}
	s.subs[sub.id] = sub
	s.subMtx.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.unsubscribe(sub.id)
		case <-s.stopped:
		}
	}()
	return sub
}

func (s *Service) unsubscribe(id string) {
	s.subMtx.Lock()
	defer s.subMtx.Unlock()

	if sub, ok := s.subs[id]; ok {
		close(sub.ch)
		delete(s.subs, id)
	}
}
