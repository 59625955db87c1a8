package node

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tendermint/basenode/config"
	"github.com/tendermint/basenode/internal/chainmetadata"
	"github.com/tendermint/basenode/internal/chainsync"
	"github.com/tendermint/basenode/internal/consensus"
	"github.com/tendermint/basenode/internal/p2p"
	"github.com/tendermint/basenode/internal/store"
	"github.com/tendermint/basenode/libs/log"
	"github.com/tendermint/basenode/libs/service"
	"github.com/tendermint/basenode/types"
)

// Node is the base node: a block store kept in sync with the best chain
// its peers advertise.
type Node struct {
	service.BaseService
	logger log.Logger
	config *config.Config

	blockStore *store.BlockStore
	network    *p2p.MemoryNetwork
	metadata   *chainmetadata.Service
	machine    *chainsync.Machine

	prometheusSrv *http.Server

	cancel    context.CancelFunc
	groupDone chan struct{}

	mtx sync.Mutex
	err error
}

// Option sets an optional parameter on the Node.
type Option func(*options)

type options struct {
	manager *consensus.Manager
	genesis *types.ChainBlock
	clock   clock.Clock
}

// WithConsensus replaces the network's consensus rules and genesis, used to
// run a node against purpose-built chains.
func WithConsensus(m *consensus.Manager, genesis *types.ChainBlock) Option {
	return func(o *options) {
		o.manager = m
		o.genesis = genesis
	}
}

// WithClock replaces the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// New assembles a node from conf. The block store is opened and seeded
// with genesis; nothing runs until Start.
func New(conf *config.Config, logger log.Logger, opts ...Option) (*Node, error) {
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}

	if o.manager == nil {
		m, err := createConsensusManager(conf.Network)
		if err != nil {
			return nil, err
		}
		o.manager = m
	}
	if o.genesis == nil {
		g, err := consensus.GenesisBlock(conf.Network)
		if err != nil {
			return nil, err
		}
		o.genesis = g
	}

	bs, err := OpenBlockStore(conf, logger.With("module", "store"))
	if err != nil {
		return nil, err
	}
	if err := store.InitGenesis(bs, o.genesis); err != nil {
		bs.Close()
		return nil, err
	}

	metadataMetrics, syncMetrics := defaultMetricsProvider(conf)()

	network := p2p.NewMemoryNetwork(logger.With("module", "p2p"), o.clock)
	metadata := chainmetadata.NewService(
		logger.With("module", "chainmetadata"),
		conf.Metadata,
		network,
		network.PeerUpdates(),
		bs,
		chainmetadata.WithMetrics(metadataMetrics),
		chainmetadata.WithClock(o.clock),
	)
	machine, err := chainsync.NewMachine(
		logger.With("module", "chainsync"),
		conf.Sync,
		o.manager,
		bs,
		network,
		metadata,
		chainsync.WithMetrics(syncMetrics),
		chainsync.WithClock(o.clock),
		chainsync.WithBlockCommitted(metadata.NotifyBlockCommitted),
	)
	if err != nil {
		bs.Close()
		return nil, err
	}

	n := &Node{
		logger:     logger,
		config:     conf,
		blockStore: bs,
		network:    network,
		metadata:   metadata,
		machine:    machine,
		groupDone:  make(chan struct{}),
	}
	n.BaseService = *service.NewBaseService(logger, "Node", n)
	return n, nil
}

// OnStart starts the metadata service, the liveness loop and the sync
// state machine.
func (n *Node) OnStart(ctx context.Context) error {
	logNodeStartupInfo(n.logger, n.config, n.blockStore)

	if n.config.Instrumentation.Prometheus && n.config.Instrumentation.PrometheusListenAddr != "" {
		n.prometheusSrv = n.startPrometheusServer(n.config.Instrumentation.PrometheusListenAddr)
	}

	if err := n.metadata.Start(ctx); err != nil {
		return err
	}

	gctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	g, gctx := errgroup.WithContext(gctx)
	g.Go(func() error {
		n.network.Run(gctx, n.config.Metadata.BroadcastInterval)
		return nil
	})
	g.Go(func() error { return n.machine.Run(gctx) })

	go func() {
		err := g.Wait()
		n.mtx.Lock()
		n.err = err
		n.mtx.Unlock()
		close(n.groupDone)

		if err != nil {
			n.logger.Error("node stopped on error", "err", err)
			n.Stop()
		}
	}()
	return nil
}

// OnStop waits for the sync machine to wind down and closes the store.
func (n *Node) OnStop() {
	n.cancel()
	<-n.groupDone

	n.metadata.Stop()
	if n.prometheusSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.prometheusSrv.Shutdown(ctx); err != nil {
			n.logger.Error("prometheus HTTP server Shutdown", "err", err)
		}
	}
	if err := n.blockStore.Close(); err != nil {
		n.logger.Error("error closing block store", "err", err)
	}
}

// Err returns the error that stopped the node, if any.
func (n *Node) Err() error {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.err
}

// startPrometheusServer starts a Prometheus HTTP server, listening for
// metrics collectors on addr.
func (n *Node) startPrometheusServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("prometheus HTTP server ListenAndServe", "err", err)
		}
	}()
	return srv
}

// BlockStore returns the node's chain database.
func (n *Node) BlockStore() store.Backend { return n.blockStore }

// Network returns the in-process transport peers are attached to.
func (n *Node) Network() *p2p.MemoryNetwork { return n.network }

// SyncStatus returns the sync machine's progress.
func (n *Node) SyncStatus() chainsync.Status { return n.machine.Status().Get() }

// SyncStatusWatch lets callers wait for sync progress.
func (n *Node) SyncStatusWatch() *chainsync.StatusWatch { return n.machine.Status() }
