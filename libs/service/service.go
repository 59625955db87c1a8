package service

import (
	"context"
	"errors"
	"sync"

	"github.com/tendermint/basenode/libs/log"
)

var (
	// ErrAlreadyStarted is returned when somebody tries to start an already
	// running service.
	ErrAlreadyStarted = errors.New("already started")
	// ErrAlreadyStopped is returned when somebody tries to stop an already
	// stopped service (without resetting it).
	ErrAlreadyStopped = errors.New("already stopped")
	// ErrNotStarted is returned when somebody tries to stop a not running
	// service.
	ErrNotStarted = errors.New("not started")
)

// Service defines a service that can be started, stopped, and reset.
type Service interface {
	// Start is called to start the service, which should run until
	// the context terminates. If the service is already running, Start
	// must report an error.
	Start(context.Context) error

	// Return true if the service is running
	IsRunning() bool

	// String representation of the service
	String() string

	// Wait blocks until the service is stopped.
	Wait()
}

// Implementation describes the implementation that the
// BaseService implementation wraps.
type Implementation interface {
	// Called by the Services Start Method. The context is canceled
	// when the service stops.
	OnStart(context.Context) error

	// Called when the service's context is canceled.
	OnStop()
}

/*
BaseService carries the start/stop bookkeeping shared by every long running
component of the node. Implementations embed it and provide OnStart/OnStop:

	type ChainMetadataService struct {
		service.BaseService
		// private fields
	}

	func NewChainMetadataService(logger log.Logger) *ChainMetadataService {
		s := &ChainMetadataService{}
		s.BaseService = *service.NewBaseService(logger, "ChainMetadata", s)
		return s
	}

	func (s *ChainMetadataService) OnStart(ctx context.Context) error {
		go s.run(ctx)
		return nil
	}

	func (s *ChainMetadataService) OnStop() {}

The context handed to OnStart is owned by the service: it is canceled when
either the caller's context ends or Stop is called, so goroutines started in
OnStart only need to watch one context.

A service cannot be restarted once stopped.
*/
type BaseService struct {
	logger log.Logger
	name   string
	mtx    sync.Mutex
	quit   <-chan struct{}
	cancel context.CancelFunc
	done   bool

	// The "subclass" of BaseService
	impl Implementation
}

// NewBaseService creates a new BaseService.
func NewBaseService(logger log.Logger, name string, impl Implementation) *BaseService {
	return &BaseService{
		logger: logger,
		name:   name,
		impl:   impl,
	}
}

// Start starts the Service and calls its OnStart method. An error will be
// returned if the service is already running or stopped.
func (bs *BaseService) Start(ctx context.Context) error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if bs.done {
		bs.logger.Error("not starting service; already stopped", "service", bs.name)
		return ErrAlreadyStopped
	}
	if bs.quit != nil {
		return ErrAlreadyStarted
	}

	bs.logger.Info("starting service", "service", bs.name)

	srvCtx, cancel := context.WithCancel(context.Background())
	if err := bs.impl.OnStart(srvCtx); err != nil {
		cancel()
		return err
	}

	bs.quit = srvCtx.Done()
	bs.cancel = cancel

	go func(ctx context.Context) {
		select {
		case <-srvCtx.Done():
			// someone else explicitly called stop
			// and then we shouldn't.
			return
		case <-ctx.Done():
			// the context was canceled and we
			// should stop.
			bs.Stop()
			bs.logger.Info("stopped service", "service", bs.name)
		}
	}(ctx)

	return nil
}

// Stop manually terminates the service by calling OnStop and canceling the
// service context. Calling Stop on a stopped or never started service is a
// no-op.
func (bs *BaseService) Stop() {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if bs.quit == nil || bs.done {
		return
	}

	bs.logger.Info("stopping service", "service", bs.name)
	bs.impl.OnStop()
	bs.cancel()
	bs.done = true
}

// IsRunning implements Service by returning true or false depending on the
// service's state.
func (bs *BaseService) IsRunning() bool {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	return bs.quit != nil && !bs.done
}

func (bs *BaseService) getWait() <-chan struct{} {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if bs.quit == nil {
		out := make(chan struct{})
		close(out)
		return out
	}

	return bs.quit
}

// Wait blocks until the service is stopped.
func (bs *BaseService) Wait() { <-bs.getWait() }

// String implements Service by returning a string representation of the service.
func (bs *BaseService) String() string { return bs.name }
