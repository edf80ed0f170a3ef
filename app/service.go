package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/patent-drafter/reqcore/config"
	"github.com/patent-drafter/reqcore/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const (
	DefaultShutdownTimeout = 30 * time.Second
	defaultStartTimeout    = 30 * time.Second
)

// Service runs a Container until a signal arrives or Stop is called, then
// stops it within the shutdown timeout.
type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	done            chan struct{}
	wg              sync.WaitGroup
	state           atomic.Value
	shutdownTimeout time.Duration
	startTimeout    time.Duration
	signals         []os.Signal
	container       *Container
}

// NewService loads the config at configPath and builds the components of
// role.
func NewService(ctx context.Context, configPath string, role Role, opts ...Option) (*Service, error) {
	if configPath == "" {
		return nil, types.Errorf(types.ErrConfigNotFound, "config path is empty")
	}
	if _, err := os.Stat(configPath); err != nil {
		return nil, types.Errorf(types.ErrConfigNotFound, "%s: %v", configPath, err)
	}

	configManager, err := config.NewConfigurationManager(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to register config manager")
	}

	return NewServiceFromConfig(ctx, configManager.GetConfig(), role, opts...)
}

func NewServiceFromConfig(ctx context.Context, cfg *types.ServiceConfig, role Role, opts ...Option) (*Service, error) {
	serviceCtx, cancel := context.WithCancel(ctx)

	container, err := NewContainer(serviceCtx, cfg, role, opts...)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		done:            make(chan struct{}),
		shutdownTimeout: DefaultShutdownTimeout,
		startTimeout:    defaultStartTimeout,
		signals:         []os.Signal{syscall.SIGINT, syscall.SIGTERM},
		container:       container,
	}
	s.state.Store(StateStopped)

	return s, nil
}

func (s *Service) Container() *Container {
	return s.container
}

// Run blocks until the service has been stopped.
func (s *Service) Run() error {
	if !s.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				runErr = fmt.Errorf("service panic: %v", r)
				s.container.Logger.Error("Service run panic", zap.Stack(string(buf[:n])))
				s.setState(StateStopped)
			}
		}()

		runErr = s.run()
	}()

	return runErr
}

func (s *Service) run() error {
	log := s.container.Logger
	log.Info("Starting service", zap.String("role", s.container.Role.String()))

	startCtx, cancel := context.WithTimeout(s.ctx, s.startTimeout)
	defer cancel()

	if err := s.container.Start(startCtx); err != nil {
		s.setState(StateStopped)
		return types.WrapError(err, "failed to start components")
	}

	s.setState(StateRunning)
	s.setupSignalHandling()

	s.wg.Add(1)
	go s.contextMonitor()

	log.Info("Service started successfully")

	<-s.done

	if err := s.stopComponents(); err != nil {
		log.Error("Error during service shutdown", zap.Error(err))
	}

	s.wg.Wait()
	s.setState(StateStopped)

	log.Info("Service stopped gracefully")
	return nil
}

func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	s.container.Logger.Info("Stopping service...")
	s.cancel()
	return nil
}

func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *Service) getState() State {
	return s.state.Load().(State)
}

func (s *Service) setState(newState State) {
	s.state.Store(newState)
}

func (s *Service) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

func (s *Service) stopComponents() error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.container.Stop()
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(s.shutdownTimeout):
		s.container.Logger.Warn("Service stop timeout, exiting with components still running",
			zap.Duration("timeout", s.shutdownTimeout))
		return types.NewErrorf("shutdown exceeded %v", s.shutdownTimeout)
	}
}

func (s *Service) setupSignalHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, s.signals...)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case sig := <-sigChan:
			s.container.Logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			if s.transitionState(StateRunning, StateStopping) {
				s.cancel()
			}
		case <-s.ctx.Done():
		}

		signal.Stop(sigChan)
	}()
}

func (s *Service) contextMonitor() {
	defer s.wg.Done()
	defer close(s.done)

	<-s.ctx.Done()

	switch err := s.ctx.Err(); {
	case types.IsError(err, context.Canceled):
		s.container.Logger.Info("Service shutdown: context cancelled")
	case types.IsError(err, context.DeadlineExceeded):
		s.container.Logger.Warn("Service shutdown: context deadline exceeded")
	default:
		s.container.Logger.Info("Service shutdown: context done")
	}
}
