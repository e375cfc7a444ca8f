package flowservice

import (
	"context"
	"sync"

	"github.com/illmade-knight/go-interflow/pkg/adapter"
	"github.com/illmade-knight/go-interflow/pkg/broker"
	"github.com/illmade-knight/go-interflow/pkg/flowconfig"
	"github.com/illmade-knight/go-interflow/pkg/flowerr"
	"github.com/illmade-knight/go-interflow/pkg/messaging"
	"github.com/rs/zerolog"
)

// FlowService runs every enabled adapter instance of the configured
// interfaces against one shared broker backend. Disabled instances are
// skipped entirely; their subscriptions are not provisioned, so no backlog
// accumulates for an adapter nobody will run.
type FlowService struct {
	*Server

	cfg     *flowconfig.Config
	broker  broker.MessageBroker
	factory *adapter.Factory
	logger  zerolog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	runners   []*adapter.Runner
}

// New validates the wiring and builds the service. Nothing starts until
// Start is called.
func New(cfg *flowconfig.Config, mb broker.MessageBroker, factory *adapter.Factory, logger zerolog.Logger) (*FlowService, error) {
	const op = "flowservice.New"
	if cfg == nil {
		return nil, flowerr.New(flowerr.KindArgument, op, "configuration cannot be nil")
	}
	if mb == nil {
		return nil, flowerr.New(flowerr.KindArgument, op, "message broker cannot be nil")
	}
	if factory == nil {
		return nil, flowerr.New(flowerr.KindArgument, op, "adapter factory cannot be nil")
	}
	return &FlowService{
		Server:  NewServer(logger, cfg.HTTPPort),
		cfg:     cfg,
		broker:  mb,
		factory: factory,
		logger:  logger.With().Str("component", "FlowService").Logger(),
	}, nil
}

// Start provisions the broker channels for every configured interface, then
// builds and launches a runner per enabled instance. Provisioning happens
// before any source runs so fan-out subscriptions exist before the first
// message is published.
func (s *FlowService) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		if err = s.provision(ctx); err != nil {
			return
		}
		if err = s.buildRunners(); err != nil {
			return
		}
		for _, runner := range s.runners {
			if err = runner.Start(ctx); err != nil {
				return
			}
		}
		if err = s.Server.Start(); err != nil {
			return
		}
		s.setReady(true)
		s.logger.Info().Int("runners", len(s.runners)).Msg("Flow service started.")
	})
	return err
}

func (s *FlowService) provision(ctx context.Context) error {
	for _, iface := range s.cfg.Interfaces {
		if err := s.broker.EnsureTopicExists(ctx, iface.Name); err != nil {
			return err
		}
		for _, dest := range iface.Destinations {
			if !dest.Enabled {
				continue
			}
			if err := s.broker.EnsureSubscriptionExists(ctx, iface.Name, dest.InstanceID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *FlowService) buildRunners() error {
	for _, iface := range s.cfg.Interfaces {
		if iface.Source.Enabled {
			if err := s.addRunner(iface.Name, messaging.RoleSource, iface.Source); err != nil {
				return err
			}
		}
		for _, dest := range iface.Destinations {
			if !dest.Enabled {
				continue
			}
			if err := s.addRunner(iface.Name, messaging.RoleDestination, dest); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *FlowService) addRunner(interfaceName string, role messaging.AdapterRole, desc flowconfig.AdapterDescriptor) error {
	a, err := s.factory.NewAdapter(&adapter.Config{
		InterfaceName:    interfaceName,
		InstanceID:       desc.InstanceID,
		Role:             role,
		TypeName:         desc.AdapterType,
		BatchSize:        desc.BatchSize,
		PollInterval:     desc.PollInterval,
		Settings:         desc.Settings,
		TransformMapping: desc.Transform,
	})
	if err != nil {
		return err
	}
	runner, err := adapter.NewRunner(a, s.logger)
	if err != nil {
		return err
	}
	s.runners = append(s.runners, runner)
	return nil
}

// Shutdown stops all runners, waits for their in-flight cycles and then
// closes the HTTP server. Runners stop concurrently; a leased message held
// by a slow destination is abandoned by its own cycle logic, not here.
func (s *FlowService) Shutdown(ctx context.Context) error {
	var httpErr error
	s.stopOnce.Do(func() {
		s.setReady(false)
		s.logger.Info().Msg("Flow service shutting down...")

		var wg sync.WaitGroup
		for _, runner := range s.runners {
			wg.Add(1)
			go func(r *adapter.Runner) {
				defer wg.Done()
				if err := r.Stop(ctx); err != nil {
					s.logger.Error().Err(err).Msg("Runner did not stop cleanly.")
				}
			}(runner)
		}
		wg.Wait()

		httpErr = s.Server.Shutdown(ctx)
		s.logger.Info().Msg("Flow service stopped.")
	})
	return httpErr
}

// RunnerCount reports how many adapter runners the service launched.
func (s *FlowService) RunnerCount() int {
	return len(s.runners)
}
