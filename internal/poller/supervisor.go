package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nmslite/wmipoller/internal/channels"
	"github.com/nmslite/wmipoller/internal/config"
	"github.com/nmslite/wmipoller/internal/connection"
)

// Supervisor owns every poll loop of a running process
type Supervisor struct {
	loops  []*Loop
	logger *slog.Logger

	running bool
	runMu   sync.Mutex
	wg      sync.WaitGroup
}

// NewSupervisor creates a supervisor for the given loops
func NewSupervisor(loops []*Loop, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		loops:  loops,
		logger: logger.With("component", "supervisor"),
	}
}

// LoopsFromConfig builds one loop per input, each with its own connection
// manager so sessions are never shared.
func LoopsFromConfig(
	cfg *config.Config,
	resolver connection.Resolver,
	opener connection.Opener,
	emitter channels.Emitter,
	logger *slog.Logger,
) []*Loop {
	loops := make([]*Loop, 0, len(cfg.Inputs))
	for _, in := range cfg.Inputs {
		manager := connection.NewManager(resolver, opener, logger.With("input", in.ID))
		loops = append(loops, NewLoop(
			OptionsFromInput(in),
			manager,
			emitter,
			channels.NewInputDecorator(in.Type, in.Tags, in.AddFields),
			logger,
		))
	}
	return loops
}

// OptionsFromInput maps an input section to loop options
func OptionsFromInput(in config.InputConfig) Options {
	endpoint := connection.EndpointSpec{
		Host:      in.Host,
		Namespace: in.Namespace,
		Port:      in.Port,
		UseHTTPS:  in.UseHTTPS,
		Insecure:  in.Insecure,
		Timeout:   in.OperationTimeout(),
		Shell:     in.Shell,
	}
	if in.User != "" {
		endpoint.Credentials = &connection.Credentials{
			User:     in.User,
			Password: in.Password,
			Domain:   in.Domain,
		}
	}

	return Options{
		Input:    in.ID,
		Query:    in.Query,
		Interval: in.IntervalDuration(),
		Endpoint: endpoint,
	}
}

// Register opens the initial session of every loop. The first failure is
// returned and the sessions opened so far are closed.
func (s *Supervisor) Register(ctx context.Context) error {
	for i, l := range s.loops {
		if err := l.Register(ctx); err != nil {
			for _, opened := range s.loops[:i] {
				opened.connector.Close()
			}
			return err
		}
	}
	s.logger.Info("all inputs registered", "count", len(s.loops))
	return nil
}

// Run starts every loop and blocks until all of them have stopped
func (s *Supervisor) Run(ctx context.Context) error {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return fmt.Errorf("supervisor already running")
	}
	s.running = true
	s.runMu.Unlock()

	s.logger.Info("starting poll loops", "count", len(s.loops))

	for _, l := range s.loops {
		s.wg.Add(1)
		go func(l *Loop) {
			defer s.wg.Done()
			if err := l.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("poll loop exited", "input", l.Input(), "error", err)
			}
		}(l)
	}

	s.wg.Wait()
	s.logger.Info("all poll loops stopped")
	return ctx.Err()
}

// Statuses returns a snapshot of every loop, in configuration order
func (s *Supervisor) Statuses() []Status {
	out := make([]Status, 0, len(s.loops))
	for _, l := range s.loops {
		out = append(out, l.Status())
	}
	return out
}

// Status returns the snapshot of one input
func (s *Supervisor) Status(input string) (Status, bool) {
	for _, l := range s.loops {
		if l.Input() == input {
			return l.Status(), true
		}
	}
	return Status{}, false
}
