// Package probe checks configured inputs once without starting poll loops.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nmslite/wmipoller/internal/config"
	"github.com/nmslite/wmipoller/internal/connection"
	"github.com/nmslite/wmipoller/internal/poller"
)

const (
	defaultDialTimeout = 2 * time.Second
	defaultConcurrency = 4
)

// DialFunc opens a TCP connection, as net.Dialer.DialContext does
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Result is the outcome of probing one input
type Result struct {
	Input     string `json:"input"`
	Host      string `json:"host"`
	Target    string `json:"target,omitempty"`
	Reachable bool   `json:"reachable"`
	Success   bool   `json:"success"`
	Records   int    `json:"records"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Prober runs one reachability check and one query per input
type Prober struct {
	resolver    connection.Resolver
	opener      connection.Opener
	dial        DialFunc
	dialTimeout time.Duration
	concurrency int
	logger      *slog.Logger
}

// Option configures a Prober
type Option func(*Prober)

// WithDialer replaces the TCP dialer
func WithDialer(dial DialFunc) Option {
	return func(p *Prober) { p.dial = dial }
}

// WithDialTimeout bounds the reachability check
func WithDialTimeout(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.dialTimeout = d
		}
	}
}

// WithConcurrency limits how many inputs are probed at once
func WithConcurrency(n int) Option {
	return func(p *Prober) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// NewProber creates a prober
func NewProber(resolver connection.Resolver, opener connection.Opener, logger *slog.Logger, opts ...Option) *Prober {
	dialer := &net.Dialer{}
	p := &Prober{
		resolver:    resolver,
		opener:      opener,
		dial:        dialer.DialContext,
		dialTimeout: defaultDialTimeout,
		concurrency: defaultConcurrency,
		logger:      logger.With("component", "prober"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProbeAll probes every input and returns the results in input order
func (p *Prober) ProbeAll(ctx context.Context, inputs []config.InputConfig) []Result {
	results := make([]Result, len(inputs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, in := range inputs {
		g.Go(func() error {
			results[i] = p.Probe(gctx, in)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Probe checks a single input. Remote inputs must accept a TCP connection on
// their WinRM port before a session is opened.
func (p *Prober) Probe(ctx context.Context, in config.InputConfig) Result {
	opts := poller.OptionsFromInput(in)
	res := Result{Input: in.ID, Host: in.Host}
	logger := p.logger.With("input", in.ID)
	start := time.Now()

	if !connection.IsLoopback(in.Host) {
		port := in.Port
		if port == 0 {
			port = config.DefaultHTTPPort
		}
		res.Target = net.JoinHostPort(in.Host, strconv.Itoa(port))
		if err := p.checkReachable(ctx, res.Target); err != nil {
			res.Error = err.Error()
			res.LatencyMs = time.Since(start).Milliseconds()
			logger.Debug("reachability check failed", "target", res.Target, "error", err)
			return res
		}
	}
	res.Reachable = true

	manager := connection.NewManager(p.resolver, p.opener, logger)
	defer manager.Close()

	sess, err := manager.Resolve(ctx, opts.Endpoint)
	if err != nil {
		res.Error = err.Error()
		res.LatencyMs = time.Since(start).Milliseconds()
		return res
	}
	res.Host = sess.Host()

	records, err := sess.Query(ctx, opts.Query)
	res.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		res.Error = (&poller.QueryError{Input: in.ID, Host: sess.Host(), Err: err}).Error()
		return res
	}

	res.Success = true
	res.Records = len(records)
	logger.Debug("probe succeeded", "host", res.Host, "records", res.Records)
	return res
}

func (p *Prober) checkReachable(ctx context.Context, target string) error {
	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()

	conn, err := p.dial(dialCtx, "tcp", target)
	if err != nil {
		return fmt.Errorf("%s unreachable: %w", target, err)
	}
	conn.Close()
	return nil
}
