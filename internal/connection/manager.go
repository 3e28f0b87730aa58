// Package connection turns a configured host identifier into a live WMI session.
package connection

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nmslite/wmipoller/internal/wmi"
)

// Credentials holds authentication details for remote connections
type Credentials struct {
	User     string
	Password string
	Domain   string
}

// EndpointSpec identifies the endpoint a poll loop queries. It does not change
// after the loop starts.
type EndpointSpec struct {
	Host        string
	Namespace   string
	Credentials *Credentials

	// WinRM transport settings, used for remote hosts only.
	Port     int
	UseHTTPS bool
	Insecure bool
	Timeout  time.Duration

	// Shell is the PowerShell binary for local sessions.
	Shell string
}

// ConnectionError reports a failure to resolve a host or open a session on it.
type ConnectionError struct {
	Host string
	Op   string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %q failed during %s: %v", e.Host, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Resolver maps host identifiers to canonical names.
type Resolver interface {
	// Hostname returns the canonical name of this machine.
	Hostname() (string, error)
	// CanonicalName resolves a remote host identifier.
	CanonicalName(ctx context.Context, host string) (string, error)
}

// Opener opens sessions on already resolved hosts.
type Opener interface {
	OpenLocal(ctx context.Context, host string, spec EndpointSpec) (wmi.Session, error)
	OpenRemote(ctx context.Context, host string, spec EndpointSpec) (wmi.Session, error)
}

// Manager resolves an EndpointSpec into a session and keeps it for reuse.
// At most one session is open at a time; Resolve closes the previous one.
type Manager struct {
	resolver Resolver
	opener   Opener
	logger   *slog.Logger

	mu      sync.Mutex
	current wmi.Session
}

// NewManager creates a new connection manager
func NewManager(resolver Resolver, opener Opener, logger *slog.Logger) *Manager {
	return &Manager{
		resolver: resolver,
		opener:   opener,
		logger:   logger.With("component", "connection_manager"),
	}
}

// Resolve opens a session for spec. Loopback and empty identifiers get a local
// session bound to this machine's name with the default namespace; anything
// else is resolved by name and gets a remote session with spec's namespace and
// credentials. Failures are returned as *ConnectionError and are not retried.
func (m *Manager) Resolve(ctx context.Context, spec EndpointSpec) (wmi.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// The old session is invalid from here on, even if the new one fails to open.
	m.closeCurrentLocked()

	var (
		sess wmi.Session
		err  error
	)
	if IsLoopback(spec.Host) {
		sess, err = m.openLocal(ctx, spec)
	} else {
		sess, err = m.openRemote(ctx, spec)
	}
	if err != nil {
		return nil, err
	}

	m.current = sess
	m.logger.Info("session opened",
		"input_host", spec.Host,
		"host", sess.Host(),
		"namespace", sess.Namespace(),
	)
	return sess, nil
}

func (m *Manager) openLocal(ctx context.Context, spec EndpointSpec) (wmi.Session, error) {
	host, err := m.resolver.Hostname()
	if err != nil {
		return nil, &ConnectionError{Host: spec.Host, Op: "resolve", Err: err}
	}

	sess, err := m.opener.OpenLocal(ctx, host, spec)
	if err != nil {
		return nil, &ConnectionError{Host: host, Op: "open", Err: err}
	}
	return sess, nil
}

func (m *Manager) openRemote(ctx context.Context, spec EndpointSpec) (wmi.Session, error) {
	host, err := m.resolver.CanonicalName(ctx, strings.TrimSpace(spec.Host))
	if err != nil {
		return nil, &ConnectionError{Host: spec.Host, Op: "resolve", Err: err}
	}

	sess, err := m.opener.OpenRemote(ctx, host, spec)
	if err != nil {
		return nil, &ConnectionError{Host: host, Op: "open", Err: err}
	}
	return sess, nil
}

// Current returns the open session, or nil
func (m *Manager) Current() wmi.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Close closes the open session, if any
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCurrentLocked()
}

func (m *Manager) closeCurrentLocked() {
	if m.current == nil {
		return
	}
	if err := m.current.Close(); err != nil {
		m.logger.Warn("failed to close session", "host", m.current.Host(), "error", err)
	}
	m.current = nil
}

// IsLoopback reports whether host denotes this machine.
func IsLoopback(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "", "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}
