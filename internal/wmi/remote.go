package wmi

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/masterzen/winrm"
)

// envelopeSize is the WS-Management MaxEnvelopeSize sent with every request.
const envelopeSize = 153600

// RemoteOptions describes a WinRM connection to a remote host.
type RemoteOptions struct {
	// Host is the resolved host name or address.
	Host      string
	Namespace string
	User      string
	Password  string
	// Domain selects NTLM authentication. A user given as DOMAIN\user does the same.
	Domain   string
	Port     int
	UseHTTPS bool
	Insecure bool
	Timeout  time.Duration
}

// commandRunner is the part of *winrm.Client a RemoteSession uses.
type commandRunner interface {
	RunWithContextWithString(ctx context.Context, command string, stdin string) (string, string, int, error)
}

// RemoteSession runs queries on a remote host over WinRM
type RemoteSession struct {
	runner    commandRunner
	host      string
	namespace string
}

// OpenRemote creates a WinRM client and performs a handshake so that
// authentication failures surface here rather than on the first query.
// - If no domain is given, uses Basic Auth
// - If a domain is given, uses NTLM Auth
func OpenRemote(opts RemoteOptions) (*RemoteSession, error) {
	endpoint := winrm.NewEndpoint(
		opts.Host,
		opts.Port,
		opts.UseHTTPS,
		opts.Insecure,
		nil, // CA certificate
		nil, // client certificate
		nil, // client key
		opts.Timeout,
	)

	user, ntlm := qualifiedUser(opts.User, opts.Domain)

	params := winrm.NewParameters(operationTimeout(opts.Timeout), "en-US", envelopeSize)
	if ntlm {
		params.TransportDecorator = func() winrm.Transporter {
			return &winrm.ClientNTLM{}
		}
	}

	client, err := winrm.NewClientWithParameters(endpoint, user, opts.Password, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create WinRM client: %w", err)
	}

	shell, err := client.CreateShell()
	if err != nil {
		return nil, fmt.Errorf("WinRM handshake with %s failed: %w", opts.Host, err)
	}
	if err := shell.Close(); err != nil {
		return nil, fmt.Errorf("failed to close WinRM handshake shell: %w", err)
	}

	return newRemoteSession(client, opts.Host, opts.Namespace), nil
}

func newRemoteSession(runner commandRunner, host, namespace string) *RemoteSession {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &RemoteSession{
		runner:    runner,
		host:      host,
		namespace: namespace,
	}
}

func (s *RemoteSession) Host() string {
	return s.host
}

func (s *RemoteSession) Namespace() string {
	return s.namespace
}

// Query executes query on the remote host
func (s *RemoteSession) Query(ctx context.Context, query string) ([]Record, error) {
	encoded, err := EncodeCommand(BuildQueryScript(s.namespace, query))
	if err != nil {
		return nil, err
	}

	stdout, stderr, exitCode, err := s.runner.RunWithContextWithString(ctx, commandLine(DefaultShell, encoded), "")
	if err != nil {
		return nil, fmt.Errorf("WinRM execution failed: %w", err)
	}

	if exitCode != 0 {
		return nil, fmt.Errorf("PowerShell query failed (exit code %d): %s", exitCode, strings.TrimSpace(stderr))
	}

	return ParseRecords(stdout)
}

// Close is a no-op for the WinRM client as connections are per-request
func (s *RemoteSession) Close() error {
	return nil
}

// qualifiedUser returns the user name to authenticate with and whether NTLM is needed
func qualifiedUser(user, domain string) (string, bool) {
	if strings.Contains(user, `\`) {
		return user, true
	}
	if domain != "" {
		return domain + `\` + user, true
	}
	return user, false
}

// operationTimeout renders a duration as the ISO 8601 value WinRM expects
func operationTimeout(d time.Duration) string {
	secs := int(d / time.Second)
	if secs <= 0 {
		secs = 60
	}
	return fmt.Sprintf("PT%dS", secs)
}
