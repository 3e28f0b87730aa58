package wmi

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

const (
	// DefaultNamespace is the namespace of the default local connection.
	DefaultNamespace = `root\cimv2`

	// DefaultShell is the PowerShell binary used for local sessions.
	DefaultShell = "powershell.exe"
)

// LocalSession runs queries through a PowerShell process on this machine.
type LocalSession struct {
	host  string
	shell string
}

// OpenLocal opens a session against the local default namespace.
// host is the canonical name of this machine.
func OpenLocal(host, shell string) (*LocalSession, error) {
	if shell == "" {
		shell = DefaultShell
	}

	path, err := exec.LookPath(shell)
	if err != nil {
		return nil, fmt.Errorf("failed to locate %s: %w", shell, err)
	}

	return &LocalSession{
		host:  host,
		shell: path,
	}, nil
}

func (s *LocalSession) Host() string {
	return s.host
}

func (s *LocalSession) Namespace() string {
	return DefaultNamespace
}

// Query executes query in a fresh PowerShell process
func (s *LocalSession) Query(ctx context.Context, query string) ([]Record, error) {
	encoded, err := EncodeCommand(BuildQueryScript(DefaultNamespace, query))
	if err != nil {
		return nil, err
	}

	args := append(append([]string{}, powershellArgs...), encoded)
	cmd := exec.CommandContext(ctx, s.shell, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("PowerShell query failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	return ParseRecords(stdout.String())
}

// Close is a no-op, every query runs in its own process
func (s *LocalSession) Close() error {
	return nil
}
