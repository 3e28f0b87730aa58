package connection

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/nmslite/wmipoller/internal/wmi"
)

// NetResolver resolves names with the operating system and net.Resolver
type NetResolver struct {
	Resolver *net.Resolver
}

// NewNetResolver creates a resolver backed by net.DefaultResolver
func NewNetResolver() *NetResolver {
	return &NetResolver{Resolver: net.DefaultResolver}
}

func (r *NetResolver) Hostname() (string, error) {
	name, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to read hostname: %w", err)
	}
	return name, nil
}

// CanonicalName follows CNAMEs to the canonical host name. IP literals are
// returned in normalized form.
func (r *NetResolver) CanonicalName(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}

	cname, err := r.Resolver.LookupCNAME(ctx, host)
	if err == nil && cname != "" {
		return strings.TrimSuffix(cname, "."), nil
	}

	// Names only present in a hosts file may have no CNAME answer.
	addrs, hostErr := r.Resolver.LookupHost(ctx, host)
	if hostErr != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", host, hostErr)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("failed to resolve %s: no addresses", host)
	}
	return strings.TrimSuffix(host, "."), nil
}

// WMIOpener opens wmi.LocalSession and wmi.RemoteSession values
type WMIOpener struct{}

func (WMIOpener) OpenLocal(_ context.Context, host string, spec EndpointSpec) (wmi.Session, error) {
	sess, err := wmi.OpenLocal(host, spec.Shell)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (WMIOpener) OpenRemote(_ context.Context, host string, spec EndpointSpec) (wmi.Session, error) {
	opts := wmi.RemoteOptions{
		Host:      host,
		Namespace: spec.Namespace,
		Port:      spec.Port,
		UseHTTPS:  spec.UseHTTPS,
		Insecure:  spec.Insecure,
		Timeout:   spec.Timeout,
	}
	if spec.Credentials != nil {
		opts.User = spec.Credentials.User
		opts.Password = spec.Credentials.Password
		opts.Domain = spec.Credentials.Domain
	}
	sess, err := wmi.OpenRemote(opts)
	if err != nil {
		return nil, err
	}
	return sess, nil
}
