package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// ErrBlockedEndpoint marks a callback URL that must not be contacted.
var ErrBlockedEndpoint = errors.New("endpoint not allowed")

// blockedHosts are internal names that resolve to metadata services.
var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// Carrier-grade NAT space is not covered by net.IP.IsPrivate.
var sharedAddressSpace = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

// EndpointValidator checks webhook callback URLs before the server calls them.
type EndpointValidator struct {
	// AllowPrivate permits loopback and private targets. Development only.
	AllowPrivate bool
	// RequireHTTPS rejects plain http callbacks.
	RequireHTTPS bool
	Resolver     *net.Resolver
	Timeout      time.Duration
}

// ValidateEndpointURL applies the strict policy: http or https, public
// addresses only.
func ValidateEndpointURL(rawURL string) error {
	return (&EndpointValidator{}).Validate(rawURL)
}

// Validate checks the scheme and host, then every address the host
// resolves to.
func (v *EndpointValidator) Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL format", ErrBlockedEndpoint)
	}
	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && !v.RequireHTTPS:
	default:
		return fmt.Errorf("%w: URL scheme %q not accepted", ErrBlockedEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: URL must have a host", ErrBlockedEndpoint)
	}
	if u.User != nil {
		return fmt.Errorf("%w: credentials in URL", ErrBlockedEndpoint)
	}
	if v.AllowPrivate {
		return nil
	}

	host := u.Hostname()
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: host %q", ErrBlockedEndpoint, host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	timeout := v.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	resolver := v.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ips, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve host %s", ErrBlockedEndpoint, host)
	}
	for _, ip := range ips {
		if err := checkIP(ip.IP); err != nil {
			return fmt.Errorf("host %q resolves to blocked address: %w", host, err)
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrBlockedEndpoint)
	case ip.IsPrivate(), sharedAddressSpace.Contains(ip):
		return fmt.Errorf("%w: private address", ErrBlockedEndpoint)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrBlockedEndpoint)
	case ip.IsUnspecified(), ip.IsMulticast():
		return fmt.Errorf("%w: non-unicast address", ErrBlockedEndpoint)
	}
	return nil
}
