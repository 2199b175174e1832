package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"
)

// ErrBlockedTarget is returned when the target resolves to a non-public address.
var ErrBlockedTarget = errors.New("Blocked URL") //nolint:staticcheck // surfaced verbatim to callers

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// TargetGuard rejects targets on loopback, private, link-local and similar
// networks so the proxy cannot be used to reach internal services.
type TargetGuard struct {
	resolver Resolver
}

// NewTargetGuard creates a TargetGuard. A nil resolver uses net.DefaultResolver.
func NewTargetGuard(r Resolver) *TargetGuard {
	if r == nil {
		r = net.DefaultResolver
	}
	return &TargetGuard{resolver: r}
}

// Check returns ErrBlockedTarget if host is, or resolves to, a non-public address.
func (g *TargetGuard) Check(ctx context.Context, host string) error {
	if addr, err := netip.ParseAddr(host); err == nil {
		if !isPublic(addr) {
			return ErrBlockedTarget
		}
		return nil
	}

	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, addr := range addrs {
		if !isPublic(addr) {
			return ErrBlockedTarget
		}
	}
	return nil
}

func isPublic(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsValid() &&
		!addr.IsLoopback() &&
		!addr.IsPrivate() &&
		!addr.IsLinkLocalUnicast() &&
		!addr.IsLinkLocalMulticast() &&
		!addr.IsInterfaceLocalMulticast() &&
		!addr.IsMulticast() &&
		!addr.IsUnspecified()
}

// DialControl is a net.Dialer Control hook that refuses connections to
// non-public addresses. It sees every connection the transport opens, so it
// also covers hosts whose DNS answer changed after Check.
func DialControl(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("parse dial address %q: %w", address, err)
	}
	if !isPublic(ap.Addr()) {
		return ErrBlockedTarget
	}
	return nil
}
