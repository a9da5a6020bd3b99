// Package egress vets outbound URLs supplied by clients before the service
// fetches them.
package egress

import (
	"context"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"filevora/models"

	"github.com/charmbracelet/log"
)

// AllowListVersion identifies the built-in host list. Bump it whenever the
// list changes.
const AllowListVersion = "2025.1"

// DefaultAllowList holds the cloud drive download hosts. A host matches when
// it equals an entry or is a subdomain of one.
var DefaultAllowList = []string{
	"content.dropboxapi.com",
	"dl.dropboxusercontent.com",
	"api.onedrive.com",
	"graph.microsoft.com",
	"www.googleapis.com",
	"drive.google.com",
}

// Special-purpose ranges the netip predicates do not cover.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("64:ff9b::/96"),
	netip.MustParsePrefix("64:ff9b:1::/48"),
	netip.MustParsePrefix("100::/64"),
	netip.MustParsePrefix("2001::/23"),
	netip.MustParsePrefix("2001:db8::/32"),
	netip.MustParsePrefix("2002::/16"),
}

// Resolver is the subset of *net.Resolver the guard needs.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

type Guard struct {
	allow    []string
	resolver Resolver
	logger   *log.Logger
}

// NewGuard returns a guard using DefaultAllowList. A nil resolver means the
// system resolver.
func NewGuard(resolver Resolver, logger *log.Logger) *Guard {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	allow := make([]string, len(DefaultAllowList))
	copy(allow, DefaultAllowList)
	return &Guard{allow: allow, resolver: resolver, logger: logger}
}

// Validate parses raw and returns it if the service may fetch it. Rejections
// are UnsafeURL errors and are logged at warn level.
func (g *Guard) Validate(ctx context.Context, raw string) (*url.URL, error) {
	u, err := g.check(ctx, raw)
	if err != nil {
		g.logger.Warn("Rejected outbound URL", "url", redact(raw), "reason", err.Error())
		return nil, err
	}
	return u, nil
}

func (g *Guard) check(ctx context.Context, raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, models.WrapError(models.KindUnsafeURL, "URL is malformed", err)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return nil, models.NewError(models.KindUnsafeURL, "only https URLs are allowed")
	}
	if u.User != nil {
		return nil, models.NewError(models.KindUnsafeURL, "URLs with credentials are not allowed")
	}
	host := normalizeHost(u.Hostname())
	if host == "" {
		return nil, models.NewError(models.KindUnsafeURL, "URL has no host")
	}
	if g.Allowed(host) {
		return u, nil
	}
	if _, err := g.vet(ctx, host); err != nil {
		return nil, err
	}
	return u, nil
}

// Allowed reports whether host is on the allow-list.
func (g *Guard) Allowed(host string) bool {
	host = normalizeHost(host)
	for _, entry := range g.allow {
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}

// vet resolves host and returns its addresses only if every one of them is
// publicly routable.
func (g *Guard) vet(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if Blocked(addr) {
			return nil, models.NewError(models.KindUnsafeURL, "URL points to a non-public address")
		}
		return []netip.Addr{addr.Unmap()}, nil
	}

	resolved, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, models.WrapError(models.KindUnsafeURL, "could not resolve host", err)
	}
	if len(resolved) == 0 {
		return nil, models.NewError(models.KindUnsafeURL, "host has no addresses")
	}

	addrs := make([]netip.Addr, 0, len(resolved))
	for _, ipAddr := range resolved {
		addr, ok := netip.AddrFromSlice(ipAddr.IP)
		if !ok || Blocked(addr) {
			return nil, models.NewError(models.KindUnsafeURL, "URL resolves to a non-public address")
		}
		addrs = append(addrs, addr.Unmap())
	}
	return addrs, nil
}

// Blocked reports whether addr must never be contacted.
func Blocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() || !addr.IsGlobalUnicast() {
		return true
	}
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsMulticast() || addr.IsUnspecified() {
		return true
	}
	for _, prefix := range blockedPrefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func normalizeHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}

// redact drops query strings and credentials, which may carry tokens.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<malformed>"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
