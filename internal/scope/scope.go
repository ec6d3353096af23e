// internal/scope/scope.go
package scope

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Domain is the organizational boundary of one target site.
type Domain struct {
	host       string
	rootDomain string
}

// New derives the scope from a target URL.
func New(rawURL string) (*Domain, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("target URL must have a hostname: %s", rawURL)
	}

	return &Domain{host: host, rootDomain: RootDomain(host)}, nil
}

// MustNew is New for compile-time constant URLs.
func MustNew(rawURL string) *Domain {
	d, err := New(rawURL)
	if err != nil {
		panic(err)
	}
	return d
}

// RootDomain returns the eTLD+1 of host, or host itself when it has none (IPs, localhost).
func RootDomain(host string) string {
	host = strings.TrimPrefix(strings.ToLower(host), ".")
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}

// Host returns the exact hostname of the target.
func (d *Domain) Host() string { return d.host }

// Root returns the eTLD+1 defining the scope.
func (d *Domain) Root() string { return d.rootDomain }

// ContainsHost reports whether host is the root domain or one of its subdomains.
func (d *Domain) ContainsHost(host string) bool {
	host = strings.TrimPrefix(strings.ToLower(host), ".")
	if host == d.rootDomain {
		return true
	}
	// the dot keeps "notexample.com" out of "example.com".
	return strings.HasSuffix(host, "."+d.rootDomain)
}

// Contains reports whether rawURL points into the scope. Unparseable URLs never do.
func (d *Domain) Contains(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	return d.ContainsHost(u.Hostname())
}

// Resolve joins a path onto the target's origin.
func Resolve(base, path string) string {
	b, err := url.Parse(base)
	if err != nil {
		return strings.TrimSuffix(base, "/") + path
	}
	ref, err := url.Parse(path)
	if err != nil {
		return strings.TrimSuffix(base, "/") + path
	}
	return b.ResolveReference(ref).String()
}

// Label returns a short name for a target URL, used in logs and reports.
func Label(rawURL string) string {
	d, err := New(rawURL)
	if err != nil {
		return rawURL
	}
	return d.host
}
