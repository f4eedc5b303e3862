package security

import (
	"net"
	"strings"
)

// AllowRule is one entry of the global egress allowlist: a domain (exact or
// suffix match), an optional port restriction, and an optional CIDR for
// IP-literal destinations.
type AllowRule struct {
	Domain string `yaml:"domain" json:"domain"`
	Port   int    `yaml:"port,omitempty" json:"port,omitempty"` // 0 = any
	CIDR   string `yaml:"cidr,omitempty" json:"cidr,omitempty"`
}

// Allowlist is the configured set of permitted egress destinations.
type Allowlist struct {
	rules []AllowRule
	nets  []*net.IPNet
}

// NewAllowlist parses rules; CIDRs that fail to parse are dropped.
func NewAllowlist(rules []AllowRule) *Allowlist {
	a := &Allowlist{rules: rules}
	for _, r := range rules {
		if r.CIDR == "" {
			a.nets = append(a.nets, nil)
			continue
		}
		_, ipNet, err := net.ParseCIDR(r.CIDR)
		if err != nil {
			a.nets = append(a.nets, nil)
			continue
		}
		a.nets = append(a.nets, ipNet)
	}
	return a
}

// Permits reports whether destination:port matches any rule. Domains match
// exactly or as a dot-suffix ("example.com" covers "api.example.com").
func (a *Allowlist) Permits(destination string, port int) bool {
	dest := strings.ToLower(strings.TrimSpace(destination))
	ip := net.ParseIP(dest)
	for i, r := range a.rules {
		if r.Port != 0 && r.Port != port {
			continue
		}
		if ip != nil && a.nets[i] != nil && a.nets[i].Contains(ip) {
			return true
		}
		domain := strings.ToLower(r.Domain)
		if domain == "" {
			continue
		}
		if dest == domain || strings.HasSuffix(dest, "."+domain) {
			return true
		}
	}
	return false
}

// CoversDomains reports whether every domain in the set is permitted on
// some port. Used to validate a manifest's egress_domains at registration.
func (a *Allowlist) CoversDomains(domains []string) (string, bool) {
	for _, d := range domains {
		if !a.permitsAnyPort(d) {
			return d, false
		}
	}
	return "", true
}

func (a *Allowlist) permitsAnyPort(destination string) bool {
	dest := strings.ToLower(strings.TrimSpace(destination))
	ip := net.ParseIP(dest)
	for i, r := range a.rules {
		if ip != nil && a.nets[i] != nil && a.nets[i].Contains(ip) {
			return true
		}
		domain := strings.ToLower(r.Domain)
		if domain == "" {
			continue
		}
		if dest == domain || strings.HasSuffix(dest, "."+domain) {
			return true
		}
	}
	return false
}
