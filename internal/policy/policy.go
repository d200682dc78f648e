// Package policy implements the ordered allow/deny rule matcher the NAT
// gateway consults for outbound packets. First matching rule wins; rules
// may match on source, destination, port, protocol, and the domain the
// destination IP last resolved to.
package policy

import (
	"net"
	"strings"

	"github.com/apparentlymart/go-cidr/cidr"
)

// Action is the rule verdict.
type Action int

const (
	Deny Action = iota
	Allow
)

// Protocol restricts a rule to one transport, or either if Any.
type Protocol int

const (
	Any Protocol = iota
	TCP
	UDP
)

// Matcher is a conjunction over optional fields; a nil/zero field is not
// checked (always matches).
type Matcher struct {
	SrcIP      *net.IPNet
	DstCIDR    *net.IPNet
	DomainGlob string // suffix glob, e.g. "*.example.com"
	DstPort    *uint16
	Protocol   Protocol
}

// Rule pairs a matcher with the action taken when it matches.
type Rule struct {
	Matcher Matcher
	Action  Action
}

// DomainResolver looks up the domain a destination IP last resolved to, as
// populated by the DNS reverse cache.
type DomainResolver interface {
	Lookup(ip net.IP) (string, bool)
}

// Engine evaluates an ordered rule list against outbound packets.
type Engine struct {
	Rules   []Rule
	Default Action
	DNS     DomainResolver
}

// NewEngine constructs an engine with the given default action (applied
// when no rule matches).
func NewEngine(defaultAction Action, dns DomainResolver) *Engine {
	return &Engine{Default: defaultAction, DNS: dns}
}

// Packet is the minimal 5-tuple the engine needs to evaluate a rule.
type Packet struct {
	SrcIP    net.IP
	DstIP    net.IP
	DstPort  uint16
	Protocol Protocol
}

// Evaluate returns the action for pkt: first matching rule wins; if no rule
// matches, Default applies.
func (e *Engine) Evaluate(pkt Packet) Action {
	for _, rule := range e.Rules {
		if e.matches(rule.Matcher, pkt) {
			return rule.Action
		}
	}
	return e.Default
}

func (e *Engine) matches(m Matcher, pkt Packet) bool {
	if m.SrcIP != nil && !m.SrcIP.Contains(pkt.SrcIP) {
		return false
	}
	if m.DstCIDR != nil && !m.DstCIDR.Contains(pkt.DstIP) {
		return false
	}
	if m.Protocol != Any && m.Protocol != pkt.Protocol {
		return false
	}
	if m.DstPort != nil && *m.DstPort != pkt.DstPort {
		return false
	}
	if m.DomainGlob != "" {
		// Rules without a domain pattern never consult the cache; this
		// branch only runs when DomainGlob is set.
		if e.DNS == nil {
			return false
		}
		domain, ok := e.DNS.Lookup(pkt.DstIP)
		if !ok {
			return false
		}
		if !matchSuffixGlob(m.DomainGlob, domain) {
			return false
		}
	}
	return true
}

// matchSuffixGlob implements the "*.example.com"-style suffix glob. The
// bare apex also matches its own wildcard: "*.example.com" accepts
// "example.com", which is what rule authors expect in practice.
func matchSuffixGlob(pattern, domain string) bool {
	pattern = strings.TrimSuffix(pattern, ".")
	domain = strings.TrimSuffix(domain, ".")
	if !strings.HasPrefix(pattern, "*.") {
		return strings.EqualFold(pattern, domain)
	}
	suffix := pattern[1:] // ".example.com"
	if strings.EqualFold(domain, suffix[1:]) {
		return true
	}
	return len(domain) > len(suffix) && strings.HasSuffix(strings.ToLower(domain), strings.ToLower(suffix))
}

// ParseCIDR builds a Matcher.DstCIDR value, dropping the host bits the way
// rule files write subnets ("10.0.0.5/8" means the /8).
func ParseCIDR(s string) (*net.IPNet, error) {
	_, network, err := net.ParseCIDR(s)
	if err != nil {
		return nil, err
	}
	return network, nil
}

// SubnetContains reports whether ip falls within subnet, comparing it with
// the subnet's first and last addresses as computed by go-cidr.
func SubnetContains(subnet *net.IPNet, ip net.IP) bool {
	first, last := cidr.AddressRange(subnet)
	return bytesGE(ip, first) && bytesGE(last, ip)
}

func bytesGE(a, b net.IP) bool {
	a4, b4 := a.To4(), b.To4()
	if a4 == nil || b4 == nil {
		return false
	}
	for i := 0; i < 4; i++ {
		if a4[i] != b4[i] {
			return a4[i] > b4[i]
		}
	}
	return true
}
