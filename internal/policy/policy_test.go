package policy

import (
	"net"
	"testing"
)

// panicResolver panics on any lookup, so a test using it fails if the
// engine ever consults the DNS cache.
type panicResolver struct{}

func (panicResolver) Lookup(ip net.IP) (string, bool) {
	panic("DNS cache consulted for " + ip.String())
}

type fakeResolver map[string]string

func (f fakeResolver) Lookup(ip net.IP) (string, bool) {
	d, ok := f[ip.String()]
	return d, ok
}

func TestFirstMatchingRuleWins(t *testing.T) {
	port := uint16(443)
	_, deny, _ := net.ParseCIDR("10.0.0.0/8")
	e := NewEngine(Allow, nil)
	e.Rules = []Rule{
		{Matcher: Matcher{DstCIDR: deny}, Action: Deny},
		{Matcher: Matcher{DstPort: &port}, Action: Allow},
	}

	got := e.Evaluate(Packet{DstIP: net.IPv4(10, 1, 1, 1), DstPort: 443, Protocol: TCP})
	if got != Deny {
		t.Fatalf("expected Deny (first rule wins), got %v", got)
	}
}

func TestDefaultActionWhenNoRuleMatches(t *testing.T) {
	e := NewEngine(Deny, nil)
	got := e.Evaluate(Packet{DstIP: net.IPv4(8, 8, 8, 8), DstPort: 53, Protocol: UDP})
	if got != Deny {
		t.Fatalf("expected default Deny, got %v", got)
	}
}

func TestDomainPatternConsultsDNSCache(t *testing.T) {
	resolver := fakeResolver{"93.184.216.34": "sub.example.com."}
	e := NewEngine(Deny, resolver)
	e.Rules = []Rule{
		{Matcher: Matcher{DomainGlob: "*.example.com"}, Action: Allow},
	}
	got := e.Evaluate(Packet{DstIP: net.IPv4(93, 184, 216, 34), DstPort: 443, Protocol: TCP})
	if got != Allow {
		t.Fatalf("expected Allow via domain pattern, got %v", got)
	}
}

func TestRuleWithoutDomainPatternNeverConsultsCache(t *testing.T) {
	e := NewEngine(Deny, panicResolver{}) // panics if ever consulted
	e.Rules = []Rule{
		{Matcher: Matcher{}, Action: Allow},
	}
	got := e.Evaluate(Packet{DstIP: net.IPv4(1, 1, 1, 1), DstPort: 80, Protocol: TCP})
	if got != Allow {
		t.Fatalf("expected Allow, got %v", got)
	}
}

func TestDomainPatternMissingFromCacheFallsThroughToNextRule(t *testing.T) {
	resolver := fakeResolver{}
	e := NewEngine(Deny, resolver)
	e.Rules = []Rule{
		{Matcher: Matcher{DomainGlob: "*.example.com"}, Action: Allow},
		{Matcher: Matcher{}, Action: Allow},
	}
	got := e.Evaluate(Packet{DstIP: net.IPv4(2, 2, 2, 2), DstPort: 80, Protocol: TCP})
	if got != Allow {
		t.Fatalf("expected fallthrough rule to apply, got %v", got)
	}
}
