package dnsproxy

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Timeout bounds how long the proxy waits for an upstream resolver.
const Timeout = 5 * time.Second

// DefaultUpstream is the upstream resolver used when none is configured.
const DefaultUpstream = "8.8.8.8:53"

// Proxy forwards DNS queries to an upstream resolver and populates a Cache
// with each A record's IP->domain mapping, so the policy engine can later
// resolve a destination IP back to the domain it answered for.
type Proxy struct {
	Cache    *Cache
	Upstream string
	client   *dns.Client
}

// NewProxy constructs a proxy forwarding to upstream (falls back to
// DefaultUpstream if empty) and populating cache.
func NewProxy(cache *Cache, upstream string) *Proxy {
	if upstream == "" {
		upstream = DefaultUpstream
	}
	return &Proxy{
		Cache:    cache,
		Upstream: upstream,
		client:   &dns.Client{Timeout: Timeout},
	}
}

// HandleQuery forwards a raw DNS query (as seen on UDP port 53) to the
// upstream resolver, caches any A records in the response, and returns the
// raw response bytes to be written back to the querying guest.
func (p *Proxy) HandleQuery(ctx context.Context, query []byte) ([]byte, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(query); err != nil {
		return nil, fmt.Errorf("dnsproxy: malformed query: %w", err)
	}
	if len(msg.Question) == 0 {
		return nil, fmt.Errorf("dnsproxy: query with no question section")
	}

	reqCtx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	resp, _, err := p.exchangeContext(reqCtx, msg)
	if err != nil {
		return nil, fmt.Errorf("dnsproxy: upstream exchange failed: %w", err)
	}

	p.cacheARecords(resp)

	out, err := resp.Pack()
	if err != nil {
		return nil, fmt.Errorf("dnsproxy: failed to pack response: %w", err)
	}
	return out, nil
}

func (p *Proxy) exchangeContext(ctx context.Context, msg *dns.Msg) (*dns.Msg, time.Duration, error) {
	type result struct {
		resp *dns.Msg
		rtt  time.Duration
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, rtt, err := p.client.Exchange(msg, p.Upstream)
		ch <- result{resp, rtt, err}
	}()
	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	case r := <-ch:
		return r.resp, r.rtt, r.err
	}
}

// cacheARecords inserts (record_ip, qname, record_ttl) for every A record
// in the response, matching each answer's own qname (handles CNAME chains).
func (p *Proxy) cacheARecords(resp *dns.Msg) {
	if resp == nil {
		return
	}
	for _, rr := range resp.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		ip := net.IP(a.A)
		ttl := time.Duration(a.Hdr.Ttl) * time.Second
		p.Cache.Insert(ip, dns.Fqdn(a.Hdr.Name), ttl)
	}
}
