package dnsproxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func startFakeUpstream(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	mux := dns.NewServeMux()
	mux.HandleFunc("example.com.", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		rr, _ := dns.NewRR("example.com. 120 IN A 93.184.216.34")
		m.Answer = append(m.Answer, rr)
		w.WriteMsg(m)
	})

	srv := &dns.Server{PacketConn: pc, Handler: mux}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })

	return pc.LocalAddr().String()
}

func TestProxyForwardsAndCachesARecord(t *testing.T) {
	upstream := startFakeUpstream(t)
	cache := NewCache(10)
	proxy := NewProxy(cache, upstream)

	query := new(dns.Msg)
	query.SetQuestion("example.com.", dns.TypeA)
	raw, err := query.Pack()
	if err != nil {
		t.Fatalf("pack query: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	respRaw, err := proxy.HandleQuery(ctx, raw)
	if err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(respRaw); err != nil {
		t.Fatalf("unpack response: %v", err)
	}
	if len(resp.Answer) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(resp.Answer))
	}

	domain, ok := cache.Lookup(net.IPv4(93, 184, 216, 34))
	if !ok || domain != "example.com." {
		t.Fatalf("cache lookup = (%q, %v), want (example.com., true)", domain, ok)
	}
}

func TestProxyRejectsMalformedQuery(t *testing.T) {
	cache := NewCache(10)
	proxy := NewProxy(cache, "127.0.0.1:1") // unreachable, irrelevant: fails at unpack
	_, err := proxy.HandleQuery(context.Background(), []byte{0x00, 0x01, 0x02})
	if err == nil {
		t.Fatal("expected error for malformed query")
	}
}
