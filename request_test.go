// SPDX-License-Identifier: GPL-3.0-or-later

package resolve

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// udpHarness wires a [*Context] to one [*fakeUDPConn] per nameserver
// address it dials, so tests can inspect every datagram a request sends
// and push back canned replies without touching the network.
type udpHarness struct {
	mu     sync.Mutex
	conns  map[string]*fakeUDPConn
	writes atomic.Int32
}

func newUDPHarness() *udpHarness {
	return &udpHarness{conns: make(map[string]*fakeUDPConn)}
}

func (h *udpHarness) dialer() Dialer {
	return netDialerStub{
		dialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			conn, ok := h.conns[address]
			if !ok {
				conn = newFakeUDPConn(func([]byte) { h.writes.Add(1) })
				h.conns[address] = conn
			}
			return conn, nil
		},
	}
}

func (h *udpHarness) connFor(addr string) *fakeUDPConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[addr]
}

func newTestContext(h *udpHarness, clk Clock) *Context {
	return NewContext(
		WithDialer(h.dialer()),
		WithClock(clk),
		WithSpread(0),
		WithInterval(500*time.Millisecond),
		WithExpire(2*time.Second),
	)
}

func packReply(t *testing.T, m *dns.Msg) []byte {
	t.Helper()
	raw, err := m.Pack()
	require.NoError(t, err)
	return raw
}

func TestRequestFanOut(t *testing.T) {
	h := newUDPHarness()
	clk := newFakeClock()
	ctx := newTestContext(h, clk)
	ctx.Nameserver(netip.MustParseAddr("192.0.2.1"))
	ctx.Nameserver(netip.MustParseAddr("192.0.2.2"))
	ctx.Nameserver(netip.MustParseAddr("192.0.2.3"))

	handler := &stubHandler{}
	req := ctx.Query("example.com", dns.TypeA, handler)
	require.NotNil(t, req)

	// Spread is 0, so the 2nd and 3rd sends are scheduled for "now" rather
	// than sent synchronously; flush them.
	clk.Advance(0)
	require.EqualValues(t, 3, h.writes.Load())
	req.Cancel()
}

func TestRequestFanOutWithSpread(t *testing.T) {
	h := newUDPHarness()
	clk := newFakeClock()
	ctx := NewContext(
		WithDialer(h.dialer()),
		WithClock(clk),
		WithSpread(100*time.Millisecond),
		WithInterval(500*time.Millisecond),
		WithExpire(2*time.Second),
	)
	ctx.Nameserver(netip.MustParseAddr("192.0.2.1"))
	ctx.Nameserver(netip.MustParseAddr("192.0.2.2"))

	handler := &stubHandler{}
	req := ctx.Query("example.com", dns.TypeA, handler)
	require.NotNil(t, req)
	require.EqualValues(t, 1, h.writes.Load(), "second server's send is deferred by spread")

	clk.Advance(100 * time.Millisecond)
	require.EqualValues(t, 2, h.writes.Load())
	req.Cancel()
}

func TestRequestSingleDeliveryOnSuccess(t *testing.T) {
	h := newUDPHarness()
	clk := newFakeClock()
	ctx := newTestContext(h, clk)
	ctx.Nameserver(netip.MustParseAddr("192.0.2.1"))

	handler := &stubHandler{}
	req := ctx.Query("example.com", dns.TypeA, handler)
	require.NotNil(t, req)

	reply := newAReply(t, req.query, dns.RcodeSuccess, false, aRecord(t, "example.com", 3600, "93.184.216.34"))
	h.connFor("192.0.2.1:53").push(packReply(t, reply))

	require.Eventually(t, func() bool { return handler.callCount() == 1 }, time.Second, time.Millisecond)
	require.Len(t, handler.successes, 1)
	var got []ARecord
	for a := range handler.successes[0].A() {
		got = append(got, a)
	}
	require.Len(t, got, 1)
	require.Equal(t, "93.184.216.34", got[0].Addr.String())
	require.EqualValues(t, 3600, got[0].TTL)
}

func TestRequestNXDomain(t *testing.T) {
	h := newUDPHarness()
	clk := newFakeClock()
	ctx := newTestContext(h, clk)
	ctx.Nameserver(netip.MustParseAddr("192.0.2.1"))

	handler := &stubHandler{}
	req := ctx.Query("nonexistent.invalid", dns.TypeA, handler)
	require.NotNil(t, req)

	reply := newAReply(t, req.query, dns.RcodeNameError, false)
	h.connFor("192.0.2.1:53").push(packReply(t, reply))

	require.Eventually(t, func() bool { return handler.callCount() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, []Error{ErrNXDomain}, handler.failures)
}

func TestRequestIgnoresSecondMatchingResponse(t *testing.T) {
	h := newUDPHarness()
	clk := newFakeClock()
	ctx := newTestContext(h, clk)
	ctx.Nameserver(netip.MustParseAddr("192.0.2.1"))
	ctx.Nameserver(netip.MustParseAddr("192.0.2.2"))

	handler := &stubHandler{}
	req := ctx.Query("example.com", dns.TypeA, handler)
	require.NotNil(t, req)
	clk.Advance(0)

	reply := newAReply(t, req.query, dns.RcodeSuccess, false, aRecord(t, "example.com", 60, "203.0.113.1"))
	raw := packReply(t, reply)
	h.connFor("192.0.2.1:53").push(raw)
	h.connFor("192.0.2.2:53").push(raw)

	require.Eventually(t, func() bool { return handler.callCount() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, handler.callCount(), "only the first matching response should be delivered")
}

func TestRequestCancelSuppressesHandler(t *testing.T) {
	h := newUDPHarness()
	clk := newFakeClock()
	ctx := newTestContext(h, clk)
	ctx.Nameserver(netip.MustParseAddr("192.0.2.1"))

	handler := &stubHandler{}
	req := ctx.Query("x.example", dns.TypeA, handler)
	require.NotNil(t, req)
	req.Cancel()

	reply := newAReply(t, req.query, dns.RcodeSuccess, false, aRecord(t, "x.example", 60, "203.0.113.1"))
	h.connFor("192.0.2.1:53").push(packReply(t, reply))

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, handler.callCount())
}

func TestRequestRetryScheduling(t *testing.T) {
	h := newUDPHarness()
	clk := newFakeClock()
	ctx := NewContext(
		WithDialer(h.dialer()),
		WithClock(clk),
		WithSpread(0),
		WithInterval(500*time.Millisecond),
		WithExpire(2*time.Second),
	)
	ctx.Nameserver(netip.MustParseAddr("192.0.2.1"))

	handler := &stubHandler{}
	req := ctx.Query("slow.example", dns.TypeA, handler)
	require.NotNil(t, req)
	require.EqualValues(t, 1, h.writes.Load())

	clk.Advance(500 * time.Millisecond)
	require.EqualValues(t, 2, h.writes.Load())
	clk.Advance(500 * time.Millisecond)
	require.EqualValues(t, 3, h.writes.Load())
	clk.Advance(500 * time.Millisecond)
	require.EqualValues(t, 4, h.writes.Load())
	require.Equal(t, 0, handler.callCount(), "expire has not yet elapsed")

	clk.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool { return handler.callCount() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, []Error{ErrNetwork}, handler.failures)
}

func TestRequestTruncationUpgradesToTCP(t *testing.T) {
	h := newUDPHarness()
	clk := newFakeClock()

	var tcpDialed atomic.Bool
	tcpQuery := make(chan []byte, 1)

	dialer := netDialerStub{
		dialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			if network == "tcp" {
				tcpDialed.Store(true)
				return &connStub{
					writeFunc: func(b []byte) (int, error) {
						cp := append([]byte(nil), b...)
						tcpQuery <- cp
						return len(b), nil
					},
					readFunc: blockingRead,
				}, nil
			}
			h.mu.Lock()
			defer h.mu.Unlock()
			conn, ok := h.conns[address]
			if !ok {
				conn = newFakeUDPConn(func([]byte) { h.writes.Add(1) })
				h.conns[address] = conn
			}
			return conn, nil
		},
	}

	ctx := NewContext(
		WithDialer(dialer),
		WithClock(clk),
		WithSpread(0),
		WithInterval(500*time.Millisecond),
		WithExpire(2*time.Second),
	)
	ctx.Nameserver(netip.MustParseAddr("192.0.2.1"))

	handler := &stubHandler{}
	req := ctx.Query("huge.example", dns.TypeTXT, handler)
	require.NotNil(t, req)

	truncated := newAReply(t, req.query, dns.RcodeSuccess, true)
	h.connFor("192.0.2.1:53").push(packReply(t, truncated))

	require.Eventually(t, func() bool { return tcpDialed.Load() }, time.Second, time.Millisecond)

	// A UDP reply arriving after the TCP upgrade must be ignored.
	secondUDP := newAReply(t, req.query, dns.RcodeSuccess, false, aRecord(t, "huge.example", 60, "203.0.113.9"))
	h.connFor("192.0.2.1:53").push(packReply(t, secondUDP))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, handler.callCount())
}

// blockingRead never returns, for a connStub whose test only needs to
// prove a TCP dial happened without ever completing the round trip.
func blockingRead([]byte) (int, error) {
	select {}
}

func TestRequestExactlyOneTCPConnectionOnTruncation(t *testing.T) {
	h := newUDPHarness()
	clk := newFakeClock()

	var dialCount atomic.Int32
	dialer := netDialerStub{
		dialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			if network == "tcp" {
				dialCount.Add(1)
				return &connStub{
					writeFunc: func(b []byte) (int, error) { return len(b), nil },
					readFunc:  blockingRead,
				}, nil
			}
			h.mu.Lock()
			defer h.mu.Unlock()
			conn, ok := h.conns[address]
			if !ok {
				conn = newFakeUDPConn(nil)
				h.conns[address] = conn
			}
			return conn, nil
		},
	}

	ctx := NewContext(
		WithDialer(dialer),
		WithClock(clk),
		WithSpread(0),
		WithInterval(500*time.Millisecond),
		WithExpire(2*time.Second),
	)
	ctx.Nameserver(netip.MustParseAddr("192.0.2.1"))

	handler := &stubHandler{}
	req := ctx.Query("huge.example", dns.TypeTXT, handler)
	require.NotNil(t, req)

	truncated := newAReply(t, req.query, dns.RcodeSuccess, true)
	raw := packReply(t, truncated)
	// Offer the same truncated datagram twice, as if two UDP sockets both
	// delivered it; only one TCP connection must ever be opened.
	h.connFor("192.0.2.1:53").push(raw)
	time.Sleep(20 * time.Millisecond)
	req.onUDPDatagram(req.nameservers[0], raw)

	require.Eventually(t, func() bool { return dialCount.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 1, dialCount.Load())
}

func TestQueryPTRBuildsReverseName(t *testing.T) {
	h := newUDPHarness()
	clk := newFakeClock()
	ctx := newTestContext(h, clk)
	ctx.Nameserver(netip.MustParseAddr("192.0.2.1"))

	handler := &stubHandler{}
	req := ctx.QueryPTR(netip.MustParseAddr("93.184.216.34"), handler)
	require.NotNil(t, req)
	require.Equal(t, dns.TypePTR, req.Type())
	require.Contains(t, req.Domain(), "in-addr.arpa")
	req.Cancel()
}

func TestQueryRejectsInvalidType(t *testing.T) {
	ctx := NewContext()
	ctx.Nameserver(netip.MustParseAddr("192.0.2.1"))
	require.Nil(t, ctx.Query("example.com", 0xFFFF, &stubHandler{}))
}

func TestQueryRejectsNoNameservers(t *testing.T) {
	ctx := NewContext()
	require.Nil(t, ctx.Query("example.com", dns.TypeA, &stubHandler{}))
}

func TestQueryRejectsInvalidDomain(t *testing.T) {
	ctx := NewContext()
	ctx.Nameserver(netip.MustParseAddr("192.0.2.1"))
	tooLongLabel := strings.Repeat("a", 64) + ".example.com"
	require.Nil(t, ctx.Query(tooLongLabel, dns.TypeA, &stubHandler{}))
}
