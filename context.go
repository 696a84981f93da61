// SPDX-License-Identifier: GPL-3.0-or-later

package resolve

import (
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// Context is the entry point of the package: a set of configured
// nameservers plus the tuning knobs that govern every [*Request] it
// creates. Build one with [NewContext] and reuse it for the lifetime of a
// process; a Context is safe for concurrent use.
type Context struct {
	mu          sync.Mutex
	nameservers []*Nameserver
	requests    map[*Request]struct{}

	dialer Dialer
	clock  Clock
	logger *slog.Logger
	hosts  hostsDatabase

	bufferSize     uint16
	sockets        int
	socketRequests int
	expire         time.Duration
	spread         time.Duration
	interval       time.Duration
	dnssec         bool
}

// ConfigOption configures a [*Context] built by [NewContext].
type ConfigOption func(*Context)

// WithBufferSize sets the EDNS(0) UDP payload size advertised in queries and
// the socket buffer size requested from the OS when opening new sockets.
// Zero (the default) means "use the OS default for sockets, 1232 for EDNS".
func WithBufferSize(n uint16) ConfigOption {
	return func(c *Context) { c.bufferSize = n }
}

// WithSockets caps the number of UDP sockets a single nameserver may open.
func WithSockets(n int) ConfigOption {
	return func(c *Context) {
		if n > 0 {
			c.sockets = n
		}
	}
}

// WithSocketRequests caps the number of outstanding queries a single UDP
// socket may carry before the nameserver opens another one.
func WithSocketRequests(n int) ConfigOption {
	return func(c *Context) {
		if n > 0 {
			c.socketRequests = n
		}
	}
}

// WithExpire sets the total time a request is allowed to remain in flight
// before it fails with [ErrNetwork].
func WithExpire(d time.Duration) ConfigOption {
	return func(c *Context) {
		if d > 0 {
			c.expire = d
		}
	}
}

// WithSpread sets the delay between the first datagrams sent to successive
// nameservers on a request's initial send burst.
func WithSpread(d time.Duration) ConfigOption {
	return func(c *Context) { c.spread = d }
}

// WithInterval sets the retry period: how long a request waits for a reply
// before resending to every subscribed nameserver.
func WithInterval(d time.Duration) ConfigOption {
	return func(c *Context) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithDNSSEC requests the DNSSEC-OK bit on every query issued by this
// context.
func WithDNSSEC(enabled bool) ConfigOption {
	return func(c *Context) { c.dnssec = enabled }
}

// WithDialer overrides the [Dialer] used for both UDP sockets and TCP
// fallback connections. Tests use this to avoid the network.
func WithDialer(d Dialer) ConfigOption {
	return func(c *Context) { c.dialer = d }
}

// WithClock overrides the [Clock] used for retry/expiry scheduling. Tests
// use this for deterministic timing.
func WithClock(clk Clock) ConfigOption {
	return func(c *Context) { c.clock = clk }
}

// WithLogger attaches a structured logger. Defaults to [slog.Default].
func WithLogger(logger *slog.Logger) ConfigOption {
	return func(c *Context) { c.logger = logger }
}

// NewContext builds a [*Context] with sensible defaults, then applies opts
// in order.
func NewContext(opts ...ConfigOption) *Context {
	c := &Context{
		requests:       make(map[*Request]struct{}),
		dialer:         &net.Dialer{},
		clock:          SystemClock{},
		logger:         slog.Default(),
		sockets:        1,
		socketRequests: 32,
		expire:         60 * time.Second,
		spread:         100 * time.Millisecond,
		interval:       2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewContextWithDefaults builds a [*Context] the way a stub resolver
// usually starts: nameservers read from the system resolver configuration
// (/etc/resolv.conf on Unix), falling back to the public resolvers
// 8.8.8.8 and 1.1.1.1 when none can be read, plus whatever static bindings
// /etc/hosts defines (see [*Context.LookupHosts]).
func NewContextWithDefaults(opts ...ConfigOption) (*Context, error) {
	c := NewContext(opts...)
	cfg, err := readSystemConfig()
	if err != nil || len(cfg.Nameservers) == 0 {
		c.Nameserver(netip.MustParseAddr("8.8.8.8"))
		c.Nameserver(netip.MustParseAddr("1.1.1.1"))
	} else {
		for _, addr := range cfg.Nameservers {
			c.Nameserver(addr)
		}
	}
	if hosts, err := readHostsFile(defaultHostsPath); err == nil {
		c.hosts = hosts
	}
	return c, nil
}

// LookupHosts returns the addresses /etc/hosts statically binds to name
// for qtype (A or AAAA only), or nil when the context was not built with
// [NewContextWithDefaults] or the name has no static entry. This never
// performs network I/O; callers that want hosts(5) to take priority over
// a live lookup should check it before calling [*Context.Query].
func (c *Context) LookupHosts(name string, qtype uint16) []netip.Addr {
	if c.hosts == nil {
		return nil
	}
	return c.hosts.lookup(name, qtype)
}

// Nameserver adds addr to the roster of servers new requests fan out to.
// Requests already in flight are unaffected.
func (c *Context) Nameserver(addr netip.Addr) *Nameserver {
	ns := newNameserver(addr, c.dialer, c.logger, c.sockets, c.socketRequests, int(c.bufferSize))
	c.mu.Lock()
	c.nameservers = append(c.nameservers, ns)
	c.mu.Unlock()
	return ns
}

// Clear empties the nameserver roster. Requests already in flight keep the
// subscriptions they were created with.
func (c *Context) Clear() {
	c.mu.Lock()
	c.nameservers = nil
	c.mu.Unlock()
}

func (c *Context) nameserverSnapshot() []*Nameserver {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Nameserver, len(c.nameservers))
	copy(out, c.nameservers)
	return out
}

// Query starts an asynchronous lookup of domain for record type qtype,
// invoking a method on handler exactly once when the request terminates.
// It returns nil, performing no I/O, when domain does not parse as a
// domain name, qtype is not a recognized RR type (the reserved values 0 and
// 65535 included), or no nameserver is configured.
func (c *Context) Query(domain string, qtype uint16, handler Handler) *Request {
	if _, ok := dns.TypeToString[qtype]; !ok || qtype == dns.TypeNone || qtype == dns.TypeReserved {
		return nil
	}
	if _, ok := dns.IsDomainName(domain); !ok {
		return nil
	}
	servers := c.nameserverSnapshot()
	if len(servers) == 0 {
		return nil
	}
	req := newRequest(c, domain, qtype, handler, servers)
	c.addRequest(req)
	req.start()
	return req
}

// QueryPTR starts an asynchronous reverse lookup of ip. It is equivalent to
// calling [*Context.Query] with the in-addr.arpa (RFC 1035) or ip6.arpa
// (RFC 3596) name that corresponds to ip and type PTR.
func (c *Context) QueryPTR(ip netip.Addr, handler Handler) *Request {
	if !ip.IsValid() {
		return nil
	}
	name := dns.Fqdn(reverseName(ip))
	return c.Query(name, dns.TypePTR, handler)
}

func (c *Context) addRequest(req *Request) {
	c.mu.Lock()
	c.requests[req] = struct{}{}
	c.mu.Unlock()
}

func (c *Context) removeRequest(req *Request) {
	c.mu.Lock()
	delete(c.requests, req)
	c.mu.Unlock()
}

// reverseName builds the in-addr.arpa / ip6.arpa owner name for ip.
func reverseName(ip netip.Addr) string {
	arpa, _ := dns.ReverseAddr(ip.String())
	return arpa
}
