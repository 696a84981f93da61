// SPDX-License-Identifier: GPL-3.0-or-later

package resolve

import (
	"context"
	"sync"
	"time"
)

type requestState int

const (
	statePendingUDP requestState = iota
	statePendingTCP
	stateTerminal
)

// Request is one in-flight lookup created by [*Context.Query] or
// [*Context.QueryPTR]. It is subscribed to every nameserver of its context
// from creation until it reaches its terminal state, at which point it
// invokes exactly one method on its [Handler] (unless [*Request.Cancel]
// was called first) and releases every resource it was holding.
//
// A *Request is safe for concurrent use; in particular, [*Request.Cancel]
// may be called from any goroutine, including from within the handler
// callback itself.
type Request struct {
	ctx     *Context
	domain  string
	qtype   uint16
	handler Handler
	query   *Query

	nameservers []*Nameserver
	clock       Clock

	msgBytes []byte

	mu       sync.Mutex
	state    requestState
	sockets  map[*Nameserver]*udpSocket
	timer    Timer
	tcpConn  *connection
	started  time.Time
	expires  time.Time
	canceled bool
	once     sync.Once
}

func newRequest(ctx *Context, domain string, qtype uint16, handler Handler, servers []*Nameserver) *Request {
	return &Request{
		ctx:         ctx,
		domain:      domain,
		qtype:       qtype,
		handler:     handler,
		query:       NewQuery(domain, qtype, ctx.bufferSize, ctx.dnssec),
		nameservers: servers,
		sockets:     make(map[*Nameserver]*udpSocket),
		clock:       ctx.clock,
	}
}

// Domain returns the domain name being looked up.
func (r *Request) Domain() string { return r.domain }

// Type returns the RR type being looked up.
func (r *Request) Type() uint16 { return r.qtype }

// ID returns the 16-bit query identifier this request was sent with.
func (r *Request) ID() uint16 { return r.query.ID() }

// Cancel marks the request so its handler will never be invoked, and
// releases its sockets, timers, and nameserver subscriptions immediately
// rather than waiting for a reply or the expire deadline. It is safe to
// call more than once and safe to call after the request has already
// terminated.
func (r *Request) Cancel() {
	r.mu.Lock()
	r.canceled = true
	terminal := r.state == stateTerminal
	r.mu.Unlock()
	if terminal {
		// finish already ran or is running (possibly this very goroutine,
		// from inside the handler); re-entering it would deadlock.
		return
	}
	r.finish(func() {})
}

// start builds the wire message, subscribes to every nameserver, sends the
// first burst (staggered by the context's spread setting), and arms the
// retry timer. Called once, synchronously, from [*Context.Query].
func (r *Request) start() {
	r.mu.Lock()
	r.started = r.clock.Now()
	r.expires = r.started.Add(r.ctx.expire)
	r.mu.Unlock()

	msg, err := r.query.NewMsg()
	if err != nil {
		r.finishFailure(ErrMalformed)
		return
	}
	raw, err := msg.Pack()
	if err != nil {
		r.finishFailure(ErrMalformed)
		return
	}
	r.msgBytes = raw

	for _, ns := range r.nameservers {
		ns.subscribe(r.query.ID(), r)
	}

	bg := context.Background()
	for k, ns := range r.nameservers {
		if k == 0 {
			r.sendTo(bg, ns)
			continue
		}
		delay := time.Duration(k) * r.ctx.spread
		target := ns
		r.clock.AfterFunc(delay, func() { r.sendToIfLive(bg, target) })
	}

	r.mu.Lock()
	r.armTimer()
	r.mu.Unlock()
}

// armTimer schedules the next retry or expiry. Callers must hold r.mu.
func (r *Request) armTimer() {
	now := r.clock.Now()
	next := now.Add(r.ctx.interval)
	if next.After(r.expires) {
		next = r.expires
	}
	d := next.Sub(now)
	if d < 0 {
		d = 0
	}
	r.timer = r.clock.AfterFunc(d, r.onTimer)
}

// onTimer fires on every retry/expiry tick. If the expire deadline has
// passed it terminates the request with [ErrNetwork]; otherwise it resends
// to every subscribed nameserver and rearms.
func (r *Request) onTimer() {
	r.mu.Lock()
	if r.state == stateTerminal {
		r.mu.Unlock()
		return
	}
	if !r.clock.Now().Before(r.expires) {
		r.mu.Unlock()
		r.finishFailure(ErrNetwork)
		return
	}
	servers := r.nameservers
	r.armTimer()
	r.mu.Unlock()

	bg := context.Background()
	for _, ns := range servers {
		r.sendTo(bg, ns)
	}
}

// sendToIfLive sends only if the request has not already reached its
// terminal state, avoiding a write through an already-released socket from
// a spread-delayed initial send that lost a race with an early answer.
func (r *Request) sendToIfLive(ctx context.Context, ns *Nameserver) {
	r.mu.Lock()
	live := r.state != stateTerminal
	r.mu.Unlock()
	if live {
		r.sendTo(ctx, ns)
	}
}

// sendTo writes the query to ns, acquiring a socket from its pool on the
// first send and reusing the same socket for every retry so the pool's
// per-socket accounting reflects one outstanding query per nameserver, not
// one per send.
func (r *Request) sendTo(ctx context.Context, ns *Nameserver) {
	r.mu.Lock()
	socket, ok := r.sockets[ns]
	r.mu.Unlock()

	if !ok {
		var err error
		socket, err = ns.acquireSocket(ctx)
		if err != nil {
			r.ctx.logger.Warn("resolve: failed to acquire udp socket", "nameserver", ns.Addr(), "error", err)
			return
		}
		r.mu.Lock()
		r.sockets[ns] = socket
		r.mu.Unlock()
	}

	if err := socket.write(r.msgBytes); err != nil {
		r.ctx.logger.Warn("resolve: udp write failed", "nameserver", ns.Addr(), "error", err)
	}
}

// onUDPDatagram is called by a [*Nameserver] for every datagram whose ID
// matched this request's subscription. A datagram that fails to parse is
// dropped silently: the request keeps waiting, exactly as it would for any
// other datagram that was never sent. A datagram that parses but does not
// match this request's question (an ID collision) is ignored the same way.
func (r *Request) onUDPDatagram(ns *Nameserver, raw []byte) {
	resp, err := newResponse(r.query, raw)
	if err != nil {
		r.ctx.logger.Debug("resolve: malformed udp reply", "nameserver", ns.Addr())
		return
	}
	if resp == nil {
		return
	}

	r.mu.Lock()
	if r.state != statePendingUDP {
		r.mu.Unlock()
		return
	}
	if resp.Truncated() {
		r.state = statePendingTCP
		if r.timer != nil {
			r.timer.Stop()
		}
		r.mu.Unlock()
		go r.upgradeToTCP(ns)
		return
	}
	r.mu.Unlock()

	r.finishWithResponse(resp)
}

// upgradeToTCP retries the question over TCP to ns after a truncated UDP
// reply, bounded by the request's remaining expire budget.
func (r *Request) upgradeToTCP(ns *Nameserver) {
	r.mu.Lock()
	deadline := r.expires
	r.mu.Unlock()

	dialCtx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	conn, err := dialConnection(dialCtx, r.ctx.dialer, ns.address())
	if err != nil {
		r.finishFailure(ErrNetwork)
		return
	}
	defer conn.close()

	r.mu.Lock()
	if r.state == stateTerminal {
		r.mu.Unlock()
		return
	}
	r.tcpConn = conn
	r.mu.Unlock()

	raw, err := r.msgForTCP()
	if err != nil {
		r.finishFailure(ErrMalformed)
		return
	}

	reply, err := conn.exchange(dialCtx, raw)
	if err != nil {
		if kind, ok := err.(Error); ok {
			r.finishFailure(kind)
			return
		}
		r.finishFailure(ErrNetwork)
		return
	}

	resp := newResponseFromMsg(r.query, reply)
	if resp == nil {
		r.finishFailure(ErrMalformed)
		return
	}
	r.finishWithResponse(resp)
}

func (r *Request) msgForTCP() ([]byte, error) {
	msg, err := r.query.NewMsg()
	if err != nil {
		return nil, err
	}
	return msg.Pack()
}

func (r *Request) unsubscribeAll() {
	for _, ns := range r.nameservers {
		ns.unsubscribe(r.query.ID(), r)
	}
}

func (r *Request) finishWithResponse(resp *Response) {
	r.finish(func() {
		dispatchTyped(r.handler, r, resp)
	})
}

func (r *Request) finishFailure(kind Error) {
	r.finish(func() {
		r.handler.OnFailure(r, kind)
	})
}

// finish performs terminal cleanup exactly once, then invokes deliver
// unless the request was canceled. Cleanup always runs even when canceled,
// so a canceled request still releases its sockets and subscriptions
// promptly instead of waiting for the next timer tick.
func (r *Request) finish(deliver func()) {
	r.once.Do(func() {
		r.mu.Lock()
		r.state = stateTerminal
		if r.timer != nil {
			r.timer.Stop()
		}
		tcpConn := r.tcpConn
		sockets := r.sockets
		canceled := r.canceled
		r.mu.Unlock()

		r.unsubscribeAll()
		if tcpConn != nil {
			_ = tcpConn.close()
		}
		for _, s := range sockets {
			s.release()
		}
		r.ctx.removeRequest(r)

		if !canceled {
			deliver()
		}
	})
}
