// SPDX-License-Identifier: GPL-3.0-or-later

package resolve

import (
	"context"
	"encoding/binary"
	"log/slog"
	"net"
	"net/netip"
	"sync"
)

// Nameserver is one configured upstream resolver. It owns a bounded pool of
// UDP sockets and fans inbound datagrams out to whichever in-flight
// [*Request]s subscribed to it, keyed by 16-bit query ID so a busy
// nameserver with thousands of outstanding requests still dispatches each
// datagram in constant time.
//
// A Nameserver is safe for concurrent use.
type Nameserver struct {
	addr   netip.Addr
	port   int
	dialer Dialer
	logger *slog.Logger

	maxSockets        int
	maxPerSocket      int32
	udpPayload        int

	mu          sync.Mutex
	sockets     []*udpSocket
	subscribers map[uint16][]*Request
}

func newNameserver(addr netip.Addr, dialer Dialer, logger *slog.Logger, maxSockets, maxPerSocket, udpPayload int) *Nameserver {
	if maxSockets <= 0 {
		maxSockets = 1
	}
	return &Nameserver{
		addr:         addr,
		port:         53,
		dialer:       dialer,
		logger:       logger,
		maxSockets:   maxSockets,
		maxPerSocket: int32(maxPerSocket),
		udpPayload:   udpPayload,
		subscribers:  make(map[uint16][]*Request),
	}
}

// Addr returns the nameserver's IP address.
func (n *Nameserver) Addr() netip.Addr { return n.addr }

func (n *Nameserver) address() string {
	return netip.AddrPortFrom(n.addr, uint16(n.port)).String()
}

// subscribe registers req to receive datagrams matching id until unsubscribe
// is called. A request subscribes once per nameserver it fans out to.
func (n *Nameserver) subscribe(id uint16, req *Request) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscribers[id] = append(n.subscribers[id], req)
}

// unsubscribe removes req from the id bucket. Safe to call more than once.
func (n *Nameserver) unsubscribe(id uint16, req *Request) {
	n.mu.Lock()
	defer n.mu.Unlock()
	bucket := n.subscribers[id]
	for i, r := range bucket {
		if r == req {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(n.subscribers, id)
	} else {
		n.subscribers[id] = bucket
	}
}

// acquireSocket returns a socket to send on, opening a new one (up to
// maxSockets) when every existing socket is already carrying maxPerSocket
// outstanding queries, and reusing the least-loaded socket once the pool is
// at capacity. The caller owns one unit of the returned socket's budget
// until it calls release.
func (n *Nameserver) acquireSocket(ctx context.Context) (*udpSocket, error) {
	n.mu.Lock()
	for _, s := range n.sockets {
		if n.maxPerSocket <= 0 || s.inFlight.Load() < n.maxPerSocket {
			s.inFlight.Add(1)
			n.mu.Unlock()
			return s, nil
		}
	}
	if len(n.sockets) < n.maxSockets {
		n.mu.Unlock()
		socket, err := dialUDPSocket(ctx, n.dialer, n.address())
		if err != nil {
			return nil, err
		}
		if n.udpPayload > 0 {
			if uc, ok := socket.conn.(*net.UDPConn); ok {
				_ = uc.SetReadBuffer(n.udpPayload)
				_ = uc.SetWriteBuffer(n.udpPayload)
			}
		}
		socket.inFlight.Add(1)
		n.mu.Lock()
		n.sockets = append(n.sockets, socket)
		n.mu.Unlock()
		go socket.readLoop(n.udpPayload, n.dispatch)
		return socket, nil
	}
	// Pool is at capacity and every socket is full: reuse the least-loaded.
	least := n.sockets[0]
	for _, s := range n.sockets[1:] {
		if s.inFlight.Load() < least.inFlight.Load() {
			least = s
		}
	}
	least.inFlight.Add(1)
	n.mu.Unlock()
	return least, nil
}

// dispatch is the read-loop callback for every socket in the pool. It peeks
// the 16-bit ID out of the DNS header without a full unpack, looks up the
// subscriber bucket for that ID, and offers the raw datagram to a snapshot
// of that bucket so a subscriber unsubscribing mid-dispatch (the common case:
// the first match to consume it finishes and unsubscribes) can't corrupt the
// iteration.
func (n *Nameserver) dispatch(raw []byte) {
	if len(raw) < 2 {
		return
	}
	id := binary.BigEndian.Uint16(raw[0:2])

	n.mu.Lock()
	bucket := n.subscribers[id]
	snapshot := make([]*Request, len(bucket))
	copy(snapshot, bucket)
	n.mu.Unlock()

	for _, req := range snapshot {
		req.onUDPDatagram(n, raw)
	}
}
