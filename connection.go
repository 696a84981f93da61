// SPDX-License-Identifier: GPL-3.0-or-later

package resolve

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/miekg/dns"
)

// connection is the short-lived TCP socket opened to retry a query whose
// UDP reply came back truncated, framed with the 2-byte big-endian length
// prefix RFC 1035 §4.2.2 specifies for DNS-over-TCP.
type connection struct {
	conn net.Conn
}

// dialConnection opens a TCP connection to addr. ctx's deadline, if any,
// governs only the dial; exchange applies its own deadline to the
// read/write round trip.
func dialConnection(ctx context.Context, dialer Dialer, addr string) (*connection, error) {
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &connection{conn: conn}, nil
}

func (c *connection) close() error {
	return c.conn.Close()
}

// exchange writes the framed query and blocks for the framed reply,
// respecting ctx's deadline for the whole round trip. There is no separate
// per-connection timer: the request engine derives ctx's deadline from its
// own remaining expire budget.
func (c *connection) exchange(ctx context.Context, raw []byte) (*dns.Msg, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	frame := make([]byte, 2+len(raw))
	binary.BigEndian.PutUint16(frame, uint16(len(raw)))
	copy(frame[2:], raw)
	if _, err := c.conn.Write(frame); err != nil {
		return nil, err
	}

	br := bufio.NewReader(c.conn)
	header := make([]byte, 2)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint16(header)
	body := make([]byte, length)
	if _, err := io.ReadFull(br, body); err != nil {
		return nil, err
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(body); err != nil {
		return nil, ErrMalformed
	}
	return msg, nil
}
