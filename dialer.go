// SPDX-License-Identifier: GPL-3.0-or-later

package resolve

import (
	"context"
	"net"
)

// Dialer abstracts over [*net.Dialer] for both the UDP sockets a
// [*Nameserver] opens and the TCP connections opened for truncation
// fallback. Construct production nameservers with &net.Dialer{}; tests
// substitute a stub that never touches the network.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}
