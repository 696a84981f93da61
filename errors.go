// SPDX-License-Identifier: GPL-3.0-or-later

package resolve

import "github.com/miekg/dns"

// Error is the single enumerated failure kind delivered to a [Handler].
//
// Construct using [RcodeToError] or compare against the exported constants.
type Error int

const (
	// ErrNetwork means no reply arrived within the expire window, every
	// nameserver socket errored, or the TCP connect/read failed.
	ErrNetwork Error = iota

	// ErrTemporary means the server responded SERVFAIL, REFUSED, or NOTIMPL.
	ErrTemporary

	// ErrNXDomain means the server authoritatively reported NXDOMAIN.
	ErrNXDomain

	// ErrMalformed means the wire message failed to parse or did not
	// match the structure its header claimed.
	ErrMalformed

	// ErrNoData means the response was NOERROR but contained no answer
	// of the requested type. Nothing in this package delivers it:
	// dispatchTyped in handler.go reports such a response like any other
	// NOERROR response, through OnSuccess (whose answer then yields no
	// records) or OnReceived.
	ErrNoData

	// ErrOther is any rcode not otherwise classified.
	ErrOther
)

// Error implements the error interface.
func (e Error) Error() string {
	switch e {
	case ErrNetwork:
		return "resolve: network error"
	case ErrTemporary:
		return "resolve: temporary server failure"
	case ErrNXDomain:
		return "resolve: no such host"
	case ErrMalformed:
		return "resolve: malformed response"
	case ErrNoData:
		return "resolve: no data"
	default:
		return "resolve: server misbehaving"
	}
}

// RcodeToError classifies a response rcode per the table in the request
// engine's response-code-translation rule. Callers must only invoke this
// on responses that have already passed structural validation
// ([*Query.Matches] and a successful [dns.Msg.Unpack]). The second return
// value is false when rcode is NOERROR, in which case Error is meaningless.
func RcodeToError(rcode int) (Error, bool) {
	switch rcode {
	case dns.RcodeSuccess:
		return 0, false
	case dns.RcodeFormatError:
		return ErrMalformed, true
	case dns.RcodeServerFailure, dns.RcodeNotImplemented, dns.RcodeRefused:
		return ErrTemporary, true
	case dns.RcodeNameError:
		return ErrNXDomain, true
	default:
		return ErrOther, true
	}
}
