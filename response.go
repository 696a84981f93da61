// SPDX-License-Identifier: GPL-3.0-or-later

package resolve

import (
	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

// Response is a parsed, validated view of an inbound DNS message.
//
// A [*Response] borrows nothing from the datagram buffer: [dns.Msg.Unpack]
// already copies out every field it decodes, so a [*Response] remains
// valid beyond the callback that produced it.
//
// Construct using [newResponse], which also validates the message against
// its originating [*Query].
type Response struct {
	// msg is the decoded inbound message.
	msg *dns.Msg
}

// newResponse decodes raw into a [*dns.Msg] and validates it against q.
//
// It returns [ErrMalformed] when raw does not unpack into a well-formed DNS
// message, and a nil *Response with no error when the message unpacks
// cleanly but simply does not match q (the caller, a [*Nameserver] fanning
// a datagram out to many subscribers, treats that as "not for me" rather
// than as a parse failure).
func newResponse(q *Query, raw []byte) (*Response, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		return nil, ErrMalformed
	}
	if !q.Matches(msg) {
		return nil, nil
	}
	return &Response{msg: msg}, nil
}

// newResponseFromMsg validates an already-decoded message against q,
// used by the TCP fallback path where the connection framing has already
// unpacked the reply.
func newResponseFromMsg(q *Query, msg *dns.Msg) *Response {
	if !q.Matches(msg) {
		return nil
	}
	return &Response{msg: msg}
}

// Rcode returns the response's 4-bit response code.
func (r *Response) Rcode() int {
	return r.msg.Rcode
}

// Truncated reports whether the TC bit is set, meaning the client should
// retry the same question over TCP.
func (r *Response) Truncated() bool {
	return r.msg.Truncated
}

// Answers returns the raw answer-section resource records, in wire order.
func (r *Response) Answers() []dns.RR {
	return r.msg.Answer
}

// validAnswers returns the subset of the answer section that belongs to
// the CNAME chain rooted at domain: RFC 1034 §4.3.1 says a recursive
// response is "the answer to the query, possibly prefaced by one or more
// CNAME RRs that specify aliases encountered on the way to an answer", so
// an RR only counts if its owner name is domain itself or a name reached
// by following that chain.
func validAnswers(domain string, answers []dns.RR) []dns.RR {
	punyName, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return nil
	}
	if !dns.IsFqdn(punyName) {
		punyName = dns.Fqdn(punyName)
	}

	validNames := map[string]bool{punyName: true}
	current := punyName
	for _, rr := range answers {
		cname, ok := rr.(*dns.CNAME)
		if !ok || !equalASCIIName(rr.Header().Name, current) {
			continue
		}
		validNames[rr.Header().Name] = true
		current = cname.Target
		validNames[current] = true
	}

	out := make([]dns.RR, 0, len(answers))
	for _, rr := range answers {
		if validNames[rr.Header().Name] {
			out = append(out, rr)
		}
	}
	return out
}
