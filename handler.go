// SPDX-License-Identifier: GPL-3.0-or-later

package resolve

import (
	"iter"

	"github.com/miekg/dns"
)

// TypedAnswer is the sum-over-record-types view a [Handler]'s OnSuccess
// receives. The accessor named after Type yields the requested records; the
// others filter the same answers by their own RR type, so they can still
// yield records (for example the CNAMEs of a chain followed for an A
// query). Each accessor is a lazy
// [Records] iterator: no conversion happens before you range over it.
type TypedAnswer struct {
	// Type is the RR type that was requested, e.g. [dns.TypeA].
	Type uint16

	req  *Request
	resp *Response
}

// A returns the typed A records, valid only when Type == [dns.TypeA].
func (t TypedAnswer) A() iter.Seq[ARecord] { return Records[ARecord](t.req, t.resp) }

// AAAA returns the typed AAAA records, valid only when Type == [dns.TypeAAAA].
func (t TypedAnswer) AAAA() iter.Seq[AAAARecord] { return Records[AAAARecord](t.req, t.resp) }

// MX returns the typed MX records, valid only when Type == [dns.TypeMX].
func (t TypedAnswer) MX() iter.Seq[MXRecord] { return Records[MXRecord](t.req, t.resp) }

// CNAME returns the typed CNAME records, valid only when Type == [dns.TypeCNAME].
func (t TypedAnswer) CNAME() iter.Seq[CNAMERecord] { return Records[CNAMERecord](t.req, t.resp) }

// PTR returns the typed PTR records, valid only when Type == [dns.TypePTR].
func (t TypedAnswer) PTR() iter.Seq[PTRRecord] { return Records[PTRRecord](t.req, t.resp) }

// Handler receives the outcome of a lookup started with [*Context.Query] or
// [*Context.QueryPTR]. Per request, the engine invokes exactly one of
// OnSuccess, OnFailure, or OnReceived.
type Handler interface {
	// OnFailure is called when the request terminates without a usable
	// answer: no reply within the expire window, a server error, or a
	// malformed response.
	OnFailure(req *Request, err Error)

	// OnSuccess is called for a NOERROR response to one of the typed
	// query types (A, AAAA, MX, CNAME, PTR).
	OnSuccess(req *Request, answer TypedAnswer)

	// OnReceived is called for a NOERROR response to a query type this
	// package does not have a typed view for, carrying the raw response.
	OnReceived(req *Request, resp *Response)
}

// dispatchTyped classifies resp and invokes exactly one method on h,
// implementing the response-code translation and typed-success dispatch
// described in the request engine's terminal delivery step.
func dispatchTyped(h Handler, req *Request, resp *Response) {
	if kind, isErr := RcodeToError(resp.Rcode()); isErr {
		h.OnFailure(req, kind)
		return
	}

	switch req.Type() {
	case dns.TypeA, dns.TypeAAAA, dns.TypeMX, dns.TypeCNAME, dns.TypePTR:
		h.OnSuccess(req, TypedAnswer{Type: req.Type(), req: req, resp: resp})
		return
	default:
		h.OnReceived(req, resp)
		return
	}
}
