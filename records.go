// SPDX-License-Identifier: GPL-3.0-or-later

package resolve

import (
	"iter"
	"net/netip"

	"github.com/miekg/dns"
)

// ARecord is a typed view of an A resource record.
type ARecord struct {
	Name string
	TTL  uint32
	Addr netip.Addr
}

// AAAARecord is a typed view of an AAAA resource record.
type AAAARecord struct {
	Name string
	TTL  uint32
	Addr netip.Addr
}

// MXRecord is a typed view of an MX resource record.
type MXRecord struct {
	Name       string
	TTL        uint32
	Preference uint16
	Target     string
}

// CNAMERecord is a typed view of a CNAME resource record.
type CNAMERecord struct {
	Name   string
	TTL    uint32
	Target string
}

// PTRRecord is a typed view of a PTR resource record.
type PTRRecord struct {
	Name   string
	TTL    uint32
	Target string
}

// RecordType is the set of typed record views [Records] can extract.
type RecordType interface {
	ARecord | AAAARecord | MXRecord | CNAMERecord | PTRRecord
}

// Records returns a lazy iterator over every answer in resp that belongs
// to req's domain (directly, or via a CNAME chain rooted at it) and whose
// RR type matches T, skipping any other interleaved record (e.g. CNAMEs
// intermixed with A records).
//
// Each call re-scans the response; the iterator is not restartable
// independently of the underlying [*Response].
func Records[T RecordType](req *Request, resp *Response) iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, rr := range validAnswers(req.Domain(), resp.Answers()) {
			rec, ok := convertRR[T](rr)
			if !ok {
				continue
			}
			if !yield(rec) {
				return
			}
		}
	}
}

// convertRR attempts to view rr as a T, reporting false when rr's concrete
// type does not match T.
func convertRR[T RecordType](rr dns.RR) (T, bool) {
	var zero T
	switch any(zero).(type) {
	case ARecord:
		a, ok := rr.(*dns.A)
		if !ok {
			return zero, false
		}
		addr, ok := netip.AddrFromSlice(a.A.To4())
		if !ok {
			return zero, false
		}
		v := ARecord{Name: a.Hdr.Name, TTL: a.Hdr.Ttl, Addr: addr}
		return any(v).(T), true

	case AAAARecord:
		aaaa, ok := rr.(*dns.AAAA)
		if !ok {
			return zero, false
		}
		addr, ok := netip.AddrFromSlice(aaaa.AAAA.To16())
		if !ok {
			return zero, false
		}
		v := AAAARecord{Name: aaaa.Hdr.Name, TTL: aaaa.Hdr.Ttl, Addr: addr}
		return any(v).(T), true

	case MXRecord:
		mx, ok := rr.(*dns.MX)
		if !ok {
			return zero, false
		}
		v := MXRecord{Name: mx.Hdr.Name, TTL: mx.Hdr.Ttl, Preference: mx.Preference, Target: mx.Mx}
		return any(v).(T), true

	case CNAMERecord:
		cname, ok := rr.(*dns.CNAME)
		if !ok {
			return zero, false
		}
		v := CNAMERecord{Name: cname.Hdr.Name, TTL: cname.Hdr.Ttl, Target: cname.Target}
		return any(v).(T), true

	case PTRRecord:
		ptr, ok := rr.(*dns.PTR)
		if !ok {
			return zero, false
		}
		v := PTRRecord{Name: ptr.Hdr.Name, TTL: ptr.Hdr.Ttl, Target: ptr.Ptr}
		return any(v).(T), true

	default:
		return zero, false
	}
}
