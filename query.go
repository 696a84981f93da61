// SPDX-License-Identifier: GPL-3.0-or-later

package resolve

import (
	"math/rand/v2"
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

// defaultUDPBufferSize is the EDNS(0) UDP payload size advertised when the
// context was not configured with an explicit buffer size, consistent
// with what the standard library and most public resolvers expect.
const defaultUDPBufferSize = 1232

// Query is an outbound DNS query, immutable once built by [*Context].
//
// Construct using [NewQuery].
type Query struct {
	// Name is the domain name being queried.
	Name string

	// Type is the query type, e.g. [dns.TypeA].
	Type uint16

	// id is the random 16-bit query identifier.
	id uint16

	// bufferSize is the EDNS(0) UDP payload size to advertise.
	bufferSize uint16

	// dnssec requests DNSSEC signatures (EDNS(0) DO bit) when true.
	dnssec bool
}

// NewQuery constructs a new [*Query] with a freshly drawn random ID.
func NewQuery(name string, qtype uint16, bufferSize uint16, dnssec bool) *Query {
	if bufferSize == 0 {
		bufferSize = defaultUDPBufferSize
	}
	return &Query{
		Name:       name,
		Type:       qtype,
		id:         newQueryID(),
		bufferSize: bufferSize,
		dnssec:     dnssec,
	}
}

// newQueryID draws a random 16-bit identifier. A global ID registry is not
// required: matching uses the ID together with the question section, so a
// low collision probability is all that is needed here.
func newQueryID() uint16 {
	return uint16(rand.IntN(1 << 16))
}

// ID returns the query's 16-bit identifier.
func (q *Query) ID() uint16 {
	return q.id
}

// NewMsg builds the wire message for this query, IDNA-encoding the name
// and attaching an EDNS(0) OPT record carrying the configured buffer size
// and, if requested, the DNSSEC-OK bit.
func (q *Query) NewMsg() (*dns.Msg, error) {
	punyName, err := idna.Lookup.ToASCII(q.Name)
	if err != nil {
		return nil, err
	}
	if !dns.IsFqdn(punyName) {
		punyName = dns.Fqdn(punyName)
	}

	msg := new(dns.Msg)
	msg.Id = q.id
	msg.RecursionDesired = true
	msg.Question = []dns.Question{{
		Name:   punyName,
		Qtype:  q.Type,
		Qclass: dns.ClassINET,
	}}
	msg.SetEdns0(q.bufferSize, q.dnssec)
	return msg, nil
}

// Matches reports whether resp is the response to this query: the response
// must be a QR=1 message whose ID equals the query's ID and whose first
// question equals the query's question under case-insensitive name
// comparison. This is the single source of truth for response correlation,
// used by response.go for both UDP datagrams and TCP replies; nameserver.go
// only routes datagrams by header ID before this check runs.
func (q *Query) Matches(resp *dns.Msg) bool {
	if resp == nil || !resp.Response || resp.Id != q.id {
		return false
	}
	if len(resp.Question) != 1 {
		return false
	}
	question := resp.Question[0]
	if question.Qtype != q.Type || question.Qclass != dns.ClassINET {
		return false
	}
	punyName, err := idna.Lookup.ToASCII(q.Name)
	if err != nil {
		return false
	}
	if !dns.IsFqdn(punyName) {
		punyName = dns.Fqdn(punyName)
	}
	return equalASCIIName(question.Name, punyName)
}

// equalASCIIName performs a case-insensitive byte comparison of two
// already-IDNA-encoded, fully-qualified domain names.
func equalASCIIName(x, y string) bool {
	return strings.EqualFold(x, y)
}
