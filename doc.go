// SPDX-License-Identifier: GPL-3.0-or-later

// Package resolve is an asynchronous stub DNS resolver client.
//
// It accepts record-lookup requests from application code, dispatches them
// to one or more configured nameservers over UDP, automatically falls back
// to TCP when a reply is truncated, retries on timeout against a global
// expiry budget, and delivers parsed, typed answers (or a classified
// [Error]) to a user-supplied [Handler].
//
// The core abstraction is the [*Context]: configure it with one or more
// nameservers, then call [*Context.Query] or [*Context.QueryPTR]. Each call
// returns a [*Request] handle that can be canceled while in flight:
//
//	ctx := resolve.NewContext()
//	ctx.Nameserver(netip.MustParseAddr("8.8.8.8"))
//	req := ctx.Query("example.com", dns.TypeA, myHandler)
//	// ... later, if needed:
//	req.Cancel()
//
// A [*Request] fans its query out to every configured nameserver (spaced by
// the configured spread), is subscribed to all of them for the lifetime of
// the lookup, and self-destructs exactly once: after delivering a typed
// success, a raw response, or a single [Error] to the handler.
//
// This package implements a stub resolver only: it forwards queries to
// configured recursive servers rather than walking the DNS hierarchy
// itself. It does not do DNSSEC validation, caching, zone transfers, or
// persist any state.
package resolve
