// Package httpmsg implements the reduced HTTP/1.x start-line and header
// parsing this system needs: enough to read a request or response head off
// a byte stream, decide body framing, and strip hop-by-hop headers before
// relaying in either direction (spec.md §4.2).
package httpmsg

import "strings"

// Field is one header line, name and value as sent (name compared
// case-insensitively by callers, but preserved verbatim here so that
// duplicate headers round-trip in their original casing).
type Field struct {
	Name  string
	Value string
}

// Header is an ordered list of fields, preserving duplicates.
type Header []Field

// Get returns the first value for name (case-insensitive), if any.
func (h Header) Get(name string) (string, bool) {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// Values returns every value for name (case-insensitive), in order.
func (h Header) Values(name string) []string {
	var out []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Set replaces all existing values for name with a single value, appending
// it if name was not already present.
func (h Header) Set(name, value string) Header {
	out := h.Without(name)
	return append(out, Field{Name: name, Value: value})
}

// Without returns a copy of h with every field named name removed
// (case-insensitive).
func (h Header) Without(name string) Header {
	out := make(Header, 0, len(h))
	for _, f := range h {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	return out
}

// hopByHop is the set of headers that must never be forwarded across the
// proxy boundary, grounded on original_source/shipproxy/httpx.py's
// HOP_BY_HOP set (spec.md §4.2).
var hopByHop = map[string]bool{
	"connection":          true,
	"proxy-connection":    true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// StripHopByHop returns a copy of h with hop-by-hop headers removed,
// including any header named in a Connection header's value list (e.g.
// "Connection: close, x-foo" also strips x-foo; spec.md §9).
func StripHopByHop(h Header) Header {
	extra := map[string]bool{}
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			tok = strings.ToLower(strings.TrimSpace(tok))
			if tok != "" {
				extra[tok] = true
			}
		}
	}

	out := make(Header, 0, len(h))
	for _, f := range h {
		lname := strings.ToLower(strings.TrimSpace(f.Name))
		if hopByHop[lname] || extra[lname] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// EnsureHost appends a Host header with the given value if h doesn't
// already carry one (spec.md §4.2: "A Host header is ensured when
// forwarding HTTP requests").
func EnsureHost(h Header, host string) Header {
	if _, ok := h.Get("Host"); ok {
		return h
	}
	return append(h, Field{Name: "Host", Value: host})
}

// StripExpect removes any Expect header (spec.md §9 open question: disable
// 100-continue negotiation across the link by stripping Expect).
func StripExpect(h Header) Header {
	return h.Without("Expect")
}
