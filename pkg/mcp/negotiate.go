package mcp

import (
	"slices"
	"strings"
)

// Versions is the protocol version policy of a gateway.
type Versions struct {
	Default   string
	Supported []string
}

// Negotiate picks the version for one request: the requested version if
// supported, else the header version if supported, else the default.
// Negotiation never fails.
func (v Versions) Negotiate(requested, header string) string {
	if r := strings.TrimSpace(requested); r != "" && v.supports(r) {
		return r
	}
	if h := strings.TrimSpace(header); h != "" && v.supports(h) {
		return h
	}
	return v.fallback()
}

func (v Versions) supports(version string) bool {
	return slices.Contains(v.Supported, version)
}

func (v Versions) fallback() string {
	if v.supports(v.Default) || len(v.Supported) == 0 {
		return v.Default
	}
	return v.Supported[0]
}
