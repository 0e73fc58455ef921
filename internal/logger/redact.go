package logger

import (
	"strings"
	"sync/atomic"
)

var piiEnabled atomic.Bool

// SetPII enables or disables logging of caller addresses in clear.
func SetPII(enabled bool) {
	piiEnabled.Store(enabled)
}

// PIIEnabled reports whether addresses are logged in clear.
func PIIEnabled() bool {
	return piiEnabled.Load()
}

// SafeAddress renders a call address for logs. Unless PII logging is on,
// every character other than '-', '@' and '.' is replaced with 'X', which
// keeps the shape of the address without the digits.
func SafeAddress(addr string) string {
	if addr == "" || piiEnabled.Load() {
		return addr
	}
	var b strings.Builder
	b.Grow(len(addr))
	for _, r := range addr {
		switch r {
		case '-', '@', '.':
			b.WriteRune(r)
		default:
			b.WriteByte('X')
		}
	}
	return b.String()
}
