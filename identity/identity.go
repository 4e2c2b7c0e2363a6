// Package identity generates the network and browser identity the engine
// presents to the target site: an optional proxy endpoint plus a browser
// fingerprint drawn from weighted pools of plausible real-world values.
//
// A Fingerprint is immutable once assigned to a session. Rotation replaces
// the whole value; individual fields are never mutated in place, so a session
// can never end up with an internally inconsistent fingerprint.
package identity

import (
	"fmt"

	"github.com/slotwatch/slotwatch/proxy"
)

// Identity is the combination presented to the target site. A nil Proxy
// means a direct connection.
type Identity struct {
	Proxy       *proxy.Endpoint
	Fingerprint Fingerprint
}

// String returns a short description for logging. Credentials are elided.
func (id Identity) String() string {
	via := "direct"
	if id.Proxy != nil {
		via = id.Proxy.Addr()
	}
	return fmt.Sprintf("%s via %s", id.Fingerprint.Platform, via)
}
