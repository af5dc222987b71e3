// Package authpolicy decides whether a specific SSH authentication method
// may be attempted for a given credential bundle, given a server-side
// allow-list. It is a pure, deterministic function used at three gates in
// the session state machine: before Authenticating, before soliciting
// keyboard-interactive input, and inside the SSH connector's auth strategy.
package authpolicy

// Method is a closed enum of the SSH authentication methods the gateway
// understands.
type Method string

const (
	Password            Method = "password"
	KeyboardInteractive Method = "keyboard-interactive"
	PublicKey           Method = "publickey"
)

// Allowed is an ordered set of Method. The zero value is empty, not the
// default allow-list; callers use Default() for that.
type Allowed []Method

// Default returns the default allow-list: all three methods.
func Default() Allowed {
	return Allowed{Password, KeyboardInteractive, PublicKey}
}

// Contains reports whether m is in the allow-list.
func (a Allowed) Contains(m Method) bool {
	for _, x := range a {
		if x == m {
			return true
		}
	}
	return false
}

// Context carries the facts about the current credential bundle and
// request that the policy needs to make its decision.
type Context struct {
	RequestedKeyboardInteractive bool
	HasPrivateKey                bool
	HasPassword                  bool
}

// Decision is the result of Evaluate: either Ok, or a Violation naming the
// method that was disallowed.
type Decision struct {
	OK     bool
	Method Method // set only when !OK
}

// Evaluate applies the four ordered rules and reports whether the current
// auth attempt is permitted.
func Evaluate(allowed Allowed, ctx Context) Decision {
	if ctx.RequestedKeyboardInteractive && !allowed.Contains(KeyboardInteractive) {
		return Decision{OK: false, Method: KeyboardInteractive}
	}
	if ctx.HasPrivateKey && !allowed.Contains(PublicKey) {
		return Decision{OK: false, Method: PublicKey}
	}
	if ctx.HasPassword && !allowed.Contains(Password) && !allowed.Contains(KeyboardInteractive) {
		return Decision{OK: false, Method: Password}
	}
	return Decision{OK: true}
}
