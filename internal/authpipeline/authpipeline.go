// Package authpipeline accumulates credential sources in priority order and
// decides which bundle (if any) the session should try first, and whether
// the socket must still solicit credentials from the client. Sources form
// a small tagged union (Kind) with a deterministic merge, rather than a
// chain of accumulator types.
package authpipeline

import "github.com/websoft9/ssh-gateway/backend/internal/credentials"

// Kind names where a credential source came from. Priority is fixed by
// this order: HTTPBasic beats URLParams beats SSOHeaders beats SocketManual.
type Kind int

const (
	HTTPBasic Kind = iota
	URLParams
	SSOHeaders
	SocketManual
)

// priority returns the merge rank for k; lower sorts first.
func (k Kind) priority() int { return int(k) }

// Source is one candidate credential bundle, tagged with where it came
// from. A Source with a zero Bundle is treated as absent.
type Source struct {
	Kind   Kind
	Bundle credentials.Bundle
}

func (s Source) present() bool {
	return s.Bundle.Username != "" || s.Bundle.Host != ""
}

// Merge picks the highest-priority source whose bundle validates. It
// reports the winning bundle and whether the
// socket must still request credentials from the client (true when no
// source yielded a valid bundle).
func Merge(sources []Source) (bundle *credentials.Bundle, needsClientInput bool) {
	best := -1
	bestPriority := int(^uint(0) >> 1) // max int
	for i, s := range sources {
		if !s.present() {
			continue
		}
		if credentials.Validate(s.Bundle) != credentials.ReasonOK {
			continue
		}
		if s.Kind.priority() < bestPriority {
			bestPriority = s.Kind.priority()
			best = i
		}
	}
	if best == -1 {
		return nil, true
	}
	b := sources[best].Bundle
	return &b, false
}
