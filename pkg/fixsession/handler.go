package fixsession

import "github.com/coreline/goldfix/pkg/fix"

// Handler is how an embedding application observes session lifecycle
// and application traffic, generalizing spec.md §4.4's "[Reject is]
// surfaced to the user callback" language to every message family —
// mirroring the FromAdmin/ToApp/OnLogon/OnLogout callback shape real
// Go FIX applications implement (see
// other_examples/…prime-fix-md-go…fixapp.go.go). Every method is
// optional: embed NopHandler to implement only the ones you need.
type Handler interface {
	// OnLogon fires once the session reaches Connected.
	OnLogon(id SessionID)
	// OnLogout fires once the session reaches Disconnected.
	OnLogout(id SessionID)
	// OnApp delivers an application-level message in strict,
	// contiguous NextIn order (spec.md §8 invariant 5).
	OnApp(id SessionID, msg *fix.Message)
	// OnReject observes an inbound Reject(35=3); it does not itself
	// change sequence state.
	OnReject(id SessionID, msg *fix.Message)
}

// NopHandler implements Handler with no-ops, so callers can embed it
// and override only what they need.
type NopHandler struct{}

func (NopHandler) OnLogon(SessionID)               {}
func (NopHandler) OnLogout(SessionID)              {}
func (NopHandler) OnApp(SessionID, *fix.Message)   {}
func (NopHandler) OnReject(SessionID, *fix.Message) {}
