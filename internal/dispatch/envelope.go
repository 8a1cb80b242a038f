// Package dispatch implements the message dispatcher (spec C10):
// decode an inbound envelope, route it by `type` through a dispatch
// table, and produce an outbound reply envelope. Grounded on spec
// §4.8/§9's "tagged union + central dispatch table" redesign note,
// with handler bodies adapted from
// auth/internal/service/impl/auth_service_impl.go's Login flow (the
// `auth` handler) and gateway/cmd/gateway/main.go's per-route handler
// closures (generalized from HTTP routes to envelope types).
package dispatch

import "encoding/json"

// Inbound is the wire shape of a client request (spec §6).
type Inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

// Outbound is the wire shape of a server reply or broadcast (spec §6).
type Outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref,omitempty"`
}

func reply(typ string, payload any, ref string) Outbound {
	return Outbound{Type: typ, Payload: payload, Ref: ref}
}

func errorReply(code, ref string) Outbound {
	return reply("error", map[string]string{"code": code}, ref)
}

// Encode marshals an Outbound to the JSON bytes a worker writes as a
// single text frame.
func Encode(o Outbound) []byte {
	b, err := json.Marshal(o)
	if err != nil {
		// Outbound's payload is always a value this package constructed
		// itself (maps/structs of strings and primitives); a marshal
		// failure here means a handler built a non-serializable payload.
		b, _ = json.Marshal(errorReply("internal_error", o.Ref))
	}
	return b
}
