package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"deeperhub/internal/broker"
	"deeperhub/internal/clockid"
	"deeperhub/internal/errs"
	"deeperhub/internal/ratelimit"
	"deeperhub/internal/security"
	"deeperhub/internal/session"
	"deeperhub/internal/token"
	"deeperhub/internal/userstore"
	"deeperhub/internal/wsproto"
)

// Dispatcher wires the connection worker to every other component:
// token/session for auth, the user store for user.* ops, and the
// broker for channel.* ops. One Dispatcher is shared by every
// connection worker; its state is confined to the components it holds
// references to, each of which is independently safe for concurrent use.
type Dispatcher struct {
	Tokens      *token.Service
	Sessions    *session.Registry
	Users       userstore.Store
	Passwords   *userstore.PasswordService
	Broker      *broker.Broker
	Registry    *wsproto.Registry
	MessageGate security.MessageGate
	CSRF        *security.CSRFTokenStore
	RateLimit   *ratelimit.Store
	Clock       clockid.Clock
	Log         *slog.Logger
}

// Handle implements wsproto.Handler: decode, authenticate-gate, scan,
// route, reply.
func (d *Dispatcher) Handle(ctx context.Context, conn *wsproto.Conn, raw []byte) []byte {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return Encode(errorReply(errs.Code(errs.ErrInvalidJSON), ""))
	}

	// auth credentials are verified against a stored hash, never echoed
	// or broadcast to another client, so they skip content sanitization —
	// running it would silently corrupt a password containing any of the
	// escaped characters before the hash comparison ever sees it.
	if in.Type != "auth" && len(in.Payload) > 0 {
		sanitized, o := d.MessageGate.Sanitize(in.Payload)
		if !o.Allowed {
			return Encode(errorReply(errs.Code(o.Err), in.Ref))
		}
		in.Payload = sanitized
	}

	switch {
	case in.Type == "auth":
		return Encode(d.handleAuth(ctx, conn, in))
	case in.Type == "heartbeat":
		return Encode(reply("heartbeat", map[string]string{}, in.Ref))
	case in.Type == "echo":
		return Encode(d.requireAuth(conn, in, func(conn *wsproto.Conn, in Inbound) Outbound {
			return d.handleEcho(conn, in)
		}))
	case isUserOp(in.Type):
		return Encode(d.requireAuth(conn, in, func(conn *wsproto.Conn, in Inbound) Outbound {
			return d.handleUserOp(ctx, conn, in)
		}))
	case isChannelOp(in.Type):
		return Encode(d.requireAuth(conn, in, func(conn *wsproto.Conn, in Inbound) Outbound {
			return d.handleChannelOp(conn, in)
		}))
	default:
		return Encode(errorReply("unknown_type", in.Ref))
	}
}

func (d *Dispatcher) requireAuth(conn *wsproto.Conn, in Inbound, fn func(conn *wsproto.Conn, in Inbound) Outbound) Outbound {
	if !conn.IsAuthenticated() {
		return errorReply(errs.Code(errs.ErrUnauthorized), in.Ref)
	}
	return fn(conn, in)
}

func isUserOp(t string) bool {
	switch t {
	case "user.create", "user.get", "user.update", "user.delete", "user.list":
		return true
	}
	return false
}

func isChannelOp(t string) bool {
	switch t {
	case "channel.create", "channel.subscribe", "channel.unsubscribe", "channel.publish", "channel.list", "channel.remove":
		return true
	}
	return false
}

func (d *Dispatcher) handleEcho(conn *wsproto.Conn, in Inbound) Outbound {
	var payload map[string]any
	_ = json.Unmarshal(in.Payload, &payload)
	if payload == nil {
		payload = map[string]any{}
	}
	payload["timestamp"] = d.Clock.Now().UTC().Format(time.RFC3339Nano)
	return reply("echo.response", payload, in.Ref)
}

type authPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Token    string `json:"token"`
	Remember bool   `json:"remember"`
}

// handleAuth authenticates via username/password or an existing access
// token, issues a fresh pair on password auth, and registers a session
// (spec §4.8, §6's "auth message").
func (d *Dispatcher) handleAuth(ctx context.Context, conn *wsproto.Conn, in Inbound) Outbound {
	var p authPayload
	if err := json.Unmarshal(in.Payload, &p); err != nil {
		return reply("auth.failure", map[string]string{"reason": errs.Code(errs.ErrInvalidPayload)}, in.Ref)
	}

	if p.Token != "" {
		claims, err := d.Tokens.Verify(p.Token)
		if err != nil {
			return reply("auth.failure", map[string]string{"reason": "invalid_token"}, in.Ref)
		}
		conn.MarkAuthenticated(claims.Subject, claims.SID)
		d.Sessions.Touch(claims.SID)
		csrfToken := d.mintCSRF(claims.SID)
		return reply("auth.success", map[string]string{
			"user_id":    claims.Subject,
			"session_id": claims.SID,
			"csrf_token": csrfToken,
		}, in.Ref)
	}

	if p.Username == "" || p.Password == "" {
		return reply("auth.failure", map[string]string{"reason": errs.Code(errs.ErrInvalidCreds)}, in.Ref)
	}

	if d.RateLimit != nil {
		res := d.RateLimit.Check("auth_login", conn.Meta.RemoteAddr+"|"+p.Username)
		if res.Locked {
			return reply("auth.failure", map[string]string{"reason": errs.Code(errs.ErrAccountLocked)}, in.Ref)
		}
	}

	// fail records a failed attempt; the failure that trips the lockout
	// already answers account_locked rather than invalid_credentials.
	fail := func() Outbound {
		if d.recordAuthAttempt(conn, p.Username, false).Locked {
			return reply("auth.failure", map[string]string{"reason": errs.Code(errs.ErrAccountLocked)}, in.Ref)
		}
		return reply("auth.failure", map[string]string{"reason": errs.Code(errs.ErrInvalidCreds)}, in.Ref)
	}

	u, err := d.Users.GetByUsername(ctx, p.Username)
	if err != nil {
		return fail()
	}
	if !u.IsActive {
		return fail()
	}

	ok, rehash := d.Passwords.Verify(p.Password, u)
	if !ok {
		return fail()
	}
	d.recordAuthAttempt(conn, p.Username, true)

	if rehash {
		if err := d.Passwords.Rehash(p.Password, u); err == nil {
			if err := d.Users.Update(ctx, u); err != nil {
				d.Log.Warn("transparent rehash persist failed", "user_id", u.ID, "err", err)
			}
		}
	}

	sessionID := clockid.NewID()
	d.Sessions.Create(sessionID, u.ID, map[string]string{"user_agent": conn.Meta.UserAgent}, conn.Meta.RemoteAddr, conn.Meta.UserAgent, p.Remember)

	pair, err := d.Tokens.IssuePair(u.ID, sessionID, p.Remember)
	if err != nil {
		return reply("auth.failure", map[string]string{"reason": errs.Code(errs.ErrInternal)}, in.Ref)
	}

	conn.MarkAuthenticated(u.ID, sessionID)
	csrfToken := d.mintCSRF(sessionID)
	return reply("auth.success", map[string]any{
		"user_id":       u.ID,
		"session_id":    sessionID,
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_in_s":  pair.ExpiresInS,
		"csrf_token":    csrfToken,
	}, in.Ref)
}

// mintCSRF issues a fresh per-session CSRF token so a subsequent
// reconnect on this session can satisfy the request gate's CSRF stage
// (spec §4.5), which has nothing to validate against until a session
// exists.
func (d *Dispatcher) mintCSRF(sessionID string) string {
	if d.CSRF == nil {
		return ""
	}
	token := clockid.NewID()
	d.CSRF.Mint(sessionID, token)
	return token
}

func (d *Dispatcher) recordAuthAttempt(conn *wsproto.Conn, username string, success bool) ratelimit.Result {
	if d.RateLimit == nil {
		return ratelimit.Result{OK: true}
	}
	return d.RateLimit.Record("auth_login", conn.Meta.RemoteAddr+"|"+username, success)
}

