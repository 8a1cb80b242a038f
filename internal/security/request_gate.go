package security

import (
	"net/http"
	"strings"
	"sync"

	"deeperhub/internal/errs"
	"deeperhub/internal/ratelimit"
)

// RequestContext is the stable snapshot the request gate's stages
// observe — captured once per upgrade attempt so no stage can race a
// later mutation of the underlying *http.Request (spec §4.5: "stages
// observe a stable request/message snapshot").
type RequestContext struct {
	IP        string
	Origin    string
	Referer   string
	UserAgent string
	CSRFToken string
	SessionID string // empty for pre-auth upgrades
}

// RequestContextFromHTTP snapshots the fields the request gate needs.
// SessionID comes from the x-session-id header a reconnecting client
// presents alongside its CSRF token; a first-time connection (no
// session established yet) leaves it empty.
func RequestContextFromHTTP(r *http.Request, ip string) RequestContext {
	return RequestContext{
		IP:        ip,
		Origin:    r.Header.Get("Origin"),
		Referer:   r.Header.Get("Referer"),
		UserAgent: r.UserAgent(),
		CSRFToken: r.Header.Get("x-csrf-token"),
		SessionID: r.Header.Get("x-session-id"),
	}
}

// CSRFTokenStore mints and validates per-session CSRF tokens (spec
// §4.5: "validate against a per-session token mint").
type CSRFTokenStore struct {
	mu     sync.Mutex
	tokens map[string]string // sessionID -> token
}

// NewCSRFTokenStore creates an empty store.
func NewCSRFTokenStore() *CSRFTokenStore {
	return &CSRFTokenStore{tokens: make(map[string]string)}
}

// Mint issues and stores a fresh token for sessionID.
func (c *CSRFTokenStore) Mint(sessionID, token string) {
	c.mu.Lock()
	c.tokens[sessionID] = token
	c.mu.Unlock()
}

// Valid reports whether token matches the one minted for sessionID.
func (c *CSRFTokenStore) Valid(sessionID, token string) bool {
	if token == "" {
		return false
	}
	c.mu.Lock()
	want, ok := c.tokens[sessionID]
	c.mu.Unlock()
	return ok && want == token
}

// Forget drops sessionID's token (e.g. on logout).
func (c *CSRFTokenStore) Forget(sessionID string) {
	c.mu.Lock()
	delete(c.tokens, sessionID)
	c.mu.Unlock()
}

// RequestGate composes the three request-gate stages in spec order:
// DDoS/rate-limit, CSRF, origin/UA blacklist.
type RequestGate struct {
	RateLimit      *ratelimit.Store
	ConnLimiter    *ratelimit.ConnLimiter
	CSRF           *CSRFTokenStore
	CSRFRequired   bool
	AllowedOrigins []string
	BlockedOrigins []string
	BlockedAgents  []string
}

// Run executes the gate in order, short-circuiting on the first deny.
func (g *RequestGate) Run(ctx RequestContext) Outcome {
	if o := g.checkDDoS(ctx); !o.Allowed {
		return o
	}
	if o := g.checkCSRF(ctx); !o.Allowed {
		return o
	}
	if o := g.checkOriginUA(ctx); !o.Allowed {
		return o
	}
	return allow
}

func (g *RequestGate) checkDDoS(ctx RequestContext) Outcome {
	if g.ConnLimiter != nil && !g.ConnLimiter.Allow(ctx.IP) {
		return denyLocked(errs.ErrRateLimited, "connection rate exceeded", 0)
	}
	if g.RateLimit == nil {
		return allow
	}
	res := g.RateLimit.Record("connect_rate", ctx.IP, false)
	if res.Locked {
		return denyLocked(errs.ErrRateLimited, "connection rate exceeded", res.RetryAfterMs)
	}
	return allow
}

func (g *RequestGate) checkCSRF(ctx RequestContext) Outcome {
	if !g.CSRFRequired {
		return allow
	}
	if ctx.Origin != "" && !originAllowed(ctx.Origin, g.AllowedOrigins) {
		return deny(errs.ErrForbiddenOrigin, "origin not allowlisted")
	}
	// A first-time connection has no session yet to have minted a CSRF
	// token against — the request gate runs ahead of auth (spec §2), so
	// there's nothing for it to prove here. Only a reconnect presenting
	// a session_id it was issued on a prior auth.success needs to also
	// present that session's token.
	if ctx.SessionID == "" {
		return allow
	}
	// "if both origin and referer are absent, a valid token alone is
	// sufficient" (spec §4.5).
	if g.CSRF == nil || !g.CSRF.Valid(ctx.SessionID, ctx.CSRFToken) {
		return deny(errs.ErrCSRFInvalid, "invalid csrf token")
	}
	return allow
}

func (g *RequestGate) checkOriginUA(ctx RequestContext) Outcome {
	for _, o := range g.BlockedOrigins {
		if strings.EqualFold(o, ctx.Origin) {
			return deny(errs.ErrForbiddenOrigin, "origin blacklisted")
		}
	}
	for _, ua := range g.BlockedAgents {
		if ua != "" && strings.Contains(strings.ToLower(ctx.UserAgent), strings.ToLower(ua)) {
			return deny(errs.ErrForbiddenOrigin, "user-agent blacklisted")
		}
	}
	return allow
}

func originAllowed(origin string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}
