package token

import "github.com/golang-jwt/jwt/v5"

// Claims is the JWT claim set issued for both access and refresh tokens
// (spec §3: "{sub: user_id, typ: access|refresh, iat, exp, jti}").
// Shape adapted from auth/internal/service/impl/token_service_impl.go's
// AccessClaims/RefreshClaims, collapsed into one struct since DeeperHub
// does not bind tokens to a server-side session row the way the teacher
// does — session binding here is via Claims.SID instead.
type Claims struct {
	Typ string `json:"typ"` // "access" | "refresh"
	SID string `json:"sid"` // session id
	jwt.RegisteredClaims
}
