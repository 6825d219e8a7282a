package http

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/actiongate/actiongate/internal/domain/actor"
	"github.com/actiongate/actiongate/internal/domain/policy"
)

// claims extracts JWT claims from the Authorization header. With JWT
// verification configured the signature is checked locally; otherwise the
// claims are decoded unverified, which matches a deployment where a trusted
// gateway already validated the token. A malformed token yields no claims
// rather than an error: identity falls through to headers and channel
// defaults.
func (h *Handler) claims(r *http.Request) map[string]any {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return nil
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if token == "" {
		return nil
	}

	claims := jwt.MapClaims{}
	if h.jwtVerify && h.jwtSecret != "" {
		alg := h.jwtAlg
		if alg == "" {
			alg = "HS256"
		}
		_, err := jwt.ParseWithClaims(token, claims,
			func(*jwt.Token) (any, error) { return []byte(h.jwtSecret), nil },
			jwt.WithValidMethods([]string{alg}),
		)
		if err != nil {
			LoggerFromContext(r.Context()).Warn("jwt verification failed", "error", err)
			return nil
		}
	} else {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return nil
		}
	}
	return map[string]any(claims)
}

// channelFor resolves the request channel: explicit body value, then the
// X-Channel header, then "ui".
func channelFor(r *http.Request, bodyChannel string) string {
	if bodyChannel != "" {
		return bodyChannel
	}
	if ch := r.Header.Get("X-Channel"); ch != "" {
		return ch
	}
	return "ui"
}

// actorFor normalizes the request identity under the given policy.
func (h *Handler) actorFor(r *http.Request, doc *policy.Document, channel string) actor.Actor {
	return actor.Normalize(doc, r.Header, channel, h.claims(r))
}
