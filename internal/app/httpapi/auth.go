package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/streampulse/streampulse/pkg/logger"
)

// adminCredentials configures the bootstrap login endpoint (§9): an operator
// exchanges a username/password for an admin bearer token. AdminPasswordHash
// is a bcrypt hash; an empty hash disables the login endpoint (fail closed).
type adminCredentials struct {
	Username     string
	PasswordHash string
	TokenTTL     time.Duration
}

func (c adminCredentials) verify(username, password string) bool {
	if c.PasswordHash == "" || c.Username == "" {
		return false
	}
	if username != c.Username {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte(password)) == nil
}

func (c adminCredentials) ttl() time.Duration {
	if c.TokenTTL <= 0 {
		return 12 * time.Hour
	}
	return c.TokenTTL
}

// adminClaims is the JWT payload issued to operators authenticating against
// the admin-only surface (alert acknowledge/resolve).
type adminClaims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

// tokenIssuer mints and validates HMAC-signed admin tokens per §9: admin
// actions require a bearer token, signed with SecurityConfig.AdminSecretKey.
type tokenIssuer struct {
	secret []byte
}

func newTokenIssuer(secret string) *tokenIssuer {
	return &tokenIssuer{secret: []byte(secret)}
}

func (t *tokenIssuer) issue(subject string, ttl time.Duration) (string, error) {
	claims := adminClaims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

func (t *tokenIssuer) validate(raw string) (string, error) {
	claims := &adminClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", fmt.Errorf("invalid admin token")
	}
	return claims.Subject, nil
}

type ctxKey string

const ctxIdentityKey ctxKey = "httpapi.identity"

// callerIdentity recovers the identity stamped on the request context by
// wrapWithAuth: the subject of a valid bearer token, or "" when the request
// carried none. serveWS substitutes a fixed anonymous id for "".
func callerIdentity(r *http.Request) string {
	if id, ok := r.Context().Value(ctxIdentityKey).(string); ok && id != "" {
		return id
	}
	return ""
}

func isAdminPath(path string) bool {
	if path == "/api/v1/admin/backup" {
		return true
	}
	if !strings.HasPrefix(path, "/api/v1/alerts/") {
		return false
	}
	return strings.HasSuffix(path, "/acknowledge") || strings.HasSuffix(path, "/resolve")
}

// wrapWithAuth enforces a bearer admin token on the acknowledge/resolve
// endpoints and stamps the caller's identity onto the request context for
// every other route. issuer may be nil, in which case admin routes are
// always rejected (fail closed, per §7's Fatal-at-bootstrap philosophy
// applied to a missing security configuration).
func wrapWithAuth(next http.Handler, issuer *tokenIssuer, log *logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearer(r)
		if isAdminPath(r.URL.Path) {
			if issuer == nil {
				writeMessage(w, http.StatusServiceUnavailable, "admin authentication not configured")
				return
			}
			subject, err := issuer.validate(token)
			if err != nil {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeMessage(w, http.StatusUnauthorized, "invalid or missing admin token")
				return
			}
			ctx := context.WithValue(r.Context(), ctxIdentityKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		identity := ""
		if issuer != nil && token != "" {
			if subject, err := issuer.validate(token); err == nil {
				identity = subject
			}
		}
		ctx := context.WithValue(r.Context(), ctxIdentityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loginRequest is the body accepted by the admin login endpoint.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// adminLogin authenticates an operator against adminCredentials and issues a
// bearer token via issuer. Disabled (503) when either is unset.
func adminLogin(creds adminCredentials, issuer *tokenIssuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if issuer == nil || creds.PasswordHash == "" {
			writeMessage(w, http.StatusServiceUnavailable, "admin authentication not configured")
			return
		}
		var req loginRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if !creds.verify(req.Username, req.Password) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeMessage(w, http.StatusUnauthorized, "invalid username or password")
			return
		}
		token, err := issuer.issue(req.Username, creds.ttl())
		if err != nil {
			writeMessage(w, http.StatusInternalServerError, "failed to issue token")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	}
}

func extractBearer(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.Fields(header)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
