package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"relief-inventory-api/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Roles carried by an Actor.
const (
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// DefaultAPIClientID is recorded when a request carries no actor.
const DefaultAPIClientID = "api-client"

// Actor is the authenticated caller. Its ID is recorded in audit entries and
// actions.
type Actor struct {
	ID   string
	Role string
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

type actorKey struct{}

// WithActor stores actor in ctx.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor stored by the authentication middleware.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}

// AuthConfig lists accepted credentials. Admin keys are valid API keys too.
// A key is either "clientID:secret" or a bare secret; bare secrets are
// identified by a fingerprint of the key.
type AuthConfig struct {
	APIKeys      []string
	AdminAPIKeys []string
	JWTSecret    string
}

// Claims is the bearer token payload. The subject is the actor id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator accepts an X-API-Key header or an HS256 bearer token.
type Authenticator struct {
	apiKeys   map[string]string // secret -> client id
	adminKeys map[string]string
	jwtSecret []byte
}

func NewAuthenticator(cfg AuthConfig) *Authenticator {
	a := &Authenticator{
		apiKeys:   make(map[string]string),
		adminKeys: make(map[string]string),
	}
	for _, entry := range cfg.APIKeys {
		if id, key, ok := parseAPIKey(entry); ok {
			a.apiKeys[key] = id
		}
	}
	for _, entry := range cfg.AdminAPIKeys {
		if id, key, ok := parseAPIKey(entry); ok {
			a.adminKeys[key] = id
		}
	}
	if len(a.apiKeys) == 0 && len(a.adminKeys) == 0 {
		a.apiKeys["demo"] = "demo" // Default fallback
	}
	if cfg.JWTSecret != "" {
		a.jwtSecret = []byte(cfg.JWTSecret)
	}
	return a
}

// Middleware authenticates the request and stores the Actor in its context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bearer := bearerToken(r); bearer != "" {
			actor, err := a.parseToken(bearer)
			if err != nil {
				zap.L().Warn("Authentication failed: invalid bearer token",
					zap.String("remote_addr", r.RemoteAddr),
					zap.Error(err))
				writeErrorResponse(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token", nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			zap.L().Warn("Authentication failed: missing credentials", zap.String("remote_addr", r.RemoteAddr))
			writeErrorResponse(w, http.StatusUnauthorized, "unauthorized", "API key or bearer token required", nil)
			return
		}

		var actor Actor
		if id, ok := a.adminKeys[apiKey]; ok {
			actor = Actor{ID: id, Role: RoleAdmin}
		} else if id, ok := a.apiKeys[apiKey]; ok {
			actor = Actor{ID: id, Role: RoleOperator}
		} else {
			zap.L().Warn("Authentication failed: invalid API key", zap.String("remote_addr", r.RemoteAddr))
			writeErrorResponse(w, http.StatusUnauthorized, "unauthorized", "Invalid API key", nil)
			return
		}

		zap.L().Debug("Authentication successful",
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("actor", actor.ID),
			zap.String("role", actor.Role))
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// AdminMiddleware rejects callers without the admin role. It must run after
// the authentication middleware.
func AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromContext(r.Context())
		if !ok {
			writeErrorResponse(w, http.StatusUnauthorized, "unauthorized", "Authentication required", nil)
			return
		}
		if !actor.IsAdmin() {
			zap.L().Warn("Admin authentication failed",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("actor", actor.ID))
			writeErrorResponse(w, http.StatusForbidden, "forbidden", "Admin access required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IssueToken signs a bearer token for subject.
func (a *Authenticator) IssueToken(subject, role string, ttl time.Duration) (string, error) {
	if a.jwtSecret == nil {
		return "", errors.New("jwt secret is not configured")
	}
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
}

func (a *Authenticator) parseToken(tokenString string) (Actor, error) {
	if a.jwtSecret == nil {
		return Actor{}, errors.New("bearer tokens are not accepted")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		return Actor{}, err
	}
	if !token.Valid {
		return Actor{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Actor{}, errors.New("token has no subject")
	}

	role := RoleOperator
	if claims.Role == RoleAdmin {
		role = RoleAdmin
	}
	return Actor{ID: claims.Subject, Role: role}, nil
}

// parseAPIKey splits a configured "clientID:secret" entry.
func parseAPIKey(entry string) (id, key string, ok bool) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return "", "", false
	}
	if i := strings.Index(entry, ":"); i > 0 && i < len(entry)-1 {
		id, key = strings.TrimSpace(entry[:i]), strings.TrimSpace(entry[i+1:])
		if id != "" && key != "" {
			return id, key, true
		}
	}
	return keyFingerprint(entry), entry, true
}

// keyFingerprint names a bare key in audit records without exposing it.
func keyFingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "key-" + hex.EncodeToString(sum[:6])
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// writeErrorResponse is a helper function to write error responses
func writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string, details []models.ErrorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(models.ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
	})
}
