package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	contextKeyClaims    contextKey = "jwt_claims"
	contextKeyRequestID contextKey = "request_id"
)

// Roles recognised by the gateway.
const (
	RolePoster  = "poster"
	RoleHustler = "hustler"
	RoleAdmin   = "admin"
	RoleSystem  = "system"
)

// Claims is the identity extracted from the bearer token.
type Claims struct {
	Subject string
	Role    string
}

// FromContext returns the authenticated identity for the request.
func FromContext(ctx context.Context) (Claims, error) {
	claims, ok := ctx.Value(contextKeyClaims).(Claims)
	if !ok {
		return Claims{}, errors.New("missing identity")
	}
	return claims, nil
}

// Authenticate verifies the HS256 bearer token and stores the claims on the
// request context. Requests without a valid token are rejected.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			s.writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token")
			return
		}
		claims, err := s.verifyToken(strings.TrimSpace(token))
		if err != nil {
			s.writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) verifyToken(raw string) (Claims, error) {
	parsed, err := jwt.Parse(raw, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return Claims{}, err
	}
	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid claims")
	}
	subject, _ := mapClaims["sub"].(string)
	role, _ := mapClaims["role"].(string)
	if subject == "" || role == "" {
		return Claims{}, errors.New("token missing sub or role")
	}
	return Claims{Subject: subject, Role: role}, nil
}

// requireRole gates a route on the caller's role claim.
func (s *Server) requireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, role := range roles {
		allowed[role] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := FromContext(r.Context())
			if err != nil {
				s.writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing identity")
				return
			}
			if !allowed[claims.Role] {
				s.writeError(w, r, http.StatusForbidden, "FORBIDDEN", "role not permitted")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// denylistGate hard-blocks denylisted principals on privileged routes. The
// denylist wins even over a valid token.
func (s *Server) denylistGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.denylist == nil {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := FromContext(r.Context())
		if err != nil {
			s.writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing identity")
			return
		}
		blocked, _, err := s.denylist.Blocked(claims.Subject)
		if err != nil {
			s.log.Error("gateway: denylist lookup", "error", err)
			s.writeError(w, r, http.StatusServiceUnavailable, "DENYLIST_UNAVAILABLE", "denylist check failed")
			return
		}
		if blocked {
			s.writeError(w, r, http.StatusForbidden, "ADMIN_DENYLISTED", "principal is denylisted")
			return
		}
		next.ServeHTTP(w, r)
	})
}
