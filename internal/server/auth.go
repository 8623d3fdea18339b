package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"etdflow/internal/domain"
	"etdflow/internal/engine/auth"
	"etdflow/internal/repo"
)

const defaultTokenTTL = 12 * time.Hour

type AuthConfig struct {
	JWTSecret string
	// DevLogin enables POST /auth/dev/login, which mints tokens for any
	// identity. Never enable it in production.
	DevLogin bool
	TokenTTL time.Duration
}

func (c AuthConfig) ttl() time.Duration {
	if c.TokenTTL > 0 {
		return c.TokenTTL
	}
	return defaultTokenTTL
}

type principalKey struct{}
type sourceKey struct{}

func withPrincipal(ctx context.Context, p auth.Principal, source string) context.Context {
	ctx = context.WithValue(ctx, principalKey{}, p)
	return context.WithValue(ctx, sourceKey{}, source)
}

func principalFromContext(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	return p, ok
}

func principalSource(ctx context.Context) string {
	s, _ := ctx.Value(sourceKey{}).(string)
	return s
}

func principalFromRequest(ctx context.Context) (auth.Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p, nil
	}
	return auth.Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// Claims is the JWT body. Role, region and agency come from the identity
// provider and are trusted as-is.
type Claims struct {
	jwt.RegisteredClaims
	Role   string `json:"role"`
	Region string `json:"region,omitempty"`
	Agency string `json:"agency,omitempty"`
}

// SignToken mints an HS256 token for p valid for ttl from now.
func SignToken(secret string, p auth.Principal, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if p.ActorID == "" {
		return "", errors.New("actor id required")
	}
	if _, ok := domain.ParseRole(string(p.Role)); !ok {
		return "", errors.New("valid role required")
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ActorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:   string(p.Role),
		Region: p.Region,
		Agency: string(p.Agency),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateJWT(token string, secret string) (auth.Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return auth.Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return auth.Principal{}, err
	}
	if !parsed.Valid {
		return auth.Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return auth.Principal{}, errors.New("subject claim required")
	}
	role, ok := domain.ParseRole(claims.Role)
	if !ok {
		return auth.Principal{}, errors.New("role claim required")
	}
	return auth.Principal{
		ActorID: claims.Subject,
		Role:    role,
		Region:  strings.TrimSpace(claims.Region),
		Agency:  agencyParam(claims.Agency),
	}, nil
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (auth.Principal, error) {
	if strings.TrimSpace(key) == "" {
		return auth.Principal{}, errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return auth.Principal{}, err
	}
	if apiKey.ActorID == "" {
		return auth.Principal{}, errors.New("api key missing actor")
	}
	return auth.Principal{
		ActorID: apiKey.ActorID,
		Role:    apiKey.Role,
		Region:  apiKey.Region,
		Agency:  apiKey.Agency,
	}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo, log *zap.Logger) func(http.Handler) http.Handler {
	public := publicPaths(basePath)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if !strings.HasPrefix(req.URL.Path, basePath+"/") || public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			denied := newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, denied)
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					log.Debug("jwt rejected", zap.Error(err))
					respondStatusError(w, denied)
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal, "jwt")))
				return
			}

			if apiKeyHeader != "" {
				principal, err := authenticateAPIKey(req.Context(), r, apiKeyHeader)
				if err != nil {
					if !errors.Is(err, repo.ErrNotFound) {
						log.Error("api key lookup failed", zap.Error(err))
					}
					respondStatusError(w, denied)
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal, "api_key")))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func publicPaths(basePath string) map[string]bool {
	return map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
		path.Join(basePath, "openapi.json"):   true,
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}

func agencyParam(s string) domain.Agency {
	return domain.Agency(strings.ToUpper(strings.TrimSpace(s)))
}
