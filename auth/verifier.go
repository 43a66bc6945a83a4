// Package auth verifies Supabase-issued JWTs, either with the project's
// shared HS256 secret or against a JWKS endpoint, and validates
// issuer/audience.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
)

const (
	defaultLeeway   = 30 * time.Second
	defaultAudience = "authenticated"
)

// Verifier validates access tokens issued by the auth provider.
type Verifier struct {
	issuer   string
	audience string
	keyfn    jwt.Keyfunc
	parser   *jwt.Parser
}

// NewVerifierFromEnv initializes a verifier from SUPABASE_URL plus either
// SUPABASE_JWT_SECRET (HS256) or SUPABASE_JWKS_URL (asymmetric keys).
func NewVerifierFromEnv() (*Verifier, error) {
	issuer := strings.TrimSpace(os.Getenv("SUPABASE_URL"))
	if issuer == "" {
		return nil, errors.New("SUPABASE_URL must be set")
	}
	issuer = strings.TrimRight(issuer, "/") + "/auth/v1"

	audience := strings.TrimSpace(os.Getenv("SUPABASE_JWT_AUDIENCE"))
	if audience == "" {
		audience = defaultAudience
	}

	if secret := os.Getenv("SUPABASE_JWT_SECRET"); secret != "" {
		return NewHS256Verifier(issuer, audience, []byte(secret))
	}
	if jwksURL := os.Getenv("SUPABASE_JWKS_URL"); jwksURL != "" {
		return NewJWKSVerifier(issuer, audience, jwksURL)
	}
	return nil, errors.New("SUPABASE_JWT_SECRET or SUPABASE_JWKS_URL must be set")
}

// NewHS256Verifier builds a verifier for tokens signed with the project's
// shared secret.
func NewHS256Verifier(issuer, audience string, secret []byte) (*Verifier, error) {
	if issuer == "" {
		return nil, errors.New("issuer must be set")
	}
	if len(secret) == 0 {
		return nil, errors.New("secret must be set")
	}

	parser := jwt.NewParser(
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithLeeway(defaultLeeway),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
	)

	return &Verifier{
		issuer:   issuer,
		audience: audience,
		keyfn:    func(*jwt.Token) (any, error) { return secret, nil },
		parser:   parser,
	}, nil
}

// NewJWKSVerifier builds a verifier that fetches signing keys from a JWKS
// endpoint. Used for projects on asymmetric signing keys.
func NewJWKSVerifier(issuer, audience, jwksURL string) (*Verifier, error) {
	if issuer == "" {
		return nil, errors.New("issuer must be set")
	}
	if jwksURL == "" {
		return nil, errors.New("jwks url must be set")
	}

	keyProvider, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to init JWKS keyfunc: %w", err)
	}

	parser := jwt.NewParser(
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithLeeway(defaultLeeway),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Name, jwt.SigningMethodES256.Name}),
	)

	return &Verifier{
		issuer:   issuer,
		audience: audience,
		keyfn:    keyProvider.Keyfunc,
		parser:   parser,
	}, nil
}

// Verify parses and validates a JWT, returning extracted claims.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	token, err := v.parser.Parse(tokenString, v.keyfn)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid token claims")
	}

	claims := &Claims{
		Subject:   readString(mapClaims, "sub"),
		Email:     readString(mapClaims, "email"),
		Issuer:    readString(mapClaims, "iss"),
		Audience:  readAudience(mapClaims["aud"]),
		ExpiresAt: readExpiry(mapClaims["exp"]),
		Raw:       mapClaims,
	}
	if claims.FullName = readString(mapClaims, "name"); claims.FullName == "" {
		if meta, ok := mapClaims["user_metadata"].(map[string]any); ok {
			if name, ok := meta["full_name"].(string); ok {
				claims.FullName = name
			}
		}
	}
	if claims.Subject == "" {
		return nil, errors.New("token missing sub")
	}
	return claims, nil
}

func readString(claims jwt.MapClaims, key string) string {
	val := claims[key]
	if s, ok := val.(string); ok {
		return s
	}
	return ""
}

func readAudience(raw any) []string {
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	default:
		return nil
	}
}

func readExpiry(raw any) time.Time {
	switch v := raw.(type) {
	case float64:
		return time.Unix(int64(v), 0)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return time.Unix(i, 0)
		}
	case int64:
		return time.Unix(v, 0)
	}
	return time.Time{}
}

// AuthDisabled reports whether auth should be skipped for local development.
func AuthDisabled() bool {
	if strings.EqualFold(os.Getenv("AUTH_DISABLED"), "true") {
		if strings.EqualFold(os.Getenv("APP_ENV"), "development") || os.Getenv("AWS_LAMBDA_FUNCTION_NAME") == "" {
			log.Warn("auth disabled via AUTH_DISABLED for local development")
			return true
		}
	}
	return false
}
