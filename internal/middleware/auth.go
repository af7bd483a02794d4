package middleware

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/relay/internal/config"
	"github.com/pitabwire/relay/model"
)

// AuthName is the name of the JWT authentication middleware.
const AuthName = "authenticated"

// Session keys written by the authentication middleware.
const (
	SessionClaims  = "claims"
	SessionSubject = "subject"
)

// AuthorizationMeta is the connection metadata key transports store the
// Authorization header under.
const AuthorizationMeta = "authorization"

// JWKSClient fetches and caches JSON Web Key Sets from an identity provider.
type JWKSClient struct {
	mu         sync.RWMutex
	url        string
	keys       map[string]crypto.PublicKey
	lastFetch  time.Time
	ttl        time.Duration
	minRefresh time.Duration
	httpClient *http.Client
	logger     *zap.Logger
}

// NewJWKSClient creates a new JWKS client that fetches keys from the given
// URL and caches them for the given TTL.
func NewJWKSClient(url string, ttl time.Duration, logger *zap.Logger) *JWKSClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JWKSClient{
		url:        url,
		keys:       make(map[string]crypto.PublicKey),
		ttl:        ttl,
		minRefresh: 5 * time.Minute,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// GetKey returns the public key for the given key ID. If the key is not
// cached or the cache is expired, the JWKS endpoint is fetched.
func (c *JWKSClient) GetKey(kid string) (crypto.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	expired := time.Since(c.lastFetch) > c.ttl
	c.mu.RUnlock()

	if ok && !expired {
		return key, nil
	}

	if err := c.refresh(); err != nil {
		// Degraded mode: use cached key if available.
		c.mu.RLock()
		key, ok = c.keys[kid]
		c.mu.RUnlock()
		if ok {
			c.logger.Warn("jwks: refresh failed, using cached key", zap.Error(err))
			return key, nil
		}
		return nil, fmt.Errorf("jwks: fetch failed: %w", err)
	}

	c.mu.RLock()
	key, ok = c.keys[kid]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("jwks: unknown signing key %q", kid)
	}
	return key, nil
}

func (c *JWKSClient) refresh() error {
	c.mu.RLock()
	tooSoon := time.Since(c.lastFetch) < c.minRefresh && len(c.keys) > 0
	c.mu.RUnlock()
	if tooSoon {
		return nil
	}

	resp, err := c.httpClient.Get(c.url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	var jwks struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.Unmarshal(body, &jwks); err != nil {
		return fmt.Errorf("jwks: parse error: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(jwks.Keys))
	for _, jwk := range jwks.Keys {
		kid, _ := jwk["kid"].(string)
		if kid == "" {
			continue
		}
		var key crypto.PublicKey
		switch jwk["kty"] {
		case "RSA":
			key, err = parseRSAKey(jwk)
		case "EC":
			key, err = parseECKey(jwk)
		default:
			continue
		}
		if err != nil {
			c.logger.Warn("jwks: failed to parse key", zap.String("kid", kid), zap.Error(err))
			continue
		}
		keys[kid] = key
	}

	c.mu.Lock()
	c.keys = keys
	c.lastFetch = time.Now()
	c.mu.Unlock()

	return nil
}

func decodeBigInt(jwk map[string]any, field string) (*big.Int, error) {
	s, _ := jwk[field].(string)
	if s == "" {
		return nil, fmt.Errorf("missing %s", field)
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", field, err)
	}
	return new(big.Int).SetBytes(b), nil
}

func parseRSAKey(jwk map[string]any) (*rsa.PublicKey, error) {
	n, err := decodeBigInt(jwk, "n")
	if err != nil {
		return nil, err
	}
	e, err := decodeBigInt(jwk, "e")
	if err != nil {
		return nil, err
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func parseECKey(jwk map[string]any) (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch jwk["crv"] {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported curve %v", jwk["crv"])
	}
	x, err := decodeBigInt(jwk, "x")
	if err != nil {
		return nil, err
	}
	y, err := decodeBigInt(jwk, "y")
	if err != nil {
		return nil, err
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// NewJWTAuth returns a middleware that verifies the bearer token found in
// the connection's authorization metadata and stores the verified claims in
// the session. HMAC tokens are checked against cfg.Secret; RSA and ECDSA
// tokens against jwks, which may be nil.
func NewJWTAuth(cfg config.IdentityConfig, jwks *JWKSClient) Middleware {
	keyFunc := func(token *jwt.Token) (any, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodHMAC:
			if cfg.Secret == "" {
				return nil, errors.New("hmac tokens are not accepted")
			}
			return []byte(cfg.Secret), nil
		case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA:
			if jwks == nil {
				return nil, errors.New("no jwks configured")
			}
			kid, _ := token.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("missing kid in token header")
			}
			return jwks.GetKey(kid)
		}
		return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
	}

	opts := []jwt.ParserOption{
		jwt.WithLeeway(30 * time.Second),
		jwt.WithExpirationRequired(),
	}
	if len(cfg.Algorithms) > 0 {
		opts = append(opts, jwt.WithValidMethods(cfg.Algorithms))
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return Middleware{
		Name: AuthName,
		Pre: func(_ context.Context, data *model.ActionData) (map[string]any, error) {
			auth := data.Connection.Meta(AuthorizationMeta)
			if auth == "" {
				return nil, model.NewUnauthorizedError("Missing authorization header")
			}
			if !strings.HasPrefix(auth, "Bearer ") {
				return nil, model.NewUnauthorizedError("Invalid authorization header format")
			}

			token, err := jwt.Parse(auth[7:], keyFunc, opts...)
			if err != nil {
				return nil, model.NewUnauthorizedError(classifyJWTError(err))
			}
			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok || !token.Valid {
				return nil, model.NewUnauthorizedError("Invalid token")
			}

			data.Session[SessionClaims] = map[string]any(claims)
			if sub, err := claims.GetSubject(); err == nil {
				data.Session[SessionSubject] = sub
			}
			return nil, nil
		},
	}
}

func classifyJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case strings.Contains(err.Error(), "signing method"):
		return "Disallowed signing algorithm"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	case strings.Contains(err.Error(), "kid"), strings.Contains(err.Error(), "signing key"):
		return "Unknown signing key"
	default:
		return "Invalid token"
	}
}
