package jwks

import (
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
	"github.com/osvaldoandrade/historia/pkg/auth"
)

const (
	defaultCacheTTL    = 5 * time.Minute
	defaultHTTPTimeout = 5 * time.Second
)

// Config is the JSON config of the jwks provider.
type Config struct {
	JwksURL            string `json:"jwksUrl"`
	Issuer             string `json:"issuer"`
	Audience           string `json:"audience"`
	ClockSkewSeconds   int    `json:"clockSkewSeconds,omitempty"`
	HTTPTimeoutSeconds int    `json:"httpTimeoutSeconds,omitempty"`
	CacheTTLSeconds    int    `json:"cacheTtlSeconds,omitempty"`
}

// Validator validates RS256 JWTs against keys served from a JWKS endpoint.
type Validator struct {
	jwksURL   string
	issuer    string
	audience  string
	clockSkew time.Duration
	cacheTTL  time.Duration
	client    *http.Client

	mu        sync.RWMutex
	keyCache  map[string]*rsa.PublicKey
	cacheTime time.Time
}

func NewValidator(cfg Config) (*Validator, error) {
	if cfg.JwksURL == "" {
		return nil, errors.New("jwksUrl is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("audience is required")
	}
	timeout := time.Duration(cfg.HTTPTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Validator{
		jwksURL:   cfg.JwksURL,
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		clockSkew: time.Duration(cfg.ClockSkewSeconds) * time.Second,
		cacheTTL:  ttl,
		client:    &http.Client{Timeout: timeout},
		keyCache:  make(map[string]*rsa.PublicKey),
	}, nil
}

func NewValidatorFromJSON(raw json.RawMessage) (auth.Validator, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("jwks auth: invalid config: %w", err)
	}
	v, err := NewValidator(cfg)
	if err != nil {
		return nil, fmt.Errorf("jwks auth: %w", err)
	}
	return v, nil
}

func init() {
	auth.RegisterProvider("jwks", NewValidatorFromJSON)
}

func (v *Validator) Validate(tokenString string) (*auth.Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errors.New("missing kid in token header")
		}
		return v.getPublicKey(kid)
	},
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithLeeway(v.clockSkew),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims")
	}
	audiences, _ := claims.GetAudience()

	result := &auth.Claims{
		Subject:  getStringClaim(claims, "sub"),
		Email:    getStringClaim(claims, "email"),
		Name:     getStringClaim(claims, "name"),
		Issuer:   getStringClaim(claims, "iss"),
		Audience: audiences,
		Raw:      claims,
	}
	if result.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		result.ExpiresAt = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		result.IssuedAt = iat.Time
	}
	if scope, ok := claims["scope"].(string); ok {
		result.Scopes = strings.Fields(scope)
	}
	return result, nil
}

func (v *Validator) getPublicKey(kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keyCache[kid]
	fresh := time.Since(v.cacheTime) < v.cacheTTL
	v.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	keys, err := v.fetchKeys()
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.keyCache = keys
	v.cacheTime = time.Now()
	v.mu.Unlock()

	if key, ok := keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("key %s not found in JWKS", kid)
}

func (v *Validator) fetchKeys() (map[string]*rsa.PublicKey, error) {
	resp, err := v.client.Get(v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read JWKS response: %w", err)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(body, &jwks); err != nil {
		return nil, fmt.Errorf("failed to parse JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			return nil, fmt.Errorf("failed to parse RSA key %s: %w", k.Kid, err)
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

func parseRSAPublicKey(nStr, eStr string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode n: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode e: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

func getStringClaim(claims jwt.MapClaims, key string) string {
	if s, ok := claims[key].(string); ok {
		return s
	}
	return ""
}
