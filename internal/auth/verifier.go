package auth

import (
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tello-relay/relay/internal/config"
)

// Scopes granted by tokens.
const (
	ScopeRead      = "read"
	ScopeControl   = "control"
	ScopeTelemetry = "telemetry"
)

var validScopes = map[string]bool{
	ScopeRead:      true,
	ScopeControl:   true,
	ScopeTelemetry: true,
}

// tokenClaims is the JWT payload accepted by the relay.
type tokenClaims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// Verifier checks bearer tokens signed with a single configured algorithm.
type Verifier struct {
	algorithm string
	secret    []byte
	publicKey *rsa.PublicKey
	parser    *jwt.Parser
}

// NewVerifier builds a verifier from cfg. cfg.Algorithm must be HS256 or RS256.
func NewVerifier(cfg config.AuthConfig) (*Verifier, error) {
	v := &Verifier{algorithm: cfg.Algorithm}

	switch cfg.Algorithm {
	case "HS256":
		if cfg.SecretKey == "" {
			return nil, fmt.Errorf("HS256 requires secret key")
		}
		v.secret = []byte(cfg.SecretKey)
	case "RS256":
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("failed to load public key from PEM: %w", err)
		}
		v.publicKey = key
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", cfg.Algorithm)
	}

	v.parser = jwt.NewParser(jwt.WithValidMethods([]string{cfg.Algorithm}))
	return v, nil
}

// VerifyToken checks the signature and registered claims of tokenString and
// returns the caller's claims.
func (v *Verifier) VerifyToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("token cannot be empty")
	}

	tc := &tokenClaims{}
	token, err := v.parser.ParseWithClaims(tokenString, tc, v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	if tc.Subject == "" {
		return nil, fmt.Errorf("missing or invalid 'sub' claim")
	}
	if len(tc.Scopes) == 0 {
		return nil, fmt.Errorf("missing 'scopes' claim")
	}
	for _, s := range tc.Scopes {
		if !validScopes[s] {
			return nil, fmt.Errorf("invalid scope: %s", s)
		}
	}

	return &Claims{Subject: tc.Subject, Scopes: tc.Scopes}, nil
}

func (v *Verifier) key(*jwt.Token) (interface{}, error) {
	if v.publicKey != nil {
		return v.publicKey, nil
	}
	return v.secret, nil
}
