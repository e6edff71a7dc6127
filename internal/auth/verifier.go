// Package auth verifies the ID tokens issued by the identity provider and
// turns their claims into a domain.Identity.
package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"media-studio/internal/domain"
	"media-studio/internal/integrations/paramstore"
)

// ErrUnauthenticated is returned for missing, malformed or invalid tokens.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// Claims are the ID token claims the studio reads. Admin is a capability
// granted by the identity provider.
type Claims struct {
	Email string `json:"email,omitempty"`
	Admin bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

type Options struct {
	Issuer   string
	Audience string
	// Secret enables HS256.
	Secret []byte
	// PublicKeyPEM enables RS256.
	PublicKeyPEM string
	Leeway       time.Duration
}

type Verifier struct {
	parser  *jwt.Parser
	keyFunc jwt.Keyfunc
}

func NewVerifier(opts Options) (*Verifier, error) {
	var (
		method string
		key    any
	)
	switch {
	case len(opts.Secret) > 0 && opts.PublicKeyPEM != "":
		return nil, errors.New("auth: configure either a secret or a public key, not both")
	case len(opts.Secret) > 0:
		method, key = jwt.SigningMethodHS256.Alg(), opts.Secret
	case opts.PublicKeyPEM != "":
		pub, err := parseRSAPublicKey(opts.PublicKeyPEM)
		if err != nil {
			return nil, err
		}
		method, key = jwt.SigningMethodRS256.Alg(), pub
	default:
		return nil, errors.New("auth: a secret or public key is required")
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{method}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(opts.Leeway),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}

	return &Verifier{
		parser: jwt.NewParser(parserOpts...),
		keyFunc: func(*jwt.Token) (any, error) {
			return key, nil
		},
	}, nil
}

// NewSecretVerifier reads the HS256 secret from the parameter store. The
// parameter uses the same {"token": ...} shape as the API key.
func NewSecretVerifier(ctx context.Context, g paramstore.Getter, param string, opts Options) (*Verifier, error) {
	secret, err := paramstore.GetToken(ctx, g, param)
	if err != nil {
		return nil, fmt.Errorf("auth: load signing secret: %w", err)
	}
	opts.Secret = []byte(secret)
	opts.PublicKeyPEM = ""
	return NewVerifier(opts)
}

func parseRSAPublicKey(pemText string) (*rsa.PublicKey, error) {
	pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pemText))
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	return pub, nil
}

// Verify checks the token signature and registered claims and returns the
// caller's identity.
func (v *Verifier) Verify(tokenString string) (domain.Identity, error) {
	var claims Claims
	token, err := v.parser.ParseWithClaims(tokenString, &claims, v.keyFunc)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if !token.Valid {
		return domain.Identity{}, ErrUnauthenticated
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return domain.Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return domain.Identity{
		UserID: sub,
		Email:  claims.Email,
		Admin:  claims.Admin,
	}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", fmt.Errorf("%w: missing or malformed Authorization header", ErrUnauthenticated)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: empty bearer token", ErrUnauthenticated)
	}
	return token, nil
}
