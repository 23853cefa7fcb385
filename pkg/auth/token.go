package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"frontdoor/pkg/models"
)

var (
	// ErrInvalidCredential is returned for every token that must not be
	// trusted. It always wraps one of the more specific errors below.
	ErrInvalidCredential = errors.New("invalid credential")
	ErrMissingCredential = errors.New("missing bearer token")
	ErrMalformedToken    = errors.New("malformed token")
	ErrExpiredToken      = errors.New("token expired")
)

func invalid(reason error, detail string) error {
	if detail == "" {
		return fmt.Errorf("%w: %w", ErrInvalidCredential, reason)
	}
	return fmt.Errorf("%w: %w: %s", ErrInvalidCredential, reason, detail)
}

type tokenClaims struct {
	Scope string `json:"scope,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Validator checks HS256 tokens signed with a pre-shared key.
type Validator struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
	parser *jwt.Parser
}

type ValidatorOption func(*Validator)

// WithIssuer requires the iss claim to match.
func WithIssuer(issuer string) ValidatorOption {
	return func(v *Validator) {
		v.issuer = strings.TrimSpace(issuer)
	}
}

func WithLeeway(d time.Duration) ValidatorOption {
	return func(v *Validator) {
		if d > 0 {
			v.leeway = d
		}
	}
}

// WithClock replaces time.Now; used by tests.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) {
		if now != nil {
			v.now = now
		}
	}
}

func NewValidator(secret []byte, opts ...ValidatorOption) (*Validator, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("jwt secret required")
	}
	v := &Validator{
		secret: append([]byte(nil), secret...),
		now:    time.Now,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation()),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Validate verifies the signature and expiry of token and returns its claims.
func (v *Validator) Validate(token string) (models.Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return models.Claims{}, invalid(ErrMissingCredential, "")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return models.Claims{}, invalid(ErrMalformedToken, "token must have three segments")
	}
	// Strict decoding rejects signatures that differ only in unused trailing bits.
	if _, err := base64.RawURLEncoding.Strict().DecodeString(parts[2]); err != nil {
		return models.Claims{}, invalid(ErrMalformedToken, "signature encoding")
	}
	var tc tokenClaims
	_, err := v.parser.ParseWithClaims(token, &tc, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return models.Claims{}, invalid(ErrMalformedToken, err.Error())
	}
	if strings.TrimSpace(tc.Subject) == "" {
		return models.Claims{}, invalid(ErrMalformedToken, "subject missing")
	}
	if tc.ExpiresAt == nil {
		return models.Claims{}, invalid(ErrMalformedToken, "expiry missing")
	}
	if v.issuer != "" && tc.Issuer != v.issuer {
		return models.Claims{}, invalid(ErrMalformedToken, "issuer mismatch")
	}
	now := v.now().UTC()
	if tc.NotBefore != nil && now.Add(v.leeway).Before(tc.NotBefore.Time) {
		return models.Claims{}, invalid(ErrMalformedToken, "token not yet valid")
	}
	if now.After(tc.ExpiresAt.Time.Add(v.leeway)) {
		return models.Claims{}, invalid(ErrExpiredToken, "")
	}
	claims := models.Claims{
		Subject:   tc.Subject,
		Scope:     tc.Scope,
		ExpiresAt: tc.ExpiresAt.Time.UTC(),
	}
	if tc.IssuedAt != nil {
		claims.IssuedAt = tc.IssuedAt.Time.UTC()
	}
	return claims, nil
}

// Issuer mints tokens accepted by Validator.
type Issuer struct {
	secret []byte
	issuer string
	scope  string
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret []byte, issuer, scope string, ttl time.Duration) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("jwt secret required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive")
	}
	return &Issuer{
		secret: append([]byte(nil), secret...),
		issuer: issuer,
		scope:  scope,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Issue signs a token for subject. name is optional display data.
func (i *Issuer) Issue(subject, name string) (string, models.Claims, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", models.Claims{}, fmt.Errorf("subject required")
	}
	now := i.now().UTC().Truncate(time.Second)
	exp := now.Add(i.ttl)
	tc := tokenClaims{
		Scope: i.scope,
		Name:  name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tc).SignedString(i.secret)
	if err != nil {
		return "", models.Claims{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, models.Claims{Subject: subject, Scope: i.scope, IssuedAt: now, ExpiresAt: exp}, nil
}
