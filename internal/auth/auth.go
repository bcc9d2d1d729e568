package auth

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	bearerPrefix = "bearer "
	clockSkew    = 5 * time.Second
)

// Claims is the payload issued by the admin, client and support auth services.
type Claims struct {
	UserID int64  `json:"userId"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator decodes a bearer token into a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Principal, error)
}

// Validator verifies HS256 tokens signed with a shared secret.
type Validator struct {
	secret []byte
	issuer string
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithIssuer requires tokens to carry the given iss claim.
func WithIssuer(issuer string) ValidatorOption {
	return func(v *Validator) {
		v.issuer = strings.TrimSpace(issuer)
	}
}

// NewValidator builds a validator for the shared HS256 secret.
func NewValidator(secret string, opts ...ValidatorOption) (*Validator, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSecret
	}
	v := &Validator{secret: []byte(secret)}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Authenticate verifies signature, expiry and the userId/role claims.
func (v *Validator) Authenticate(_ context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrMissingToken
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, parserOpts...)
	if err != nil || !parsed.Valid {
		return Principal{}, ErrInvalidToken
	}
	return principalFromClaims(claims)
}

func principalFromClaims(c *Claims) (Principal, error) {
	role, err := ParseRole(c.Role)
	if err != nil {
		return Principal{}, err
	}
	id := c.UserID
	if id == 0 && c.Subject != "" {
		// Some issuers only put the numeric id in sub.
		if parsed, perr := strconv.ParseInt(c.Subject, 10, 64); perr == nil {
			id = parsed
		}
	}
	if id <= 0 {
		return Principal{}, fmt.Errorf("%w: missing userId", ErrInvalidToken)
	}
	return Principal{ID: id, Role: role}, nil
}

// Signer issues tokens in the same format the auth services use. The relay
// itself only validates; signing backs the dev token command and tests.
type Signer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewSigner builds a signer for the shared HS256 secret.
func NewSigner(secret, issuer string) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &Signer{secret: []byte(secret), issuer: strings.TrimSpace(issuer), now: time.Now}, nil
}

// Issue signs a token for p valid for ttl.
func (s *Signer) Issue(p Principal, ttl time.Duration) (string, error) {
	if p.ID <= 0 || !p.Role.Valid() {
		return "", fmt.Errorf("auth: invalid principal %s", p)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("auth: ttl must be greater than zero")
	}
	now := s.now().UTC()
	claims := Claims{
		UserID: p.ID,
		Role:   string(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   strconv.FormatInt(p.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// BearerToken extracts the credential from an Authorization header value. A
// value without the Bearer scheme is returned as-is, since websocket clients
// often pass the raw token.
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingToken
	}
	if len(header) >= len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		header = strings.TrimSpace(header[len(bearerPrefix):])
	}
	if header == "" || strings.EqualFold(header, strings.TrimSpace(bearerPrefix)) {
		return "", ErrMissingToken
	}
	return header, nil
}
