package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultTokenTTL = 30 * time.Minute
	defaultSubject  = "owner"
)

var (
	// ErrMissingSigningSecret indicates the issuer was built without a signing secret.
	ErrMissingSigningSecret = errors.New("auth: signing secret must be provided")
	// ErrMissingDeviceSecret indicates the issuer was built without a device secret.
	ErrMissingDeviceSecret = errors.New("auth: device secret must be provided")
	// ErrMissingIssuer indicates a blank issuer name.
	ErrMissingIssuer = errors.New("auth: issuer must be provided")
	// ErrMissingAudience indicates a blank audience name.
	ErrMissingAudience = errors.New("auth: audience must be provided")
	// ErrInvalidDeviceSecret indicates the presented device secret did not match.
	ErrInvalidDeviceSecret = errors.New("auth: invalid device secret")
	// ErrMissingSubjectClaim indicates a validated token carried no subject.
	ErrMissingSubjectClaim = errors.New("auth: subject claim must be provided")
)

// TokenIssuerConfig configures the device-token issuer. The device secret is
// the long-lived credential a client presents once; issued JWTs are the
// short-lived credentials used on every engine call.
type TokenIssuerConfig struct {
	SigningSecret []byte
	DeviceSecret  []byte
	Issuer        string
	Audience      string
	Subject       string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer exchanges the configured device secret for signed HS256 JWTs and
// validates them on later requests.
type TokenIssuer struct {
	signingSecret []byte
	deviceSecret  []byte
	issuer        string
	audience      string
	subject       string
	tokenTTL      time.Duration
	clock         func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer, validating the required secrets.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	if len(cfg.DeviceSecret) == 0 {
		return nil, ErrMissingDeviceSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, ErrMissingAudience
	}
	subject := strings.TrimSpace(cfg.Subject)
	if subject == "" {
		subject = defaultSubject
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		deviceSecret:  append([]byte(nil), cfg.DeviceSecret...),
		issuer:        issuer,
		audience:      audience,
		subject:       subject,
		tokenTTL:      ttl,
		clock:         clock,
	}, nil
}

// ExchangeDeviceSecret verifies the presented device secret in constant time
// and returns a signed token plus its expiry in seconds.
func (i *TokenIssuer) ExchangeDeviceSecret(_ context.Context, presented string) (string, int64, error) {
	if subtle.ConstantTimeCompare([]byte(presented), i.deviceSecret) != 1 {
		return "", 0, ErrInvalidDeviceSecret
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.tokenTTL).UTC()

	tokenID, err := uuid.NewV7()
	if err != nil {
		return "", 0, err
	}

	registered := jwt.RegisteredClaims{
		ID:        tokenID.String(),
		Subject:   i.subject,
		Issuer:    i.issuer,
		Audience:  []string{i.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(i.signingSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the JWT is well formed and returns the subject.
func (i *TokenIssuer) ValidateToken(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.signingSecret, nil
		},
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", ErrMissingSubjectClaim
	}
	return claims.Subject, nil
}
