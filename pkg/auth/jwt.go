package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingKey   = errors.New("jwt secret is empty")
)

// Session kinds carried in the "kind" claim.
const (
	KindStaff         = "staff"
	KindLinkedPatient = "linked_patient"
	KindPatient       = "patient"
)

// Claims is the payload of a session credential.
type Claims struct {
	Role      string `json:"role"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Kind      string `json:"kind"`
	PatientID string `json:"pid,omitempty"`
	jwt.RegisteredClaims
}

// JWTService issues and verifies session credentials.
type JWTService interface {
	Issue(claims Claims) (string, time.Time, error)
	Verify(token string) (*Claims, error)
}

type hmacService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewJWTService returns an HS256 signer. ttl bounds every credential it issues.
func NewJWTService(secret, issuer string, ttl time.Duration) (JWTService, error) {
	if secret == "" {
		return nil, ErrMissingKey
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &hmacService{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}, nil
}

func (s *hmacService) Issue(claims Claims) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(s.ttl)

	claims.Issuer = s.issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(expires)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expires, nil
}

func (s *hmacService) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" && claims.PatientID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
