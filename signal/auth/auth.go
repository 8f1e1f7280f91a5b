// Package auth issues and verifies the tokens that admit a participant to a meeting.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is the default lifetime of an issued token.
const DefaultTokenTTL = 24 * time.Hour

var (
	// ErrInvalidToken is returned when a token cannot be verified.
	ErrInvalidToken = errors.New("invalid token")

	// ErrInvalidSecret is returned when the signing secret is empty.
	ErrInvalidSecret = errors.New("invalid secret")
)

// Claims admit one participant to one meeting.
type Claims struct {
	MeetingID     string `json:"meeting_id"`
	ParticipantID string `json:"participant_id"`
	jwt.RegisteredClaims
}

// Authority signs and verifies tokens with a shared HMAC secret.
type Authority struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// New creates an Authority. A non-positive ttl uses DefaultTokenTTL.
func New(secret string, ttl time.Duration) (*Authority, error) {
	if secret == "" {
		return nil, ErrInvalidSecret
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Authority{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for a participant of a meeting.
func (a *Authority) Issue(meetingID, participantID string) (string, error) {
	if meetingID == "" || participantID == "" {
		return "", fmt.Errorf("meeting and participant are required: %w", ErrInvalidToken)
	}
	now := a.now()
	claims := Claims{
		MeetingID:     meetingID,
		ParticipantID: participantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   participantID,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Verify parses a token and returns its claims.
func (a *Authority) Verify(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.MeetingID == "" || claims.ParticipantID == "" {
		return nil, fmt.Errorf("missing meeting or participant: %w", ErrInvalidToken)
	}
	return claims, nil
}
