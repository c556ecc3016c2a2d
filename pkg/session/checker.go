package session

import (
	"context"
	"fmt"
	"time"

	"github.com/a-essam23/roomgate/pkg/errs"
	"github.com/golang-jwt/jwt/v5"
)

// TokenChecker verifies that a session token is still accepted. It returns
// an error matching errs.ErrStaleToken when the token has been rejected.
type TokenChecker interface {
	Check(ctx context.Context, token string) error
}

type CheckerFunc func(ctx context.Context, token string) error

func (f CheckerFunc) Check(ctx context.Context, token string) error { return f(ctx, token) }

// Checkers runs each checker in order and returns the first failure.
func Checkers(checkers ...TokenChecker) TokenChecker {
	return CheckerFunc(func(ctx context.Context, token string) error {
		for _, c := range checkers {
			if c == nil {
				continue
			}
			if err := c.Check(ctx, token); err != nil {
				return err
			}
		}
		return nil
	})
}

// ExpiryChecker rejects JWT session tokens whose exp claim has passed. The
// signature is not verified here; only the backend can do that. Opaque
// (non-JWT) tokens are left to the backend.
type ExpiryChecker struct {
	Leeway time.Duration
	Now    func() time.Time
}

func (c ExpiryChecker) Check(_ context.Context, token string) error {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	if claims.ExpiresAt == nil {
		return nil
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	if now().After(claims.ExpiresAt.Add(c.Leeway)) {
		return errs.New("session", "CheckExpiry", errs.ErrStaleToken,
			fmt.Errorf("token expired at %s", claims.ExpiresAt.Time.Format(time.RFC3339)))
	}
	return nil
}

// SubjectOf returns the sub claim of a JWT without verifying it. Used to
// derive the user id from a token handed back by the identity provider.
func SubjectOf(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("token is not a JWT: %w", err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token has no 'sub' claim")
	}
	return claims.Subject, nil
}
