package auth

import (
	"context"
	"fmt"
)

// Verifier resolves bearer tokens to active user accounts.
//
// It validates the JWT signature and expiry, then confirms the account still
// exists and is active. Deactivated accounts are rejected even while their
// tokens are unexpired.
type Verifier struct {
	secret string
	users  UserRepository
}

// NewVerifier creates a token verifier backed by the given user repository.
func NewVerifier(secret string, users UserRepository) *Verifier {
	return &Verifier{secret: secret, users: users}
}

// VerifyToken validates an access token and returns the account it belongs to.
//
// Returns ErrTokenInvalid for malformed or badly signed tokens,
// ErrUserNotFound if the account has been deleted, and ErrUserInactive
// if the account is deactivated.
func (v *Verifier) VerifyToken(ctx context.Context, tokenString string) (*User, error) {
	claims, err := ParseToken(tokenString, v.secret)
	if err != nil {
		return nil, err
	}

	userID, err := claims.UserID()
	if err != nil {
		return nil, err
	}

	user, err := v.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolving token subject: %w", err)
	}

	if !user.IsActive {
		return nil, ErrUserInactive
	}

	return user, nil
}

// VerifyCredentials checks a username and password pair and returns the
// account on success. Used by login surfaces.
func (v *Verifier) VerifyCredentials(ctx context.Context, username, password string) (*User, error) {
	user, err := v.users.GetByUsername(ctx, username)
	if err != nil {
		// Do not reveal whether the username exists
		return nil, ErrInvalidCredentials
	}

	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil || !ok {
		return nil, ErrInvalidCredentials
	}

	if !user.IsActive {
		return nil, ErrUserInactive
	}

	return user, nil
}
