package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGenerateAndParseAccessToken(t *testing.T) {
	user := &User{
		ID:   42,
		Role: RoleAdmin,
	}
	secret := "test-secret-key-for-jwt-signing"

	token, err := GenerateAccessToken(user, secret, 15)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	if token == "" {
		t.Fatal("GenerateAccessToken() returned empty token")
	}

	claims, err := ParseToken(token, secret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}

	if claims.Subject != "42" {
		t.Errorf("Subject = %q, want %q", claims.Subject, "42")
	}

	userID, err := claims.UserID()
	if err != nil {
		t.Fatalf("UserID() error = %v", err)
	}
	if userID != 42 {
		t.Errorf("UserID() = %d, want 42", userID)
	}

	if claims.Role != RoleAdmin {
		t.Errorf("Role = %q, want %q", claims.Role, RoleAdmin)
	}

	if claims.SessionID == "" {
		t.Error("SessionID should not be empty")
	}

	if claims.ID == "" {
		t.Error("JTI (ID) should not be empty")
	}
}

func TestParseToken_WrongSecret(t *testing.T) {
	user := &User{ID: 1, Role: RoleUser}

	token, err := GenerateAccessToken(user, "correct-secret", 15)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	_, err = ParseToken(token, "wrong-secret")
	if err == nil {
		t.Error("ParseToken() should fail with wrong secret")
	}
}

func TestParseToken_Garbage(t *testing.T) {
	_, err := ParseToken("not-a-valid-jwt", "secret")
	if err == nil {
		t.Error("ParseToken() should fail with invalid token string")
	}

	_, err = ParseToken("", "secret")
	if err == nil {
		t.Error("ParseToken() should fail with empty token")
	}

	_, err = ParseToken("abc.def", "secret")
	if err == nil {
		t.Error("ParseToken() should fail with malformed JWT")
	}
}

func TestParseToken_NotExpired(t *testing.T) {
	user := &User{ID: 1, Role: RoleUser}

	token, err := GenerateAccessToken(user, "secret", 15)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	claims, err := ParseToken(token, "secret")
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}

	if claims.ExpiresAt.Time.Before(time.Now()) {
		t.Error("newly generated token should not be expired")
	}
}

func TestGenerateAccessToken_DefaultTTL(t *testing.T) {
	user := &User{ID: 1, Role: RoleUser}

	// TTL of 0 should default to 15 minutes
	token, err := GenerateAccessToken(user, "secret", 0)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	claims, err := ParseToken(token, "secret")
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}

	expectedExpiry := time.Now().Add(15 * time.Minute)
	diff := claims.ExpiresAt.Time.Sub(expectedExpiry)
	if diff < -time.Minute || diff > time.Minute {
		t.Errorf("default TTL should be ~15 minutes, got expiry diff of %v", diff)
	}
}

func TestVerifier_VerifyToken(t *testing.T) {
	db := testDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()
	secret := "verifier-test-secret"

	user := seedTestUser(t, db, "verify-me", RoleUser)
	verifier := NewVerifier(secret, repo)

	token, err := GenerateAccessToken(user, secret, 15)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	got, err := verifier.VerifyToken(ctx, token)
	if err != nil {
		t.Fatalf("VerifyToken() error = %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("ID = %d, want %d", got.ID, user.ID)
	}

	// Deactivated accounts are rejected even with a valid token
	user.IsActive = false
	if err := repo.Update(ctx, user); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	_, err = verifier.VerifyToken(ctx, token)
	if !errors.Is(err, ErrUserInactive) {
		t.Errorf("VerifyToken() error = %v, want ErrUserInactive", err)
	}

	// Garbage token
	_, err = verifier.VerifyToken(ctx, "garbage")
	if !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("VerifyToken() error = %v, want ErrTokenInvalid", err)
	}
}

func TestVerifier_VerifyCredentials(t *testing.T) {
	db := testDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	user := seedTestUser(t, db, "login-user", RoleUser)
	verifier := NewVerifier("secret", repo)

	got, err := verifier.VerifyCredentials(ctx, "login-user", "test-password")
	if err != nil {
		t.Fatalf("VerifyCredentials() error = %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("ID = %d, want %d", got.ID, user.ID)
	}

	_, err = verifier.VerifyCredentials(ctx, "login-user", "wrong-password")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("error = %v, want ErrInvalidCredentials", err)
	}

	_, err = verifier.VerifyCredentials(ctx, "no-such-user", "test-password")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("error = %v, want ErrInvalidCredentials", err)
	}
}
