package server

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSessionSecret = "test-session-secret"

func mintSessionToken(t *testing.T, secret, userID, name string, moderator bool) string {
	t.Helper()
	claims := sessionClaims{
		Name:      name,
		Moderator: moderator,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign session token: %v", err)
	}
	return token
}

func TestAuthenticateResolvesPrincipal(t *testing.T) {
	t.Parallel()

	authorizer := newSessionAuthorizer(testSessionSecret)
	token := mintSessionToken(t, testSessionSecret, "user-1", "Margery", true)

	principal, err := authorizer.Authenticate(token)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if principal.UserID != "user-1" {
		t.Fatalf("UserID = %q, want %q", principal.UserID, "user-1")
	}
	if principal.Name != "Margery" {
		t.Fatalf("Name = %q, want %q", principal.Name, "Margery")
	}
	if !principal.Moderator {
		t.Fatal("expected moderator principal")
	}
}

func TestAuthenticateDefaultsNameToUserID(t *testing.T) {
	t.Parallel()

	authorizer := newSessionAuthorizer(testSessionSecret)
	token := mintSessionToken(t, testSessionSecret, "user-2", "", false)

	principal, err := authorizer.Authenticate(token)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if principal.Name != "user-2" {
		t.Fatalf("Name = %q, want %q", principal.Name, "user-2")
	}
}

func TestAuthenticateRejectsWrongSecret(t *testing.T) {
	t.Parallel()

	authorizer := newSessionAuthorizer(testSessionSecret)
	token := mintSessionToken(t, "another-secret", "user-1", "", false)

	if _, err := authorizer.Authenticate(token); err == nil {
		t.Fatal("expected auth error for foreign signature")
	}
}

func TestAuthenticateRejectsMissingSubject(t *testing.T) {
	t.Parallel()

	authorizer := newSessionAuthorizer(testSessionSecret)
	token := mintSessionToken(t, testSessionSecret, "", "Nameless", false)

	_, err := authorizer.Authenticate(token)
	if err == nil {
		t.Fatal("expected auth error for missing subject")
	}
	if !strings.Contains(err.Error(), "subject") {
		t.Fatalf("error = %v, expected subject complaint", err)
	}
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	t.Parallel()

	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSessionSecret))
	if err != nil {
		t.Fatalf("sign session token: %v", err)
	}

	authorizer := newSessionAuthorizer(testSessionSecret)
	if _, err := authorizer.Authenticate(token); err == nil {
		t.Fatal("expected auth error for expired token")
	}
}
