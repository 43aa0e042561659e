// Package auth implements the credential verification collaborator
// contract: look up a user in the read-only auth table and compare the
// supplied password against its salted hash.
package auth

import (
	"bookforge/internal/storage"

	"golang.org/x/crypto/bcrypt"
)

// Verify returns true iff username exists and password matches its stored
// hash. Any lookup error (including "not found") is treated as a failed
// login, never surfaced to the caller as a distinct error, so callers
// cannot distinguish "no such user" from "wrong password".
func Verify(s *storage.Storage, username, password string) bool {
	user, err := s.GetAuthUser(username)
	if err != nil {
		return false
	}
	salted := password + user.Salt
	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(salted)) == nil
}

// HashPassword produces a PasswordHash/Salt pair suitable for seeding an
// AuthUser row. Not used by the request path; exists for fixtures and any
// admin tooling that provisions accounts.
func HashPassword(password, salt string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password+salt), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
