package storage

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for an unknown user or a wrong password.
var ErrInvalidCredentials = errors.New("invalid username or password")

// Users checks passwords against bcrypt hashes.
type Users struct {
	hashes map[string][]byte
}

// ParseUsers builds a user set from "name:bcrypt-hash" entries.
func ParseUsers(entries []string) (*Users, error) {
	u := &Users{hashes: make(map[string][]byte, len(entries))}
	for _, e := range entries {
		name, hash, ok := strings.Cut(e, ":")
		if !ok || name == "" || hash == "" {
			return nil, fmt.Errorf("invalid user entry %q", e)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("user %s: %w", name, err)
		}
		u.hashes[name] = []byte(hash)
	}
	return u, nil
}

// Add registers a user with a plain password. It must not be called
// concurrently with Verify.
func (u *Users) Add(name, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.hashes[name] = hash
	return nil
}

// Verify returns the user id for valid credentials.
func (u *Users) Verify(name, password string) (string, error) {
	hash, ok := u.hashes[name]
	if !ok {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return name, nil
}

// Exists reports whether name is a known user.
func (u *Users) Exists(name string) bool {
	_, ok := u.hashes[name]
	return ok
}
