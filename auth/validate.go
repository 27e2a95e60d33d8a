package auth

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateUsername accepts 3-50 letters, digits, underscores or hyphens.
func ValidateUsername(username string) error {
	if len(username) < 3 || len(username) > 50 {
		return errors.New("Username must be between 3 and 50 characters")
	}
	if !usernamePattern.MatchString(username) {
		return errors.New("Username can only contain letters, numbers, underscores, and hyphens")
	}
	return nil
}

// ValidatePassword requires 8 characters with an uppercase letter, a lowercase letter and a digit.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return errors.New("Password must be at least 8 characters long")
	}
	var upper, lower, digit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !upper || !lower || !digit {
		return errors.New("Password must contain at least one uppercase letter, one lowercase letter, and one number")
	}
	return nil
}

// Sanitize trims s and escapes angle brackets.
func Sanitize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "<", "&lt;")
	return strings.ReplaceAll(s, ">", "&gt;")
}

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
