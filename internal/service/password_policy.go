package service

import (
	"fmt"
	"strings"
	"unicode/utf8"

	appErrors "github.com/noah-isme/clinic-auth-api/pkg/errors"
)

// DefaultPasswordMinLength is the minimum length used when none is configured.
const DefaultPasswordMinLength = 12

// PasswordPunctuation lists the characters accepted as the special class.
const PasswordPunctuation = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

// PasswordPolicy validates password strength. Letter and digit classes are
// the ASCII ranges; other characters count towards length only.
type PasswordPolicy struct {
	MinLength int
}

// NewPasswordPolicy builds a policy, falling back to the default length.
func NewPasswordPolicy(minLength int) *PasswordPolicy {
	if minLength <= 0 {
		minLength = DefaultPasswordMinLength
	}
	return &PasswordPolicy{MinLength: minLength}
}

// Check reports whether password satisfies the policy and, if not, the first
// rule it breaks. It runs in a single pass over the input.
func (p PasswordPolicy) Check(password string) (bool, string) {
	minLength := p.MinLength
	if minLength <= 0 {
		minLength = DefaultPasswordMinLength
	}

	var upper, lower, digit, special bool
	for i := 0; i < len(password); i++ {
		c := password[i]
		switch {
		case c >= 'A' && c <= 'Z':
			upper = true
		case c >= 'a' && c <= 'z':
			lower = true
		case c >= '0' && c <= '9':
			digit = true
		case c < utf8.RuneSelf && strings.IndexByte(PasswordPunctuation, c) >= 0:
			special = true
		}
	}

	switch {
	case utf8.RuneCountInString(password) < minLength:
		return false, fmt.Sprintf("password must be at least %d characters long", minLength)
	case !upper:
		return false, "password must contain at least one uppercase letter"
	case !lower:
		return false, "password must contain at least one lowercase letter"
	case !digit:
		return false, "password must contain at least one digit"
	case !special:
		return false, "password must contain at least one special character"
	}
	return true, ""
}

// Validate returns a PASSWORD_POLICY_VIOLATION error naming the broken rule.
func (p PasswordPolicy) Validate(password string) error {
	if ok, reason := p.Check(password); !ok {
		return appErrors.Clone(appErrors.ErrPasswordPolicy, reason)
	}
	return nil
}
