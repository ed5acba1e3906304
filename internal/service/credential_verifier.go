package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/clinic-auth-api/internal/models"
	appErrors "github.com/noah-isme/clinic-auth-api/pkg/errors"
)

type credentialRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
}

// CredentialVerifier checks email/password pairs against stored users.
type CredentialVerifier struct {
	repo credentialRepository

	dummyOnce sync.Once
	dummyHash []byte
}

// NewCredentialVerifier constructs a CredentialVerifier.
func NewCredentialVerifier(repo credentialRepository) *CredentialVerifier {
	return &CredentialVerifier{repo: repo}
}

// Verify returns the user when the credentials match an active account.
// Unknown emails, inactive accounts and wrong passwords all yield the same
// INVALID_CREDENTIALS error.
func (v *CredentialVerifier) Verify(ctx context.Context, email, password string) (*models.User, error) {
	user, err := v.repo.FindByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			v.burnCompare(password)
			return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
		}
		return nil, appErrors.Internal(err, "failed to fetch user")
	}

	if err := ComparePassword(user.PasswordHash, password); err != nil {
		return nil, err
	}

	if !user.Active {
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
	}

	return user, nil
}

// burnCompare spends a bcrypt comparison so unknown emails take about as long
// as known ones.
func (v *CredentialVerifier) burnCompare(password string) {
	v.dummyOnce.Do(func() {
		v.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("clinic-dummy-password"), bcrypt.DefaultCost)
	})
	_ = bcrypt.CompareHashAndPassword(v.dummyHash, []byte(password))
}

// ComparePassword checks password against a bcrypt hash in constant time.
func ComparePassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return appErrors.Clone(appErrors.ErrInvalidCredentials, "")
	}
	return nil
}

// maxPasswordBytes is the longest input bcrypt takes into account.
const maxPasswordBytes = 72

// HashPassword hashes a password with the default bcrypt cost. Inputs bcrypt
// would silently truncate are rejected as a policy violation.
func HashPassword(password string) (string, error) {
	if len(password) > maxPasswordBytes {
		return "", appErrors.Clone(appErrors.ErrPasswordPolicy, "password must be at most 72 bytes long")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", appErrors.Internal(err, "failed to hash password")
	}
	return string(hash), nil
}

// NormalizeEmail lower-cases and trims an email used as a login key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
