package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/clinic-auth-api/internal/models"
	appErrors "github.com/noah-isme/clinic-auth-api/pkg/errors"
	"github.com/noah-isme/clinic-auth-api/pkg/mailer"
)

// ResetAcknowledgement is returned for every reset request.
const ResetAcknowledgement = "if the email is registered, a reset link has been sent"

const resetTokenBytes = 32

type resetRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByResetTokenHash(ctx context.Context, digest string) (*models.User, error)
	SetPendingReset(ctx context.Context, id, digest string, expiresAt, updatedAt time.Time) error
	CompleteReset(ctx context.Context, id, resetDigest, passwordHash string, updatedAt time.Time) (bool, error)
}

type mailDispatcher interface {
	Dispatch(msg mailer.Message)
}

// ResetConfig tunes the reset flow.
type ResetConfig struct {
	TokenTTL time.Duration
	// URL is the front-end page the emailed link points at; the token is
	// appended as the "token" query parameter.
	URL string
}

// PasswordResetService drives the forgot/reset password flow.
//
// A pending reset lives in the user's credential slot, so requesting one
// invalidates the current refresh token and a later login discards the
// pending reset.
type PasswordResetService struct {
	repo     resetRepository
	policy   *PasswordPolicy
	mail     mailDispatcher
	audit    *AuditRecorder
	cache    *CacheService
	metrics  *MetricsService
	config   ResetConfig
	logger   *zap.Logger
	now      func() time.Time
	newToken func() (string, error)
}

// NewPasswordResetService constructs a PasswordResetService.
func NewPasswordResetService(repo resetRepository, policy *PasswordPolicy, mail mailDispatcher, audit *AuditRecorder, cache *CacheService, metrics *MetricsService, config ResetConfig, logger *zap.Logger) *PasswordResetService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == nil {
		policy = NewPasswordPolicy(DefaultPasswordMinLength)
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = time.Hour
	}
	return &PasswordResetService{
		repo:     repo,
		policy:   policy,
		mail:     mail,
		audit:    audit,
		cache:    cache,
		metrics:  metrics,
		config:   config,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newToken: randomResetToken,
	}
}

// RequestReset starts a reset for the account registered under email. The
// acknowledgement is identical whether or not the account exists and whether
// or not anything was sent.
func (s *PasswordResetService) RequestReset(ctx context.Context, email string) string {
	user, err := s.repo.FindByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.metrics.RecordPasswordReset(ResetStageUnknown)
		} else {
			s.logger.Error("reset lookup failed", zap.Error(err))
		}
		return ResetAcknowledgement
	}

	token, err := s.newToken()
	if err != nil {
		s.logger.Error("failed to generate reset token", zap.Error(err))
		return ResetAcknowledgement
	}

	now := s.now()
	expiresAt := now.Add(s.config.TokenTTL)
	if err := s.repo.SetPendingReset(ctx, user.ID, TokenDigest(token), expiresAt, now); err != nil {
		s.logger.Error("failed to store reset token", zap.String("user_id", user.ID), zap.Error(err))
		return ResetAcknowledgement
	}

	s.metrics.RecordPasswordReset(ResetStageRequested)
	s.logger.Info("password reset requested", zap.String("user_id", user.ID), zap.String("email", user.Email))
	s.audit.Record(ctx, user.ID, models.EventPasswordResetRequested, nil)

	if s.mail != nil {
		s.mail.Dispatch(s.resetMessage(user, token, expiresAt))
	}
	return ResetAcknowledgement
}

// ConsumeReset sets a new password using a pending reset token. Unknown,
// superseded and expired tokens are all reported as INVALID_OR_EXPIRED_TOKEN.
// On success the credential slot is left empty.
func (s *PasswordResetService) ConsumeReset(ctx context.Context, token, newPassword string) error {
	if token == "" {
		return invalidResetToken()
	}
	digest := TokenDigest(token)

	user, err := s.repo.FindByResetTokenHash(ctx, digest)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.metrics.RecordPasswordReset(ResetStageRejected)
			return invalidResetToken()
		}
		return appErrors.Internal(err, "failed to look up reset token")
	}

	slot := user.Slot()
	if slot.Kind != models.SlotPendingReset || !digestEqual(slot.Digest, digest) || s.now().After(slot.ExpiresAt) {
		s.metrics.RecordPasswordReset(ResetStageRejected)
		return invalidResetToken()
	}

	if err := s.policy.Validate(newPassword); err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}

	ok, err := s.repo.CompleteReset(ctx, user.ID, digest, hash, s.now())
	if err != nil {
		return appErrors.Internal(err, "failed to reset password")
	}
	if !ok {
		// The slot changed between lookup and write, e.g. a login landed.
		s.metrics.RecordPasswordReset(ResetStageRejected)
		return invalidResetToken()
	}

	s.metrics.RecordPasswordReset(ResetStageCompleted)
	s.audit.Record(ctx, user.ID, models.EventPasswordResetCompleted, nil)
	s.cache.Invalidate(ctx, principalCacheKey(user.ID))
	return nil
}

func (s *PasswordResetService) resetMessage(user *models.User, token string, expiresAt time.Time) mailer.Message {
	link := s.config.URL
	if u, err := url.Parse(s.config.URL); err == nil && s.config.URL != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
		link = u.String()
	} else {
		link = token
	}

	body := fmt.Sprintf("Hello %s,\n\nA password reset was requested for your clinic account.\n"+
		"Use the link below before %s to choose a new password:\n\n%s\n\n"+
		"If you did not request this, you can ignore this message.\n",
		user.FirstName, expiresAt.Format(time.RFC1123), link)

	return mailer.Message{To: user.Email, Subject: "Password reset", Body: body}
}

func invalidResetToken() error {
	return appErrors.Clone(appErrors.ErrInvalidOrExpiredToken, "")
}

func randomResetToken() (string, error) {
	buf := make([]byte, resetTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
