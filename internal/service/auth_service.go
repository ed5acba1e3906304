package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/clinic-auth-api/internal/models"
	appErrors "github.com/noah-isme/clinic-auth-api/pkg/errors"
)

type authUserRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	UpdateLastLogin(ctx context.Context, id string, ts time.Time) error
	UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error
}

// AuthConfig defines configuration for authentication flows.
type AuthConfig struct {
	PrincipalTTL time.Duration
}

// AuthDeps groups the collaborators of AuthService.
type AuthDeps struct {
	Users    authUserRepository
	Verifier *CredentialVerifier
	Tokens   *TokenIssuer
	Sessions *SessionService
	Policy   *PasswordPolicy
	Audit    *AuditRecorder
	Cache    *CacheService
	Metrics  *MetricsService
}

// AuthService provides authentication use cases on top of the credential,
// token and session components.
type AuthService struct {
	repo      authUserRepository
	verifier  *CredentialVerifier
	tokens    *TokenIssuer
	sessions  *SessionService
	policy    *PasswordPolicy
	audit     *AuditRecorder
	cache     *CacheService
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	config    AuthConfig
	now       func() time.Time
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(deps AuthDeps, validate *validator.Validate, logger *zap.Logger, config AuthConfig) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if deps.Policy == nil {
		deps.Policy = NewPasswordPolicy(DefaultPasswordMinLength)
	}
	if deps.Verifier == nil {
		deps.Verifier = NewCredentialVerifier(deps.Users)
	}
	return &AuthService{
		repo:      deps.Users,
		verifier:  deps.Verifier,
		tokens:    deps.Tokens,
		sessions:  deps.Sessions,
		policy:    deps.Policy,
		audit:     deps.Audit,
		cache:     deps.Cache,
		metrics:   deps.Metrics,
		validator: validate,
		logger:    logger,
		config:    config,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Login authenticates a user, issues a token pair and admits a session.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}

	user, err := s.verifier.Verify(ctx, req.Email, req.Password)
	if err != nil {
		s.recordLogin(err)
		return nil, err
	}

	pair, err := s.tokens.Issue(ctx, user.ID, user.Email, user.Role)
	if err != nil {
		s.metrics.RecordLogin(OutcomeError)
		return nil, err
	}

	res := &models.LoginResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
		User:         user.Info(),
		IssuedAt:     pair.IssuedAt,
	}

	session, err := s.sessions.Admit(ctx, user.ID, Fingerprint(pair.RefreshToken), req.IP, req.UserAgent)
	if err != nil {
		s.logger.Warn("failed to admit session", zap.String("user_id", user.ID), zap.Error(err))
	} else {
		res.SessionID = session.ID
	}

	if err := s.repo.UpdateLastLogin(ctx, user.ID, pair.IssuedAt); err != nil {
		s.logger.Warn("failed to update last login", zap.String("user_id", user.ID), zap.Error(err))
	}

	s.metrics.RecordLogin(OutcomeSuccess)
	return res, nil
}

func (s *AuthService) recordLogin(err error) {
	if errors.Is(err, appErrors.ErrInvalidCredentials) {
		s.metrics.RecordLogin(OutcomeFailure)
		return
	}
	s.metrics.RecordLogin(OutcomeError)
}

// Register creates a new staff account. No tokens are issued.
func (s *AuthService) Register(ctx context.Context, req models.RegisterRequest) (*models.UserInfo, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid registration payload")
	}
	if err := s.policy.Validate(req.Password); err != nil {
		return nil, err
	}

	email := NormalizeEmail(req.Email)
	if _, err := s.repo.FindByEmail(ctx, email); err == nil {
		return nil, appErrors.Clone(appErrors.ErrEmailAlreadyRegistered, "")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Internal(err, "failed to check email")
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		Email:        email,
		PasswordHash: hash,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Role:         req.Role,
		SpecialtyID:  req.SpecialtyID,
		Phone:        req.Phone,
		Active:       true,
	}
	if err := s.repo.Create(ctx, user); err != nil {
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, appErrors.Internal(err, "failed to create user")
	}

	s.logger.Info("user registered", zap.String("user_id", user.ID), zap.String("email", user.Email), zap.String("role", string(user.Role)))
	info := user.Info()
	return &info, nil
}

// Refresh exchanges a refresh token for a new pair and marks the user's
// latest session as active.
func (s *AuthService) Refresh(ctx context.Context, req models.RefreshTokenRequest) (*models.TokenPair, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refresh payload")
	}

	pair, user, err := s.tokens.Refresh(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, appErrors.ErrInvalidRefreshToken) {
			s.metrics.RecordRefresh(OutcomeFailure)
		} else {
			s.metrics.RecordRefresh(OutcomeError)
		}
		return nil, err
	}

	if err := s.sessions.RecordActivity(ctx, user.ID); err != nil {
		s.logger.Warn("failed to record session activity", zap.String("user_id", user.ID), zap.Error(err))
	}

	s.metrics.RecordRefresh(OutcomeSuccess)
	return pair, nil
}

// Logout clears the user's refresh token.
func (s *AuthService) Logout(ctx context.Context, userID string) error {
	if err := s.tokens.Revoke(ctx, userID); err != nil {
		return err
	}
	s.audit.Record(ctx, userID, models.EventLogout, nil)
	s.cache.Invalidate(ctx, principalCacheKey(userID))
	return nil
}

// LogoutEverywhere clears the refresh token and terminates every active
// session of the user. It returns the number of sessions ended.
func (s *AuthService) LogoutEverywhere(ctx context.Context, userID string) (int64, error) {
	if err := s.tokens.Revoke(ctx, userID); err != nil {
		return 0, err
	}
	count, err := s.sessions.TerminateAll(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.audit.Record(ctx, userID, models.EventLogout, models.EventMetadata{"sessions": count})
	s.cache.Invalidate(ctx, principalCacheKey(userID))
	return count, nil
}

// ListSessions returns the user's active sessions, most recent first.
func (s *AuthService) ListSessions(ctx context.Context, userID string) ([]models.SessionView, error) {
	return s.sessions.List(ctx, userID)
}

// TerminateSession ends one of the user's sessions.
func (s *AuthService) TerminateSession(ctx context.Context, sessionID, userID string) error {
	return s.sessions.Terminate(ctx, sessionID, userID)
}

// ChangePassword replaces the password of an authenticated user after
// re-checking the current one. Existing tokens and sessions stay valid.
func (s *AuthService) ChangePassword(ctx context.Context, userID string, req models.ChangePasswordRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}

	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrInvalidCredentials, "")
		}
		return appErrors.Internal(err, "failed to fetch user")
	}

	if err := ComparePassword(user.PasswordHash, req.CurrentPassword); err != nil {
		return err
	}
	if !user.Active {
		return appErrors.Clone(appErrors.ErrInvalidCredentials, "")
	}

	if err := s.policy.Validate(req.NewPassword); err != nil {
		return err
	}
	hash, err := HashPassword(req.NewPassword)
	if err != nil {
		return err
	}

	if err := s.repo.UpdatePassword(ctx, user.ID, hash, s.now()); err != nil {
		return appErrors.Internal(err, "failed to update password")
	}

	s.audit.Record(ctx, user.ID, models.EventPasswordChanged, nil)
	s.cache.Invalidate(ctx, principalCacheKey(user.ID))
	return nil
}

// Authenticate verifies a bearer access token and that its subject is still
// an active user. Role and email are taken from the stored account.
func (s *AuthService) Authenticate(ctx context.Context, token string) (*models.JWTClaims, error) {
	claims, err := s.tokens.ParseAccessToken(token)
	if err != nil {
		return nil, err
	}

	principal, err := s.principal(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if !principal.Active {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")
	}

	claims.UserID = principal.ID
	claims.Email = principal.Email
	claims.Role = principal.Role
	return claims, nil
}

func (s *AuthService) principal(ctx context.Context, userID string) (*models.Principal, error) {
	key := principalCacheKey(userID)

	var cached models.Principal
	if s.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")
		}
		return nil, appErrors.Internal(err, "failed to fetch user")
	}

	principal := &models.Principal{ID: user.ID, Email: user.Email, Role: user.Role, Active: user.Active}
	s.cache.Set(ctx, key, principal, s.config.PrincipalTTL)
	return principal, nil
}

// Me returns the projection of the given user.
func (s *AuthService) Me(ctx context.Context, userID string) (*models.UserInfo, error) {
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Internal(err, "failed to fetch user")
	}
	info := user.Info()
	return &info, nil
}

func principalCacheKey(userID string) string {
	return "principal:" + userID
}
