package service

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/clinic-auth-api/internal/models"
	appErrors "github.com/noah-isme/clinic-auth-api/pkg/errors"
)

type sessionEventRepository interface {
	Append(ctx context.Context, event *models.AuthEvent) error
	ListByKindSince(ctx context.Context, userID string, kind models.EventKind, since time.Time) ([]models.AuthEvent, error)
	TransitionKind(ctx context.Context, id, userID string, from, to models.EventKind, since time.Time) (bool, error)
	TransitionAll(ctx context.Context, userID string, from, to models.EventKind, since time.Time) (int64, error)
	MergeMetadata(ctx context.Context, id string, patch models.EventMetadata) error
}

// SessionConfig bounds concurrent sessions per user.
type SessionConfig struct {
	MaxConcurrent   int
	Window          time.Duration
	UserAgentMaxLen int
}

// SessionService tracks logical device sessions in the auth event log.
//
// A session is active while its event has kind SESSION_ACTIVE and was created
// within Window. Sessions form a user-visible device list: they are not tied
// to refresh token validity, so a session stays listed after a later login
// supersedes its refresh token.
//
// Admission is check-then-act. Concurrent logins for one user can all see room
// under the cap and all be admitted; each later admission evicts exactly one
// session, oldest first.
type SessionService struct {
	repo    sessionEventRepository
	config  SessionConfig
	logger  *zap.Logger
	metrics *MetricsService
	now     func() time.Time
}

// NewSessionService constructs a SessionService.
func NewSessionService(repo sessionEventRepository, config SessionConfig, logger *zap.Logger, metrics *MetricsService) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 2
	}
	if config.Window <= 0 {
		config.Window = 24 * time.Hour
	}
	if config.UserAgentMaxLen <= 0 {
		config.UserAgentMaxLen = 255
	}
	return &SessionService{repo: repo, config: config, logger: logger, metrics: metrics, now: func() time.Time { return time.Now().UTC() }}
}

// Admit records a new active session, first evicting the oldest one when the
// user is already at the cap.
func (s *SessionService) Admit(ctx context.Context, userID, fingerprint, ip, userAgent string) (*models.SessionView, error) {
	now := s.now()
	since := now.Add(-s.config.Window)

	active, err := s.repo.ListByKindSince(ctx, userID, models.EventSessionActive, since)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to load sessions")
	}

	if len(active) >= s.config.MaxConcurrent {
		oldest := active[0]
		evicted, err := s.repo.TransitionKind(ctx, oldest.ID, userID, models.EventSessionActive, models.EventSessionTerminated, since)
		if err != nil {
			return nil, appErrors.Internal(err, "failed to evict session")
		}
		if evicted {
			s.metrics.RecordEviction()
			s.logger.Info("session evicted", zap.String("user_id", userID), zap.String("session_id", oldest.ID))
		}
	}

	event := &models.AuthEvent{
		ID:          uuid.NewString(),
		UserID:      userID,
		Kind:        models.EventSessionActive,
		Fingerprint: fingerprint,
		Metadata: models.EventMetadata{
			models.MetaIP:        ip,
			models.MetaUserAgent: truncateUTF8(userAgent, s.config.UserAgentMaxLen),
		},
		CreatedAt: now,
	}
	if err := s.repo.Append(ctx, event); err != nil {
		return nil, appErrors.Internal(err, "failed to record session")
	}

	view := event.View()
	return &view, nil
}

// List returns the user's active sessions, most recent first.
func (s *SessionService) List(ctx context.Context, userID string) ([]models.SessionView, error) {
	active, err := s.repo.ListByKindSince(ctx, userID, models.EventSessionActive, s.now().Add(-s.config.Window))
	if err != nil {
		return nil, appErrors.Internal(err, "failed to load sessions")
	}

	views := make([]models.SessionView, 0, len(active))
	for i := len(active) - 1; i >= 0; i-- {
		views = append(views, active[i].View())
	}
	return views, nil
}

// Terminate ends one of the user's active sessions. Unknown ids, sessions of
// other users and already terminated sessions are silently ignored.
func (s *SessionService) Terminate(ctx context.Context, sessionID, userID string) error {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil
	}
	since := s.now().Add(-s.config.Window)
	if _, err := s.repo.TransitionKind(ctx, sessionID, userID, models.EventSessionActive, models.EventSessionTerminated, since); err != nil {
		return appErrors.Internal(err, "failed to terminate session")
	}
	return nil
}

// TerminateAll ends every active session of the user and returns how many
// were ended.
func (s *SessionService) TerminateAll(ctx context.Context, userID string) (int64, error) {
	since := s.now().Add(-s.config.Window)
	count, err := s.repo.TransitionAll(ctx, userID, models.EventSessionActive, models.EventSessionTerminated, since)
	if err != nil {
		return 0, appErrors.Internal(err, "failed to terminate sessions")
	}
	return count, nil
}

// RecordActivity stamps lastActiveAt on the user's most recent active session.
func (s *SessionService) RecordActivity(ctx context.Context, userID string) error {
	now := s.now()
	active, err := s.repo.ListByKindSince(ctx, userID, models.EventSessionActive, now.Add(-s.config.Window))
	if err != nil {
		return appErrors.Internal(err, "failed to load sessions")
	}
	if len(active) == 0 {
		return nil
	}

	latest := active[len(active)-1]
	patch := models.EventMetadata{models.MetaLastActiveAt: now.Format(time.RFC3339)}
	if err := s.repo.MergeMetadata(ctx, latest.ID, patch); err != nil {
		return appErrors.Internal(err, "failed to record session activity")
	}
	return nil
}

// truncateUTF8 cuts s to at most max bytes without splitting a rune.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
