package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/clinic-auth-api/internal/models"
)

type auditEventRepository interface {
	Append(ctx context.Context, event *models.AuthEvent) error
}

// AuditRecorder appends audit entries to the auth event log. Failures are
// logged and never reach the caller.
type AuditRecorder struct {
	repo   auditEventRepository
	logger *zap.Logger
}

// NewAuditRecorder constructs an AuditRecorder. A nil repo disables recording.
func NewAuditRecorder(repo auditEventRepository, logger *zap.Logger) *AuditRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditRecorder{repo: repo, logger: logger}
}

// Record appends an event of the given kind for userID.
func (a *AuditRecorder) Record(ctx context.Context, userID string, kind models.EventKind, meta models.EventMetadata) {
	if a == nil || a.repo == nil {
		return
	}
	if meta == nil {
		meta = models.EventMetadata{}
	}
	event := &models.AuthEvent{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      kind,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.repo.Append(ctx, event); err != nil {
		a.logger.Warn("failed to record audit event", zap.String("kind", string(kind)), zap.String("user_id", userID), zap.Error(err))
	}
}
