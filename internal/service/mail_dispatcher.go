package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/clinic-auth-api/pkg/jobs"
	"github.com/noah-isme/clinic-auth-api/pkg/mailer"
)

const mailJobType = "mail"

// MailDispatcherConfig tunes background delivery.
type MailDispatcherConfig struct {
	Workers     int
	Retries     int
	RetryDelay  time.Duration
	SendTimeout time.Duration
}

// MailDispatcher delivers mail off the request path. Dispatch never blocks
// and never reports delivery failures to the caller.
type MailDispatcher struct {
	sender  mailer.Sender
	queue   *jobs.Queue
	config  MailDispatcherConfig
	metrics *MetricsService
	logger  *zap.Logger
}

// NewMailDispatcher constructs a MailDispatcher. Start must be called before
// messages are accepted.
func NewMailDispatcher(sender mailer.Sender, config MailDispatcherConfig, metrics *MetricsService, logger *zap.Logger) *MailDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 10 * time.Second
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 2 * time.Second
	}
	d := &MailDispatcher{sender: sender, config: config, metrics: metrics, logger: logger}
	d.queue = jobs.NewQueue("mail", d.handle, jobs.QueueConfig{
		Workers:    config.Workers,
		BufferSize: 64,
		MaxRetries: config.Retries,
		RetryDelay: config.RetryDelay,
		Logger:     logger,
	})
	return d
}

// Start launches the delivery workers.
func (d *MailDispatcher) Start(ctx context.Context) {
	d.queue.Start(ctx)
}

// Stop waits for the workers to exit. Queued messages are dropped.
func (d *MailDispatcher) Stop() {
	d.queue.Stop()
}

// Dispatch queues msg for delivery.
func (d *MailDispatcher) Dispatch(msg mailer.Message) {
	job := jobs.Job{ID: uuid.NewString(), Type: mailJobType, Payload: msg}
	if err := d.queue.TryEnqueue(job); err != nil {
		d.metrics.RecordMailFailure()
		d.logger.Warn("mail not queued", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (d *MailDispatcher) handle(ctx context.Context, job jobs.Job) error {
	msg, ok := job.Payload.(mailer.Message)
	if !ok {
		d.metrics.RecordMailFailure()
		d.logger.Error("unexpected mail payload", zap.String("job_id", job.ID), zap.String("type", fmt.Sprintf("%T", job.Payload)))
		return nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	defer cancel()
	if err := d.sender.Send(sendCtx, msg); err != nil {
		d.metrics.RecordMailFailure()
		return err
	}
	return nil
}
