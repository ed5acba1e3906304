package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/clinic-auth-api/pkg/mailer"
)

type stubSender struct {
	mu       sync.Mutex
	err      error
	calls    int
	received []mailer.Message
	deadline bool
	done     chan struct{}
}

func (s *stubSender) Send(ctx context.Context, msg mailer.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.received = append(s.received, msg)
	_, s.deadline = ctx.Deadline()
	if s.done != nil {
		s.done <- struct{}{}
	}
	return s.err
}

func TestMailDispatcherDelivers(t *testing.T) {
	sender := &stubSender{done: make(chan struct{}, 1)}
	d := NewMailDispatcher(sender, MailDispatcherConfig{Workers: 1, Retries: 1, SendTimeout: time.Second}, nil, nil)
	d.Start(context.Background())
	defer d.Stop()

	d.Dispatch(mailer.Message{To: "alice@clinic.test", Subject: "hi"})

	select {
	case <-sender.done:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.received, 1)
	assert.Equal(t, "alice@clinic.test", sender.received[0].To)
	assert.True(t, sender.deadline, "sends are bounded by a timeout")
}

func TestMailDispatcherCountsFailures(t *testing.T) {
	metrics := NewMetricsService()
	sender := &stubSender{err: errors.New("smtp down"), done: make(chan struct{}, 4)}
	d := NewMailDispatcher(sender, MailDispatcherConfig{Workers: 1, Retries: 1, RetryDelay: 10 * time.Millisecond}, metrics, nil)
	d.Start(context.Background())
	defer d.Stop()

	d.Dispatch(mailer.Message{To: "alice@clinic.test"})

	for i := 0; i < 2; i++ {
		select {
		case <-sender.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("attempt %d not made", i+1)
		}
	}

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.mailFailures) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestMailDispatcherDropsWhenNotStarted(t *testing.T) {
	metrics := NewMetricsService()
	sender := &stubSender{}
	d := NewMailDispatcher(sender, MailDispatcherConfig{}, metrics, nil)

	d.Dispatch(mailer.Message{To: "alice@clinic.test"})

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.mailFailures))
	assert.Zero(t, sender.calls)
}
