package chatcore

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Option configures the components in this package.
type Option func(*settings)

type settings struct {
	log     *zap.Logger
	metrics *Metrics
	now     func() time.Time
	newID   func() string
	policy  AttachmentPolicy
	urlTTL  time.Duration
}

func newSettings(opts []Option) settings {
	s := settings{
		log:    zap.NewNop(),
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
		policy: DefaultPolicy(),
		urlTTL: DefaultSignedURLTTL,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator replaces the UUID generator used for message ids and object names.
func WithIDGenerator(fn func() string) Option {
	return func(s *settings) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithPolicy sets the attachment policy.
func WithPolicy(p AttachmentPolicy) Option {
	return func(s *settings) {
		if p != nil {
			s.policy = p
		}
	}
}

// WithSignedURLTTL sets how long attachment access URLs stay valid.
func WithSignedURLTTL(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.urlTTL = d
		}
	}
}
