package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tendly/chatcore"
	"github.com/tendly/chatcore/pgstore"
)

// session bundles the collaborators one command needs.
type session struct {
	cfg      *Config
	log      *zap.Logger
	registry *prometheus.Registry
	metrics  *chatcore.Metrics

	client        *chatcore.Client
	conversations chatcore.ConversationService
	messages      chatcore.MessageService
	db            *pgstore.Store
}

// newLogger builds a logger writing to stderr. The CLI defaults to warn so
// that interactive output is not interleaved with debug noise.
func newLogger(level string) (*zap.Logger, error) {
	if level == "" {
		level = "warn"
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}
	var zcfg zap.Config
	if lvl == zapcore.DebugLevel {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.OutputPaths = []string{"stderr"}
	return zcfg.Build()
}

// newSession loads config and wires the backend selected by default.backend.
func newSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.BaseURL == "" || cfg.Default.APIKey == "" {
		return nil, errors.New("no backend configured. Run 'tendly init <base-url> <api-key>' first")
	}
	if cfg.Auth.UserID == "" {
		return nil, errors.New("no user id. Run 'tendly config set auth.user_id <id>' first")
	}

	log, err := newLogger(cfg.Default.LogLevel)
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	s := &session{
		cfg:      cfg,
		log:      log,
		registry: reg,
		metrics:  chatcore.NewMetrics(reg),
	}

	opts := []chatcore.ClientOption{chatcore.WithClientLogger(log.Named("rest"))}
	if cfg.Auth.AccessToken != "" {
		opts = append(opts, chatcore.WithAccessToken(cfg.Auth.AccessToken))
	}
	if cfg.Default.Bucket != "" {
		opts = append(opts, chatcore.WithBucket(cfg.Default.Bucket))
	}
	s.client = chatcore.NewClient(cfg.Default.BaseURL, cfg.Default.APIKey, opts...)
	s.conversations = s.client.Conversations
	s.messages = s.client.Messages

	if cfg.Default.Backend == "postgres" {
		if cfg.Default.DatabaseURL == "" {
			return nil, errors.New("backend is postgres but default.database_url is empty")
		}
		db, err := pgstore.Open(ctx, cfg.Default.DatabaseURL, pgstore.WithLogger(log.Named("pgstore")))
		if err != nil {
			return nil, err
		}
		s.db = db
		s.conversations = db
		s.messages = db
	}
	return s, nil
}

// coreOptions are the options shared by every chatcore component.
func (s *session) coreOptions() []chatcore.Option {
	opts := []chatcore.Option{
		chatcore.WithLogger(s.log),
		chatcore.WithMetrics(s.metrics),
	}
	if a := s.cfg.Attachments; a.MaxBytes > 0 || len(a.AllowedTypes) > 0 {
		p := chatcore.DefaultPolicy()
		if a.MaxBytes > 0 {
			p.Max = a.MaxBytes
		}
		if len(a.AllowedTypes) > 0 {
			p.Types = a.AllowedTypes
		}
		opts = append(opts, chatcore.WithPolicy(p))
	}
	if ttl := duration(s.cfg.Attachments.URLTTL); ttl > 0 {
		opts = append(opts, chatcore.WithSignedURLTTL(ttl))
	}
	return opts
}

func (s *session) registryService() *chatcore.Registry {
	return chatcore.NewRegistry(s.conversations, s.messages, s.coreOptions()...)
}

func (s *session) attachments() *chatcore.Attachments {
	return chatcore.NewAttachments(s.client.Storage, s.coreOptions()...)
}

// realtime creates the change-feed client. Connection happens on first use.
func (s *session) realtime() *chatcore.RealtimeClient {
	rc := &chatcore.RealtimeConfig{
		AutoReconnect:        true,
		MaxReconnectAttempts: s.cfg.Realtime.MaxReconnectAttempts,
		ReconnectBaseDelay:   duration(s.cfg.Realtime.ReconnectBaseDelay),
		ReconnectMaxDelay:    duration(s.cfg.Realtime.ReconnectMaxDelay),
		HeartbeatInterval:    duration(s.cfg.Realtime.HeartbeatInterval),
		Logger:               s.log.Named("realtime"),
		Metrics:              s.metrics,
	}
	if s.cfg.Realtime.URL != "" {
		rc.Token = s.cfg.Auth.AccessToken
		rc.APIKey = s.cfg.Default.APIKey
		return chatcore.NewRealtimeClient(s.cfg.Realtime.URL, rc)
	}
	return s.client.Realtime(rc)
}

// newController wires a Controller for a conversation with otherID.
func (s *session) newController(rt *chatcore.RealtimeClient, otherID string, cc chatcore.ControllerConfig) (*chatcore.Controller, error) {
	cc.SelfID = s.cfg.Auth.UserID
	cc.OtherID = otherID
	cc.MinResyncInterval = duration(s.cfg.Realtime.MinResyncInterval)
	opts := s.coreOptions()
	return chatcore.NewController(cc, chatcore.Collaborators{
		Registry:    s.registryService(),
		Messages:    s.messages,
		Attachments: s.attachments(),
		Bridge:      chatcore.NewBridge(rt, opts...),
	}, opts...)
}

func (s *session) close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.Warn("closing database", zap.Error(err))
		}
	}
	_ = s.log.Sync()
}
