// Package notify delivers reviewer notifications by email and broadcasts
// review events on a pub/sub channel.
package notify

import (
	"context"
	"errors"
	"log/slog"
)

// Mailer sends plain text email.
type Mailer interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// Broadcaster publishes a payload to a named channel.
type Broadcaster interface {
	Broadcast(ctx context.Context, channel string, payload any) error
}

// Notifier is the collaborator the workflow engine calls on every
// transition. Calls are best-effort.
type Notifier interface {
	Mailer
	Broadcaster
}

// Service combines a Mailer and a Broadcaster into a Notifier. Either half
// may be nil, in which case the message is logged instead.
type Service struct {
	mailer      Mailer
	broadcaster Broadcaster
	fallback    *LogNotifier
}

// NewService creates a notification Service.
func NewService(m Mailer, b Broadcaster, logger *slog.Logger) *Service {
	return &Service{mailer: m, broadcaster: b, fallback: NewLogNotifier(logger)}
}

// SendEmail implements Mailer.
func (s *Service) SendEmail(ctx context.Context, to, subject, body string) error {
	if s.mailer == nil {
		return s.fallback.SendEmail(ctx, to, subject, body)
	}
	return s.mailer.SendEmail(ctx, to, subject, body)
}

// Broadcast implements Broadcaster.
func (s *Service) Broadcast(ctx context.Context, channel string, payload any) error {
	if s.broadcaster == nil {
		return s.fallback.Broadcast(ctx, channel, payload)
	}
	return s.broadcaster.Broadcast(ctx, channel, payload)
}

// Close releases resources held by the underlying transports.
func (s *Service) Close() error {
	var errs []error
	if c, ok := s.broadcaster.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	if c, ok := s.mailer.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to a structured log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a LogNotifier writing to logger, or slog.Default.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// SendEmail implements Mailer.
func (n *LogNotifier) SendEmail(ctx context.Context, to, subject, body string) error {
	n.logger.InfoContext(ctx, "email notification", "to", to, "subject", subject, "body_bytes", len(body))
	return nil
}

// Broadcast implements Broadcaster.
func (n *LogNotifier) Broadcast(ctx context.Context, channel string, payload any) error {
	n.logger.InfoContext(ctx, "broadcast notification", "channel", channel, "payload", payload)
	return nil
}
