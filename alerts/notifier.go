// Package alerts delivers operator notifications about feed health.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gewnthar/aplsync/config"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one notification about a feed.
type Alert struct {
	Severity   Severity  `json:"severity"`
	State      string    `json:"state"`
	DataSource string    `json:"data_source"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

// Subject is a one-line summary suitable for an email subject.
func (a Alert) Subject() string {
	return fmt.Sprintf("[APL %s] %s/%s: %s", a.Severity, a.State, a.DataSource, a.Kind)
}

// Notifier sends alerts somewhere an operator will see them.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(_ context.Context, a Alert) error {
	fields := []zap.Field{
		zap.String("state", a.State),
		zap.String("data_source", a.DataSource),
		zap.String("kind", a.Kind),
	}
	switch a.Severity {
	case SeverityCritical:
		l.logger.Error(a.Message, fields...)
	case SeverityWarning:
		l.logger.Warn(a.Message, fields...)
	default:
		l.logger.Info(a.Message, fields...)
	}
	return nil
}

// FromConfig builds the configured sinks. The log sink is always present.
func FromConfig(ctx context.Context, cfg config.AlertsConfig, logger *zap.Logger) (Notifier, error) {
	sinks := Multi{NewLogNotifier(logger)}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, NewWebhookNotifier(cfg.WebhookURL, nil))
	}
	if cfg.SES.From != "" && len(cfg.SES.To) > 0 {
		ses, err := NewSESNotifier(ctx, cfg.SES)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ses)
	}
	return sinks, nil
}
