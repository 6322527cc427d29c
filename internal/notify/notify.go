// Package notify delivers goal messages to the channels that watch a
// repository. Messages are plain data; rendering is left to consumers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Severity classifies a message.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Message is addressed to the channels linked to a repository.
type Message struct {
	Owner    string    `json:"owner"`
	Repo     string    `json:"repo"`
	Sha      string    `json:"sha,omitempty"`
	Goal     string    `json:"goal,omitempty"`
	Severity Severity  `json:"severity"`
	Title    string    `json:"title"`
	Text     string    `json:"text"`
	URL      string    `json:"url,omitempty"`
	Ts       time.Time `json:"ts"`
}

// Sink addresses messages to repository channels.
type Sink interface {
	AddressChannels(ctx context.Context, msg Message) error
}

// NopSink drops every message.
type NopSink struct{}

func (NopSink) AddressChannels(context.Context, Message) error { return nil }

// LogSink writes messages as structured log entries.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) AddressChannels(_ context.Context, msg Message) error {
	fields := []zap.Field{
		zap.String("repo", msg.Owner+"/"+msg.Repo),
		zap.String("title", msg.Title),
		zap.String("text", msg.Text),
	}
	if msg.Goal != "" {
		fields = append(fields, zap.String("goal.name", msg.Goal))
	}
	if msg.URL != "" {
		fields = append(fields, zap.String("url", msg.URL))
	}
	switch msg.Severity {
	case SeverityError:
		s.logger.Error("goal notification", fields...)
	case SeverityWarning:
		s.logger.Warn("goal notification", fields...)
	default:
		s.logger.Info("goal notification", fields...)
	}
	return nil
}

// NATSSink publishes messages as JSON to notify.{owner}.{repo}.
type NATSSink struct {
	nc *nats.Conn
}

func NewNATSSink(nc *nats.Conn) *NATSSink {
	return &NATSSink{nc: nc}
}

var tokenReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

// Subject returns the subject msg is published on.
func Subject(msg Message) string {
	return fmt.Sprintf("notify.%s.%s", tokenReplacer.Replace(msg.Owner), tokenReplacer.Replace(msg.Repo))
}

func (s *NATSSink) AddressChannels(_ context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := s.nc.Publish(Subject(msg), data); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// MultiSink delivers to every sink, joining their errors.
type MultiSink []Sink

func (m MultiSink) AddressChannels(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range m {
		if err := s.AddressChannels(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Sink = NopSink{}
	_ Sink = (*LogSink)(nil)
	_ Sink = (*NATSSink)(nil)
	_ Sink = MultiSink(nil)
)
