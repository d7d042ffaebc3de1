package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/runctl/internal/common/config"
	"github.com/kandev/runctl/internal/common/logger"
)

const (
	headerEventType = "Runctl-Event-Type"
	headerWorkspace = "Runctl-Workspace"
)

// NATSEventBus mirrors events to NATS as JSON. Subjects are scoped to one
// workspace: "execution.started" in workspace "web" is published on
// "<prefix>.web.execution.started", and subscribers only see their own
// workspace.
type NATSEventBus struct {
	conn      *nats.Conn
	scope     string
	workspace string
	logger    *logger.Logger
}

// NewNATSEventBus connects to cfg.URL. The client keeps reconnecting up to
// cfg.MaxReconnects times; publishes made while disconnected are buffered by
// the client.
func NewNATSEventBus(cfg config.NATSConfig, workspace string, log *logger.Logger) (*NATSEventBus, error) {
	b := &NATSEventBus{
		scope:     subjectScope(cfg.SubjectPrefix, workspace),
		workspace: workspace,
		logger:    log.WithFields(zap.String("component", "nats-bus"), zap.String("workspace", workspace)),
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("NATS disconnected, lifecycle events are buffered", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			b.logger.Error("NATS error", fields...)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	b.conn = conn
	b.logger.Info("connected to NATS", zap.String("url", cfg.URL), zap.String("scope", b.scope))
	return b, nil
}

// subjectScope builds the subject prefix for a workspace. Characters that
// NATS treats as separators or wildcards are replaced.
func subjectScope(prefix, workspace string) string {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, workspace)
	if clean == "" {
		clean = "default"
	}
	if prefix == "" {
		return clean
	}
	return prefix + "." + clean
}

func (b *NATSEventBus) subject(s string) string { return b.scope + "." + s }

// Publish sends event on the workspace-scoped subject. The event id is set
// as Nats-Msg-Id so JetStream consumers can deduplicate redeliveries.
func (b *NATSEventBus) Publish(_ context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.Type, err)
	}
	msg := nats.NewMsg(b.subject(subject))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, event.ID)
	msg.Header.Set(headerEventType, event.Type)
	msg.Header.Set(headerWorkspace, b.workspace)
	if err := b.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	b.logger.Debug("published event", zap.String("subject", msg.Subject), zap.String("event_id", event.ID))
	return nil
}

// Subscribe listens on the workspace-scoped form of subject, which may
// contain wildcards.
func (b *NATSEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.Subscribe(b.subject(subject), func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Warn("dropping undecodable event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if err := handler(context.Background(), &event); err != nil {
			b.logger.Error("event handler failed",
				zap.String("subject", msg.Subject),
				zap.String("event_id", event.ID),
				zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// Close flushes buffered events before closing the connection.
func (b *NATSEventBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("error draining NATS connection", zap.Error(err))
		b.conn.Close()
	}
}

func (b *NATSEventBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error { return s.sub.Unsubscribe() }
func (s *natsSubscription) IsValid() bool      { return s.sub.IsValid() }
