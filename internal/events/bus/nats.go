package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/relay/internal/config"
	"github.com/kandev/relay/internal/logger"
)

// NATSBus implements Bus over a NATS connection, letting chat-platform
// bridges (a declared consumer of the event stream, out of core scope)
// subscribe from a separate process instead of long-polling HTTP.
type NATSBus struct {
	conn *nats.Conn
	log  *logger.Logger
}

// NewNATSBus dials cfg.URL with auto-reconnect and structured connection
// logging.
func NewNATSBus(cfg config.NATSConfig, log *logger.Logger) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error("nats error", zap.String("subject", subject), zap.Error(err))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	log.Info("connected to nats", zap.String("url", cfg.URL))
	return &NATSBus{conn: conn, log: log}, nil
}

func (b *NATSBus) Publish(_ context.Context, subject string, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling bus message: %w", err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to nats subject %s: %w", subject, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.log.Error("failed to unmarshal nats message", zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		if err := handler(context.Background(), &msg); err != nil {
			b.log.Error("bus handler failed", zap.String("subject", m.Subject), zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to nats subject %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.log.Warn("error draining nats connection, closing directly", zap.Error(err))
		b.conn.Close()
	}
}

func (b *NATSBus) Connected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

type natsSubscription struct{ sub *nats.Subscription }

func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Active() bool {
	return s.sub != nil && s.sub.IsValid()
}
