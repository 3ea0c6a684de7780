package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	pahov3 "github.com/eclipse/paho.mqtt.golang"
	"github.com/nugget/telemetry-publisher/internal/config"
)

// disconnectQuiesceMs is how long the v3 client may spend flushing
// in-flight work before sending DISCONNECT.
const disconnectQuiesceMs = 250

// The v1 client logs through package-level variables, so they are
// bound to the first logger that dials.
var bindV3Loggers sync.Once

// connV311 is an MQTT v3.1.1 [Conn] backed by the Paho v1 client with
// automatic reconnection disabled.
type connV311 struct {
	client pahov3.Client

	closeOnce sync.Once
}

func dialV311(ctx context.Context, cfg config.BrokerConfig, clientID string, will *Message, logger *slog.Logger) (*connV311, error) {
	bindV3Loggers.Do(func() {
		pahov3.ERROR = newPahoLogger(logger, slog.LevelError)
		pahov3.CRITICAL = newPahoLogger(logger, slog.LevelError)
		pahov3.WARN = newPahoLogger(logger, slog.LevelWarn)
		pahov3.DEBUG = newPahoLogger(logger, config.LevelTrace)
	})

	opts := pahov3.NewClientOptions().
		AddBroker("tcp://" + cfg.Address()).
		SetClientID(clientID).
		SetProtocolVersion(4).
		SetKeepAlive(cfg.KeepAlive()).
		SetConnectTimeout(cfg.ConnectTimeout()).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectionLostHandler(func(_ pahov3.Client, err error) {
			logger.Warn("mqtt connection lost", "error", err)
		})
	if will != nil {
		opts.SetBinaryWill(will.Topic, will.Payload, will.QoS, will.Retain)
	}

	client := pahov3.NewClient(opts)
	if err := waitToken(ctx, client.Connect()); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Address(), err)
	}

	return &connV311{client: client}, nil
}

// waitToken blocks until tok completes or ctx is done.
func waitToken(ctx context.Context, tok pahov3.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *connV311) Publish(ctx context.Context, msg Message) error {
	return waitToken(ctx, c.client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload))
}

func (c *connV311) Subscribe(ctx context.Context, topic string, qos byte, handler MessageHandler) error {
	tok := c.client.Subscribe(topic, qos, func(_ pahov3.Client, m pahov3.Message) {
		handler(m.Topic(), m.Payload())
	})
	if err := waitToken(ctx, tok); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	if st, ok := tok.(*pahov3.SubscribeToken); ok {
		if code, granted := st.Result()[topic]; granted && code >= 0x80 {
			return fmt.Errorf("subscribe %s: refused by broker", topic)
		}
	}
	return nil
}

func (c *connV311) Close(_ context.Context) error {
	c.closeOnce.Do(func() {
		c.client.Disconnect(disconnectQuiesceMs)
	})
	return nil
}
