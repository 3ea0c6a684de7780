package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/telemetry-publisher/internal/config"
)

// connV5 is an MQTT v5 [Conn] backed by the low-level paho client.
// autopaho is deliberately not used: it reconnects on its own.
type connV5 struct {
	client  *paho.Client
	netConn net.Conn
	logger  *slog.Logger

	mu       sync.RWMutex
	handlers map[string]MessageHandler

	closeOnce sync.Once
	closeErr  error
}

func dialV5(ctx context.Context, cfg config.BrokerConfig, clientID string, will *Message, logger *slog.Logger) (*connV5, error) {
	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", cfg.Address())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Address(), err)
	}

	c := &connV5{
		netConn:  netConn,
		logger:   logger,
		handlers: make(map[string]MessageHandler),
	}
	c.client = paho.NewClient(paho.ClientConfig{
		ClientID:          clientID,
		Conn:              netConn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){c.route},
		OnClientError: func(err error) {
			logger.Warn("mqtt client error", "error", err)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			logger.Warn("mqtt broker sent disconnect", "reason_code", d.ReasonCode)
		},
	})
	c.client.SetDebugLogger(newPahoLogger(logger, config.LevelTrace))
	c.client.SetErrorLogger(newPahoLogger(logger, slog.LevelWarn))

	cp := &paho.Connect{
		ClientID:   clientID,
		KeepAlive:  uint16(cfg.KeepAliveSec),
		CleanStart: true,
	}
	if will != nil {
		cp.WillMessage = &paho.WillMessage{
			Topic:   will.Topic,
			Payload: will.Payload,
			QoS:     will.QoS,
			Retain:  will.Retain,
		}
	}

	ca, err := c.client.Connect(ctx, cp)
	if err != nil {
		_ = netConn.Close()
		if ca != nil && ca.ReasonCode != 0 {
			return nil, fmt.Errorf("connect refused by broker (reason %d%s): %w", ca.ReasonCode, connackReason(ca), err)
		}
		return nil, fmt.Errorf("connect %s: %w", cfg.Address(), err)
	}
	if ca.ReasonCode != 0 {
		_ = netConn.Close()
		return nil, fmt.Errorf("connect refused by broker (reason %d%s)", ca.ReasonCode, connackReason(ca))
	}

	return c, nil
}

func connackReason(ca *paho.Connack) string {
	if ca.Properties == nil || ca.Properties.ReasonString == "" {
		return ""
	}
	return ": " + ca.Properties.ReasonString
}

// route dispatches inbound publishes to the handler registered for
// their exact topic.
func (c *connV5) route(pr paho.PublishReceived) (bool, error) {
	c.mu.RLock()
	h, ok := c.handlers[pr.Packet.Topic]
	c.mu.RUnlock()
	if !ok {
		c.logger.Debug("mqtt message on unhandled topic", "topic", pr.Packet.Topic)
		return false, nil
	}
	h(pr.Packet.Topic, pr.Packet.Payload)
	return true, nil
}

func (c *connV5) Publish(ctx context.Context, msg Message) error {
	_, err := c.client.Publish(ctx, &paho.Publish{
		Topic:   msg.Topic,
		Payload: msg.Payload,
		QoS:     msg.QoS,
		Retain:  msg.Retain,
	})
	return err
}

func (c *connV5) Subscribe(ctx context.Context, topic string, qos byte, handler MessageHandler) error {
	c.mu.Lock()
	c.handlers[topic] = handler
	c.mu.Unlock()

	sa, err := c.client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: qos}},
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	if len(sa.Reasons) > 0 && sa.Reasons[0] >= 0x80 {
		return fmt.Errorf("subscribe %s: refused by broker (reason %d)", topic, sa.Reasons[0])
	}
	return nil
}

// Close sends a normal-disconnection DISCONNECT. The write is bounded
// by ctx's deadline, if any. The paho client closes the network
// connection itself.
func (c *connV5) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		if deadline, ok := ctx.Deadline(); ok {
			_ = c.netConn.SetWriteDeadline(deadline)
		}
		c.closeErr = c.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	})
	return c.closeErr
}
