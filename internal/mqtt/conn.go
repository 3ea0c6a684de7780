package mqtt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nugget/telemetry-publisher/internal/config"
)

// Message is an outbound MQTT application message.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// MessageHandler is called for each MQTT message received on a
// subscribed topic. Implementations must be safe for concurrent use.
type MessageHandler func(topic string, payload []byte)

// Conn is an established broker connection. Close must be called
// exactly once by the owner; implementations make repeated calls a
// no-op returning the first result.
type Conn interface {
	// Publish sends msg and, for QoS 1, waits for the broker's
	// acknowledgement or ctx expiry.
	Publish(ctx context.Context, msg Message) error
	// Subscribe registers handler for an exact topic and waits for the
	// broker to grant the subscription.
	Subscribe(ctx context.Context, topic string, qos byte, handler MessageHandler) error
	// Close sends DISCONNECT and releases the network connection. The
	// DISCONNECT write is bounded by ctx's deadline, if it has one.
	Close(ctx context.Context) error
}

// Dial opens a connection to the broker described by cfg using the
// configured protocol version. will, if non-nil, is registered as the
// connection's will message. A non-success CONNACK is returned as an
// error; no retry is attempted.
func Dial(ctx context.Context, cfg config.BrokerConfig, clientID string, will *Message, logger *slog.Logger) (Conn, error) {
	switch cfg.Protocol {
	case config.ProtocolV5:
		c, err := dialV5(ctx, cfg, clientID, will, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.ProtocolV311:
		c, err := dialV311(ctx, cfg, clientID, will, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported mqtt protocol %q", cfg.Protocol)
	}
}

// ClientID returns the configured client ID, or generates
// telemetry-<device>-<8 hex> from a random UUID. For device IDs up to
// three digits the generated form fits the 23-byte limit every MQTT
// 3.1.1 broker must accept.
func ClientID(cfg config.BrokerConfig, deviceID int) string {
	if cfg.ClientID != "" {
		return cfg.ClientID
	}
	return fmt.Sprintf("telemetry-%d-%s", deviceID, uuid.NewString()[:8])
}
