package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/telemetry-publisher/internal/buildinfo"
	"github.com/nugget/telemetry-publisher/internal/config"
	"github.com/nugget/telemetry-publisher/internal/telemetry"
)

// Telemetry and status messages are always sent at least once.
const qosAtLeastOnce byte = 1

// releaseTimeout bounds the offline status publish and DISCONNECT after
// the run context has been cancelled.
const releaseTimeout = 5 * time.Second

// Device status payloads on the retained status topic.
const (
	statusOnline  = "online"
	statusOffline = "offline"
)

// dialFunc opens a broker connection. [Dial] in production; tests
// substitute a fake.
type dialFunc func(ctx context.Context, cfg config.BrokerConfig, clientID string, will *Message, logger *slog.Logger) (Conn, error)

// SampleRecorder persists samples after the broker has acknowledged
// them. The journal package's Store satisfies it.
type SampleRecorder interface {
	RecordSample(ctx context.Context, deviceID int, topic string, sample telemetry.Sample, at time.Time) error
}

// Publisher owns one broker connection and the periodic telemetry
// publish loop for a single device.
type Publisher struct {
	cfg      *config.Config
	clientID string
	topic    string
	interval time.Duration
	gen      *telemetry.Generator
	stats    *Stats
	handler  MessageHandler
	recorder SampleRecorder
	logger   *slog.Logger
	dial     dialFunc

	// heartbeatInterval is the heartbeat period when enabled.
	heartbeatInterval time.Duration
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to connect and run the publish loop.
func New(cfg *config.Config, gen *telemetry.Generator, logger *slog.Logger) *Publisher {
	return &Publisher{
		cfg:      cfg,
		clientID: ClientID(cfg.Broker, cfg.Device.ID),
		topic:    telemetry.TelemetryTopic(cfg.Device.ID),
		interval: cfg.Telemetry.Interval(),
		gen:      gen,
		stats:    &Stats{},
		handler:  defaultCommandHandler(logger),
		logger:   logger,
		dial:     Dial,

		heartbeatInterval: cfg.Heartbeat.Interval(),
	}
}

// Topic returns the telemetry topic this publisher writes to.
func (p *Publisher) Topic() string {
	return p.topic
}

// Stats returns the publish counters.
func (p *Publisher) Stats() *Stats {
	return p.stats
}

// SetCommandHandler replaces the default logging handler for inbound
// device commands. It must be called before [Publisher.Start].
func (p *Publisher) SetCommandHandler(h MessageHandler) {
	p.handler = h
}

// SetRecorder attaches a recorder that receives every acknowledged
// sample. Recording failures are logged and never stop the loop. It
// must be called before [Publisher.Start].
func (p *Publisher) SetRecorder(r SampleRecorder) {
	p.recorder = r
}

// Start connects to the broker and runs the publish loop until ctx is
// cancelled. Failure to connect is returned immediately and nothing is
// published. Once connected, the connection is released exactly once
// on every exit path; a publish failure ends the loop and is returned
// after the release. Cancellation is a clean stop and returns nil.
func (p *Publisher) Start(ctx context.Context) error {
	connCtx, connCancel := context.WithTimeout(ctx, p.cfg.Broker.ConnectTimeout())
	conn, err := p.dial(connCtx, p.cfg.Broker, p.clientID, p.will(), p.logger)
	connCancel()
	if err != nil {
		if ctx.Err() != nil {
			p.logger.Info("telemetry publisher stopped before connecting")
			return nil
		}
		return fmt.Errorf("mqtt connect: %w", err)
	}
	defer p.release(ctx, conn)

	p.logger.Info("mqtt connected to broker",
		"broker", p.cfg.Broker.Address(),
		"protocol", p.cfg.Broker.Protocol,
		"client_id", p.clientID,
		"keepalive", p.cfg.Broker.KeepAlive().String(),
	)

	if p.cfg.Status.Enabled {
		p.publishStatus(ctx, conn, statusOnline)
	}
	if p.cfg.Commands.Enabled {
		p.subscribeCommands(ctx, conn)
	}
	if p.cfg.Heartbeat.Enabled {
		// Runs before the deferred release so no heartbeat races the
		// DISCONNECT.
		defer p.startHeartbeat(ctx, conn)()
	}

	return p.runLoop(ctx, conn)
}

// --- Topic helpers ---

func (p *Publisher) statusTopic() string {
	return telemetry.StatusTopic(p.cfg.Device.ID)
}

func (p *Publisher) commandTopic() string {
	return telemetry.CommandTopic(p.cfg.Device.ID)
}

func (p *Publisher) heartbeatTopic() string {
	return telemetry.HeartbeatTopic(p.cfg.Device.ID)
}

// will returns the retained offline status message the broker should
// publish if this client vanishes, or nil when status is disabled.
func (p *Publisher) will() *Message {
	if !p.cfg.Status.Enabled {
		return nil
	}
	return &Message{
		Topic:   p.statusTopic(),
		Payload: []byte(statusOffline),
		QoS:     qosAtLeastOnce,
		Retain:  true,
	}
}

// --- Lifecycle ---

// release publishes the offline status (if enabled) and disconnects.
// It runs under its own deadline because ctx is usually already
// cancelled by the time it is called.
func (p *Publisher) release(ctx context.Context, conn Conn) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if p.cfg.Status.Enabled {
		p.publishStatus(releaseCtx, conn, statusOffline)
	}

	if err := conn.Close(releaseCtx); err != nil {
		p.logger.Warn("mqtt disconnect failed", "error", err)
		return
	}
	p.logger.Info("mqtt disconnected", "broker", p.cfg.Broker.Address())
}

func (p *Publisher) publishStatus(ctx context.Context, conn Conn, status string) {
	if err := conn.Publish(ctx, Message{
		Topic:   p.statusTopic(),
		Payload: []byte(status),
		QoS:     qosAtLeastOnce,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt status publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Debug("mqtt status published",
			"status", status, "topic", p.statusTopic())
	}
}

func (p *Publisher) subscribeCommands(ctx context.Context, conn Conn) {
	limiter := newMessageRateLimiter(int64(p.cfg.Commands.RateLimit), time.Second, p.logger)
	go limiter.start(ctx)

	topic := p.commandTopic()
	if err := conn.Subscribe(ctx, topic, qosAtLeastOnce, limiter.wrap(p.handler)); err != nil {
		p.logger.Warn("mqtt command subscribe failed", "topic", topic, "error", err)
		return
	}
	p.logger.Info("mqtt subscribed to device commands", "topic", topic)
}

// --- Heartbeat ---

// startHeartbeat publishes a heartbeat immediately and then every
// heartbeatInterval until ctx is cancelled or the returned stop func is
// called. stop waits for the goroutine to exit.
func (p *Publisher) startHeartbeat(ctx context.Context, conn Conn) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	started := time.Now()

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.heartbeatInterval)
		defer ticker.Stop()

		for {
			p.publishHeartbeat(hbCtx, conn, started)
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	p.logger.Info("mqtt heartbeat started",
		"topic", p.heartbeatTopic(),
		"interval", p.heartbeatInterval.String(),
	)
	return func() {
		cancel()
		<-done
	}
}

func (p *Publisher) publishHeartbeat(ctx context.Context, conn Conn, started time.Time) {
	now := time.Now()
	payload, err := telemetry.Heartbeat{
		Firmware:  buildinfo.Version,
		UptimeSec: int64(now.Sub(started) / time.Second),
		Timestamp: now.Unix(),
	}.Marshal()
	if err != nil {
		p.logger.Warn("mqtt heartbeat encode failed", "error", err)
		return
	}

	if err := conn.Publish(ctx, Message{
		Topic:   p.heartbeatTopic(),
		Payload: payload,
		QoS:     qosAtLeastOnce,
	}); err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("mqtt heartbeat publish failed", "error", err)
		}
		return
	}
	p.logger.Debug("mqtt heartbeat published", "topic", p.heartbeatTopic(), "payload", string(payload))
}

// --- Periodic telemetry loop ---

func (p *Publisher) runLoop(ctx context.Context, conn Conn) error {
	p.logger.Info("telemetry publisher started",
		"device_id", p.cfg.Device.ID,
		"topic", p.topic,
		"interval", p.interval.String(),
	)

	for ctx.Err() == nil {
		if err := p.publishSample(ctx, conn); err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}
		if !sleepCtx(ctx, p.interval) {
			break
		}
	}

	messages, bytes, _ := p.stats.Snapshot()
	p.logger.Info("telemetry publisher stopped",
		"device_id", p.cfg.Device.ID,
		"published", messages,
		"bytes", bytes,
	)
	return nil
}

func (p *Publisher) publishSample(ctx context.Context, conn Conn) error {
	sample := p.gen.Next()
	payload, err := sample.Marshal()
	if err != nil {
		return err
	}

	if err := conn.Publish(ctx, Message{
		Topic:   p.topic,
		Payload: payload,
		QoS:     qosAtLeastOnce,
	}); err != nil {
		return fmt.Errorf("publish telemetry to %s: %w", p.topic, err)
	}

	now := time.Now()
	p.stats.record(len(payload), now)
	p.logger.Info("telemetry published",
		"topic", p.topic,
		"payload", string(payload),
	)

	if p.recorder != nil {
		if err := p.recorder.RecordSample(ctx, p.cfg.Device.ID, p.topic, sample, now); err != nil {
			p.logger.Warn("journal record failed", "error", err)
		}
	}
	return nil
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
