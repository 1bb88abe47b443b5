package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/helderperez-dev/navreach-desktop-sub003/internal/config"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/events"
)

// statePublishInterval controls how often the rolling counters are
// republished.
const statePublishInterval = 30 * time.Second

// StatsSource provides runtime data for the periodic state topics. The
// concrete adapter is wired in main.go to avoid coupling the MQTT
// package to the API server or usage guard.
type StatsSource interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Version returns the software version string.
	Version() string
	// ActiveSessions returns the count of live sessions.
	ActiveSessions() int
	// ActionsUsed returns the number of actions charged today.
	ActionsUsed() int
	// ActionsRemaining returns today's quota headroom, -1 if unmetered.
	ActionsRemaining() int
}

// Mirror manages the MQTT connection and forwards engine telemetry to
// the broker: bus events as they happen, plus a periodic counter loop.
type Mirror struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	stats      StatsSource
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Mirror but does not connect. Call [Mirror.Start] to
// begin the connection and publish loops.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, stats StatsSource, logger *slog.Logger) *Mirror {
	return &Mirror{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		stats:      stats,
		logger:     logger.With("component", "mqtt"),
	}
}

// Start connects to the MQTT broker, subscribes to the event bus, and
// blocks until ctx is cancelled. On every (re-)connect it republishes
// the availability birth message.
func (m *Mirror) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(m.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   m.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			m.logger.Info("mqtt connected to broker", "broker", m.cfg.BrokerURL)
			m.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			m.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "navreach-" + m.instanceID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	m.cm = cm

	// Wait for the initial connection before starting the loops.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail — autopaho keeps retrying in the background.
		m.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	m.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection. The provided context
// controls how long to wait for the publish and disconnect to complete.
func (m *Mirror) Stop(ctx context.Context) error {
	if m.cm == nil {
		return nil
	}
	m.publishAvailability(ctx, m.cm, "offline")
	return m.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires.
func (m *Mirror) AwaitConnection(ctx context.Context) error {
	if m.cm == nil {
		return fmt.Errorf("mqtt mirror not started")
	}
	return m.cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (m *Mirror) baseTopic() string {
	return m.cfg.TopicPrefix + "/" + m.instanceID
}

func (m *Mirror) availabilityTopic() string {
	return m.baseTopic() + "/availability"
}

func (m *Mirror) eventTopic(source, kind string) string {
	return m.baseTopic() + "/events/" + source + "/" + kind
}

func (m *Mirror) stateTopic(name string) string {
	return m.baseTopic() + "/state/" + name
}

func (m *Mirror) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   m.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		m.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		m.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Main loop ---

// runLoop pumps bus events to the broker and republishes the state
// counters on a ticker, until ctx is cancelled.
func (m *Mirror) runLoop(ctx context.Context) {
	var busCh <-chan events.Event
	if m.bus != nil {
		busCh = m.bus.Subscribe(128)
		defer m.bus.Unsubscribe(busCh)
	}

	ticker := time.NewTicker(statePublishInterval)
	defer ticker.Stop()

	// Publish immediately on start.
	m.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-busCh:
			if !ok {
				busCh = nil
				continue
			}
			m.publishEvent(ctx, ev)
		case <-ticker.C:
			m.publishStates(ctx)
		}
	}
}

func (m *Mirror) publishEvent(ctx context.Context, ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error("mqtt marshal event payload",
			"source", ev.Source, "kind", ev.Kind, "error", err)
		return
	}
	if _, err := m.cm.Publish(ctx, &paho.Publish{
		Topic:   m.eventTopic(ev.Source, ev.Kind),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		m.logger.Debug("mqtt event publish failed",
			"source", ev.Source, "kind", ev.Kind, "error", err)
	}
}

// statePayloads renders the current counter values keyed by state
// topic name.
func (m *Mirror) statePayloads() map[string]string {
	return map[string]string{
		"uptime":            m.stats.Uptime().Truncate(time.Second).String(),
		"version":           m.stats.Version(),
		"active_sessions":   strconv.Itoa(m.stats.ActiveSessions()),
		"actions_used":      strconv.Itoa(m.stats.ActionsUsed()),
		"actions_remaining": strconv.Itoa(m.stats.ActionsRemaining()),
	}
}

func (m *Mirror) publishStates(ctx context.Context) {
	if m.cm == nil {
		return
	}

	states := m.statePayloads()
	for name, value := range states {
		if _, err := m.cm.Publish(ctx, &paho.Publish{
			Topic:   m.stateTopic(name),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			m.logger.Debug("mqtt state publish failed",
				"state", name, "error", err)
		}
	}

	m.logger.Debug("mqtt states published", "states", len(states))
}
