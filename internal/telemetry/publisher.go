package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// Config configures a Publisher's broker connection and topic naming.
type Config struct {
	Broker          string
	Username        string
	Password        string
	DeviceName      string
	DiscoveryPrefix string // e.g. "homeassistant"
}

// Publisher manages the MQTT connection, publishes HA discovery config
// messages the first time each measurement label is seen, and republishes
// retained scalar state every time the pipeline hands it a flushed record.
// A Publisher with a nil receiver is valid and every method is a no-op,
// so the pipeline can wire it unconditionally when no broker is configured.
type Publisher struct {
	cfg    Config
	runID  string
	device DeviceInfo
	logger *slog.Logger

	cm *autopaho.ConnectionManager

	mu      sync.Mutex
	known   map[string]struct{} // labels already discovery-published
}

// New creates a Publisher but does not connect. Call Start to begin the
// connection. A nil logger is replaced with slog.Default.
func New(cfg Config, runID string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:    cfg,
		runID:  runID,
		device: NewDeviceInfo(runID, cfg.DeviceName),
		logger: logger,
		known:  make(map[string]struct{}),
	}
}

// Start connects to the broker and blocks only long enough to attempt
// the initial connection; reconnection after that happens in the
// background via autopaho. It does not block until ctx is canceled.
func (p *Publisher) Start(ctx context.Context) error {
	if p == nil {
		return nil
	}
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()
	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("telemetry connected to broker", "broker", p.cfg.Broker)
			pubCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			p.publishAvailability(pubCtx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("telemetry connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "ess-" + shortID(p.runID),
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("telemetry initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop gracefully disconnects, publishing an "offline" availability
// message first.
func (p *Publisher) Stop(ctx context.Context) error {
	if p == nil || p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// PublishRecord publishes every scalar field of a flushed record as
// retained MQTT state, discovering each previously-unseen label first.
// Numeric, string and bool fields are published; other field types are
// skipped. "timestamp" is never published as a sensor.
func (p *Publisher) PublishRecord(ctx context.Context, rec map[string]any) {
	if p == nil || p.cm == nil {
		return
	}

	labels := make([]string, 0, len(rec))
	for k := range rec {
		if k == "timestamp" {
			continue
		}
		labels = append(labels, k)
	}
	sort.Strings(labels)

	for _, label := range labels {
		state, ok := scalarString(rec[label])
		if !ok {
			continue
		}
		p.ensureDiscovery(ctx, label)
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(label),
			Payload: []byte(state),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("telemetry state publish failed", "label", label, "error", err)
		}
	}
}

func (p *Publisher) ensureDiscovery(ctx context.Context, label string) {
	p.mu.Lock()
	_, seen := p.known[label]
	if !seen {
		p.known[label] = struct{}{}
	}
	p.mu.Unlock()
	if seen {
		return
	}

	cfg := SensorConfig{
		Name:              label,
		ObjectID:          label,
		HasEntityName:     true,
		UniqueID:          p.runID + "_" + label,
		StateTopic:        p.stateTopic(label),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		StateClass:        "measurement",
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		p.logger.Error("telemetry marshal discovery payload", "label", label, "error", err)
		return
	}
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.discoveryTopic(label),
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("telemetry discovery publish failed", "label", label, "error", err)
	}
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return strconv.FormatBool(t), true
	case string:
		return t, true
	default:
		return "", false
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (p *Publisher) baseTopic() string {
	return "ess/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(label string) string {
	return p.baseTopic() + "/" + label + "/state"
}

func (p *Publisher) discoveryTopic(label string) string {
	return p.cfg.DiscoveryPrefix + "/sensor/" + p.cfg.DeviceName + "/" + label + "/config"
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("telemetry availability publish failed", "status", status, "error", err)
	}
}
