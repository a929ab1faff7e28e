package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/config"
	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/telemetry"
)

// Topic suffixes under the publisher's base topic.
const (
	TopicAvailability = "availability"
	TopicState        = "state"
	TopicAlert        = "alert"
)

// ErrNotStarted is returned when publishing before [Publisher.Start]
// created the connection.
var ErrNotStarted = errors.New("mqtt publisher not started")

// broker is the slice of the autopaho connection manager the
// publisher needs.
type broker interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher manages the MQTT connection and runs a periodic loop that
// pushes the telemetry snapshot to the broker.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	stats      telemetry.Source
	logger     *slog.Logger

	cm     *autopaho.ConnectionManager
	client broker
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop. stats may be nil, in which
// case no state is published.
func New(cfg config.MQTTConfig, instanceID string, stats telemetry.Source, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		stats:      stats,
		logger:     logger.With("component", "mqtt"),
	}
}

// Start connects to the broker and runs the state publish loop. It
// blocks until ctx is cancelled. On every (re-)connect it publishes a
// birth message.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.Topic(TopicAvailability),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID(),
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm
	p.client = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return ErrNotStarted
	}
	return p.cm.AwaitConnection(ctx)
}

// Topic returns the full topic for a suffix such as [TopicAlert].
func (p *Publisher) Topic(suffix string) string {
	prefix := p.cfg.TopicPrefix
	if prefix == "" {
		prefix = "alto"
	}
	return prefix + "/" + p.cfg.ClientID + "/" + suffix
}

// clientID keeps two installations sharing a client_id from kicking
// each other off the broker.
func (p *Publisher) clientID() string {
	id := p.cfg.ClientID
	if len(p.instanceID) >= 8 {
		id += "-" + p.instanceID[len(p.instanceID)-8:]
	}
	return id
}

// PublishJSON marshals v and publishes it at QoS 1 under the given
// topic suffix.
func (p *Publisher) PublishJSON(ctx context.Context, suffix string, v any, retain bool) error {
	if p.client == nil {
		return ErrNotStarted
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", suffix, err)
	}
	topic := p.Topic(suffix)
	if _, err := p.client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  retain,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	p.logger.Log(ctx, config.LevelTrace, "mqtt published", "topic", topic, "payload", string(payload))
	return nil
}

func (p *Publisher) publishAvailability(ctx context.Context, b broker, status string) {
	if _, err := b.Publish(ctx, &paho.Publish{
		Topic:   p.Topic(TopicAvailability),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// StateMessage is the retained payload on the state topic.
type StateMessage struct {
	InstanceID     string    `json:"instance_id"`
	CPULoadPercent float64   `json:"cpu_load_percent"`
	MemoryUsed     uint64    `json:"memory_used_bytes"`
	MemoryTotal    uint64    `json:"memory_total_bytes"`
	MemoryPercent  float64   `json:"memory_percent"`
	DiskUsed       uint64    `json:"disk_used_bytes"`
	DiskTotal      uint64    `json:"disk_total_bytes"`
	DiskPercent    float64   `json:"disk_percent"`
	JunkBytes      *uint64   `json:"junk_bytes,omitempty"`
	LargeFileBytes *uint64   `json:"large_file_bytes,omitempty"`
	InstalledApps  int       `json:"installed_apps"`
	Timestamp      time.Time `json:"ts"`
}

// NewStateMessage converts a snapshot into its wire form. Scan sizes
// are omitted until a scan has run.
func NewStateMessage(instanceID string, snap telemetry.Snapshot) StateMessage {
	msg := StateMessage{
		InstanceID:     instanceID,
		CPULoadPercent: snap.CPULoadPercent,
		MemoryUsed:     snap.MemoryUsed,
		MemoryTotal:    snap.MemoryTotal,
		MemoryPercent:  snap.MemoryPercent(),
		DiskUsed:       snap.DiskUsed,
		DiskTotal:      snap.DiskTotal,
		DiskPercent:    snap.DiskPercent(),
		InstalledApps:  snap.InstalledAppCount,
		Timestamp:      snap.Timestamp,
	}
	if snap.LastJunkScan != nil {
		n := snap.LastJunkScan.TotalBytes
		msg.JunkBytes = &n
	}
	if snap.LastLargeFileScan != nil {
		n := snap.LastLargeFileScan.TotalBytes
		msg.LargeFileBytes = &n
	}
	return msg
}

func (p *Publisher) runLoop(ctx context.Context) {
	interval := p.cfg.StateInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishState(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishState(ctx)
		}
	}
}

func (p *Publisher) publishState(ctx context.Context) {
	if p.stats == nil {
		return
	}
	msg := NewStateMessage(p.instanceID, p.stats.Snapshot())
	if err := p.PublishJSON(ctx, TopicState, msg, true); err != nil {
		p.logger.Debug("mqtt state publish failed", "error", err)
	}
}
