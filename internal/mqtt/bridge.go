package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/thane-toolloop/internal/config"
	"github.com/nugget/thane-toolloop/internal/events"
)

// publishTimeout bounds one publish. autopaho blocks while the
// connection is down, and the consumer loop must keep draining the bus.
const publishTimeout = 5 * time.Second

// publisher is the part of [autopaho.ConnectionManager] the bridge uses.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Bridge forwards bus events to an MQTT broker and publishes daily
// activity sensors.
type Bridge struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	bus        *events.Bus
	stats      *DailyStats
	limiter    *eventLimiter
	kinds      map[string]bool
	logger     *slog.Logger

	// cm is set by Run and read by Stop and AwaitConnection from other
	// goroutines.
	mu  sync.Mutex
	cm  *autopaho.ConnectionManager
	pub publisher
}

// New creates a Bridge but does not connect. Call [Bridge.Run].
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")

	var kinds map[string]bool
	if len(cfg.Events) > 0 {
		kinds = make(map[string]bool, len(cfg.Events))
		for _, k := range cfg.Events {
			kinds[k] = true
		}
	}
	limit := int64(cfg.MaxEventsPerMinute)
	if limit <= 0 {
		limit = 600
	}

	return &Bridge{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		bus:        bus,
		stats:      NewDailyStats(nil),
		limiter:    newEventLimiter(limit, time.Minute, logger),
		kinds:      kinds,
		logger:     logger,
	}
}

// Stats exposes the daily counters.
func (b *Bridge) Stats() *DailyStats { return b.stats }

// Run connects to the broker and forwards events until ctx is
// cancelled. Connection failures after the first attempt are retried
// in the background by autopaho.
func (b *Bridge) Run(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	var sub <-chan events.Event
	if b.bus != nil {
		sub = b.bus.Subscribe(256)
		defer b.bus.Unsubscribe(sub)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   b.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.Broker)
			b.publishDiscovery(ctx, cm)
			b.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.cfg.TopicPrefix + "-" + b.cfg.DeviceName,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.mu.Lock()
	b.cm = cm
	b.mu.Unlock()
	b.pub = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	err = cm.AwaitConnection(connCtx)
	connCancel()
	if err != nil {
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go b.limiter.run(ctx)
	b.loop(ctx, sub)
	return nil
}

// loop consumes bus events and publishes sensor states on a ticker.
func (b *Bridge) loop(ctx context.Context, sub <-chan events.Event) {
	interval := time.Duration(b.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			b.handle(ctx, e)
		case <-ticker.C:
			b.publishStates(ctx)
		}
	}
}

// handle counts e and forwards it when its kind is selected and the
// rate limit allows.
func (b *Bridge) handle(ctx context.Context, e events.Event) {
	b.stats.Observe(e)
	if e.Kind == events.KindTurnComplete || e.Kind == events.KindBreakerTripped {
		b.publishStates(ctx)
	}
	if !b.wants(e.Kind) || !b.limiter.allow() {
		return
	}
	b.forward(ctx, e)
}

func (b *Bridge) wants(kind string) bool {
	return b.kinds == nil || b.kinds[kind]
}

func (b *Bridge) forward(ctx context.Context, e events.Event) {
	if b.pub == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		b.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if _, err := b.pub.Publish(ctx, &paho.Publish{
		Topic:   b.eventTopic(e),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		b.logger.Debug("mqtt event publish failed", "kind", e.Kind, "error", err)
	}
}

// Stop publishes "offline" and disconnects.
func (b *Bridge) Stop(ctx context.Context) error {
	cm := b.connection()
	if cm == nil {
		return nil
	}
	b.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires.
func (b *Bridge) AwaitConnection(ctx context.Context) error {
	cm := b.connection()
	if cm == nil {
		return fmt.Errorf("mqtt bridge not started")
	}
	return cm.AwaitConnection(ctx)
}

func (b *Bridge) connection() *autopaho.ConnectionManager {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cm
}

func (b *Bridge) baseTopic() string {
	return b.cfg.TopicPrefix + "/" + b.cfg.DeviceName
}

func (b *Bridge) availabilityTopic() string {
	return b.baseTopic() + "/availability"
}

func (b *Bridge) stateTopic(entity string) string {
	return b.baseTopic() + "/" + entity + "/state"
}

func (b *Bridge) eventTopic(e events.Event) string {
	return b.baseTopic() + "/events/" + e.Source + "/" + e.Kind
}

func (b *Bridge) discoveryTopic(entity string) string {
	return b.cfg.DiscoveryPrefix + "/sensor/" + b.cfg.DeviceName + "/" + entity + "/config"
}

type sensorDef struct {
	entity string
	config SensorConfig
}

func (b *Bridge) sensor(entity, label, icon string) SensorConfig {
	return SensorConfig{
		Name:              b.device.Name + " " + label,
		UniqueID:          b.instanceID + "_" + entity,
		StateTopic:        b.stateTopic(entity),
		AvailabilityTopic: b.availabilityTopic(),
		Device:            b.device,
		Icon:              icon,
	}
}

func (b *Bridge) sensorDefinitions() []sensorDef {
	turns := b.sensor("turns_today", "Turns Today", "mdi:repeat")
	turns.StateClass = "total_increasing"

	tokens := b.sensor("tokens_today", "Tokens Today", "mdi:counter")
	tokens.StateClass = "total_increasing"
	tokens.UnitOfMeasurement = "tokens"

	toolCalls := b.sensor("tool_calls_today", "Tool Calls Today", "mdi:tools")
	toolCalls.StateClass = "total_increasing"

	trips := b.sensor("breaker_trips_today", "Breaker Trips Today", "mdi:electric-switch")
	trips.StateClass = "total_increasing"

	lastTurn := b.sensor("last_turn", "Last Turn", "mdi:clock-check")
	lastTurn.EntityCategory = "diagnostic"

	lastModel := b.sensor("last_model", "Last Model", "mdi:brain")
	lastModel.EntityCategory = "diagnostic"

	return []sensorDef{
		{"turns_today", turns},
		{"tokens_today", tokens},
		{"tool_calls_today", toolCalls},
		{"breaker_trips_today", trips},
		{"last_turn", lastTurn},
		{"last_model", lastModel},
	}
}

func (b *Bridge) publishDiscovery(ctx context.Context, pub publisher) {
	for _, s := range b.sensorDefinitions() {
		topic := b.discoveryTopic(s.entity)
		payload, err := json.Marshal(s.config)
		if err != nil {
			b.logger.Error("mqtt marshal discovery payload", "entity", s.entity, "error", err)
			continue
		}
		if _, err := pub.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			b.logger.Warn("mqtt discovery publish failed", "entity", s.entity, "topic", topic, "error", err)
		}
	}
}

func (b *Bridge) publishAvailability(ctx context.Context, pub publisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   b.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	b.logger.Info("mqtt availability published", "status", status)
}

func (b *Bridge) sensorStates() map[string]string {
	s := b.stats.Snapshot()
	states := map[string]string{
		"turns_today":         strconv.FormatInt(s.Turns, 10),
		"tokens_today":        strconv.FormatInt(s.InputTokens+s.OutputTokens, 10),
		"tool_calls_today":    strconv.FormatInt(s.ToolCalls, 10),
		"breaker_trips_today": strconv.FormatInt(s.BreakerTrips, 10),
		"last_turn":           "never",
		"last_model":          s.LastModel,
	}
	if !s.LastTurn.IsZero() {
		states["last_turn"] = s.LastTurn.Format(time.RFC3339)
	}
	return states
}

func (b *Bridge) publishStates(ctx context.Context) {
	if b.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	states := b.sensorStates()
	for entity, value := range states {
		if _, err := b.pub.Publish(ctx, &paho.Publish{
			Topic:   b.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			b.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
	b.logger.Debug("mqtt sensor states published", "entities", len(states))
}
