// Package bridge connects the coordinator to the host over MQTT. Entity
// states are read from the host's state stream and every metric is
// published back with its availability.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/icodeforyou/energycontract-go/coordinator"
)

const (
	publishTimeout = 5 * time.Second
	// State streams only publish on change, a quiet hour is worth a warning.
	maxSilence = time.Hour
)

// StateHandler receives the entity states and price forecasts read from the
// broker.
type StateHandler interface {
	UpdateState(ctx context.Context, entityID, raw string, at time.Time)
	UpdateForecast(ctx context.Context, entityID string, day coordinator.ForecastDay, raw []byte)
	Entities() []string
	ForecastEntities() []string
}

type Options struct {
	Host          string
	Port          int16
	Username      string
	Password      string
	ClientID      string
	StatePrefix   string
	PublishPrefix string
}

type Bridge struct {
	client  mqtt.Client
	opts    Options
	logger  *slog.Logger
	handler StateHandler
	ctx     context.Context

	mu         sync.Mutex
	subscribed map[string]string // topic -> entity

	lastMessage   activityTimer
	stopMonitorCh chan struct{}

	// send publishes a message, replaced in tests.
	send func(topic string, retained bool, payload string)
}

func New(opts Options) *Bridge {
	logger := slog.Default().With("module", "bridge")
	b := &Bridge{
		opts:       opts,
		logger:     logger,
		ctx:        context.Background(),
		subscribed: make(map[string]string),
	}

	mo := mqtt.NewClientOptions()
	mo.AddBroker(fmt.Sprintf("tcp://%s:%d", opts.Host, opts.Port))
	mo.SetClientID(opts.ClientID)
	mo.SetUsername(opts.Username)
	mo.SetPassword(opts.Password)
	mo.SetAutoReconnect(true)
	mo.SetWill(statusTopic(opts.PublishPrefix), "offline", 1, true)
	mo.OnConnect = func(client mqtt.Client) {
		logger.Info("MQTT connected")
		b.onConnect()
	}
	mo.OnConnectionLost = func(client mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", slog.Any("error", err))
	}

	mqttLogger := slog.Default().With("module", "mqtt")
	mqtt.CRITICAL = newMqttLogger(mqttLogger, slog.LevelError)
	mqtt.ERROR = newMqttLogger(mqttLogger, slog.LevelError)
	mqtt.WARN = newMqttLogger(mqttLogger, slog.LevelWarn)

	b.client = mqtt.NewClient(mo)
	b.send = b.publish
	return b
}

// Attach sets the receiver of entity states. It must be called before
// Connect.
func (b *Bridge) Attach(h StateHandler) {
	b.handler = h
}

func (b *Bridge) Connect(ctx context.Context) error {
	b.logger.Debug("connecting MQTT client", slog.String("host", b.opts.Host), slog.Int("port", int(b.opts.Port)))
	b.ctx = ctx

	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connecting to %s: %w", b.opts.Host, token.Error())
	}

	b.inactivityWatchdog()
	return nil
}

func (b *Bridge) Disconnect() {
	b.logger.Info("disconnecting MQTT client")
	if b.stopMonitorCh != nil {
		close(b.stopMonitorCh)
		b.stopMonitorCh = nil
	}

	b.mu.Lock()
	topics := make([]string, 0, len(b.subscribed))
	for topic := range b.subscribed {
		topics = append(topics, topic)
	}
	b.subscribed = make(map[string]string)
	b.mu.Unlock()

	if len(topics) > 0 {
		token := b.client.Unsubscribe(topics...)
		token.WaitTimeout(time.Second)
		if token.Error() != nil {
			b.logger.Error("error unsubscribing from topics", slog.Any("error", token.Error()))
		}
	}

	b.client.Publish(statusTopic(b.opts.PublishPrefix), 1, true, "offline").WaitTimeout(time.Second)
	b.client.Disconnect(250)
}

// Subscriptions are lost when a clean session reconnects.
func (b *Bridge) onConnect() {
	b.mu.Lock()
	b.subscribed = make(map[string]string)
	b.mu.Unlock()

	b.send(statusTopic(b.opts.PublishPrefix), true, "online")
	if err := b.Resubscribe(); err != nil {
		b.logger.Error("failed to subscribe to entity states", slog.Any("error", err))
	}
}

// subscriptions maps the state topic of every entity and the forecast topics
// of every price sensor to the entity.
func subscriptions(prefix string, entities, forecasts []string) map[string]string {
	topics := make(map[string]string, len(entities)+2*len(forecasts))
	for _, e := range entities {
		if topic, ok := StateTopic(prefix, e); ok {
			topics[topic] = e
		}
	}
	for _, e := range forecasts {
		for _, day := range coordinator.ForecastDays {
			if topic, ok := ForecastTopic(prefix, e, day); ok {
				topics[topic] = e
			}
		}
	}
	return topics
}

// Resubscribe aligns the subscriptions with the entities of the handler,
// e.g. after a reconfiguration.
func (b *Bridge) Resubscribe() error {
	if b.handler == nil {
		return nil
	}
	want := subscriptions(b.opts.StatePrefix, b.handler.Entities(), b.handler.ForecastEntities())
	for _, e := range b.handler.Entities() {
		if _, ok := StateTopic(b.opts.StatePrefix, e); !ok {
			b.logger.Warn("entity id can not be mapped to a topic", slog.String("entity", e))
		}
	}

	b.mu.Lock()
	var remove []string
	for topic := range b.subscribed {
		if _, ok := want[topic]; !ok {
			remove = append(remove, topic)
			delete(b.subscribed, topic)
		}
	}
	add := make(map[string]byte)
	for topic, entity := range want {
		if _, ok := b.subscribed[topic]; !ok {
			add[topic] = 0
			b.subscribed[topic] = entity
		}
	}
	b.mu.Unlock()

	if len(remove) > 0 {
		if token := b.client.Unsubscribe(remove...); token.Wait() && token.Error() != nil {
			return fmt.Errorf("unsubscribing from %d topics: %w", len(remove), token.Error())
		}
	}
	if len(add) > 0 {
		token := b.client.SubscribeMultiple(add, func(client mqtt.Client, msg mqtt.Message) {
			b.handleMessage(msg.Topic(), msg.Payload(), time.Now())
		})
		if token.Wait() && token.Error() != nil {
			return fmt.Errorf("subscribing to %d topics: %w", len(add), token.Error())
		}
	}
	b.logger.Info("subscribed to entity states", slog.Int("topics", len(want)), slog.Int("added", len(add)), slog.Int("removed", len(remove)))
	return nil
}

func (b *Bridge) handleMessage(topic string, payload []byte, at time.Time) {
	b.lastMessage.Reset()

	entity, leaf, ok := splitTopic(b.opts.StatePrefix, topic)
	if !ok {
		b.logger.Warn("unknown topic", slog.String("topic", topic))
		return
	}
	b.mu.Lock()
	if e, found := b.subscribed[topic]; found {
		entity = e
	}
	b.mu.Unlock()

	if b.handler == nil {
		return
	}
	switch day := coordinator.ForecastDay(leaf); day {
	case coordinator.ForecastToday, coordinator.ForecastTomorrow:
		b.handler.UpdateForecast(b.ctx, entity, day, payload)
	case "state":
		b.handler.UpdateState(b.ctx, entity, ParsePayload(payload), at)
	default:
		b.logger.Debug("ignoring attribute topic", slog.String("topic", topic))
	}
}

// PublishMeter publishes the value and availability of a metric. Values are
// retained so a restarted host sees the last totals.
func (b *Bridge) PublishMeter(s coordinator.MeterState) {
	b.send(meterTopic(b.opts.PublishPrefix, s.ID, "availability"), true, availability(s.Available))
	if !s.Available {
		return
	}
	b.send(meterTopic(b.opts.PublishPrefix, s.ID, "state"), true, FormatValue(s.Value))
	if s.Attributes != nil {
		data, err := json.Marshal(s.Attributes)
		if err != nil {
			b.logger.Warn("failed to encode meter attributes", slog.String("meter", s.ID), slog.Any("error", err))
			return
		}
		b.send(meterTopic(b.opts.PublishPrefix, s.ID, "attributes"), true, string(data))
	}
}

// Raise publishes a persistent fault notification.
func (b *Bridge) Raise(id string) {
	b.logger.Warn("input unavailable", slog.String("fault", id))
	b.send(faultTopic(b.opts.PublishPrefix, id), true, "unavailable")
}

// Clear removes the retained fault notification.
func (b *Bridge) Clear(id string) {
	b.logger.Info("input restored", slog.String("fault", id))
	b.send(faultTopic(b.opts.PublishPrefix, id), true, "")
}

// publish does not wait for the broker, callers may hold the coordinator
// lock.
func (b *Bridge) publish(topic string, retained bool, payload string) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			b.logger.Warn("timeout when publishing", slog.String("topic", topic))
		} else if token.Error() != nil {
			b.logger.Debug("error when publishing", slog.String("topic", topic), slog.Any("error", token.Error()))
		}
	}()
}

func (b *Bridge) inactivityWatchdog() {
	trafficOk := true
	b.lastMessage.Reset()
	b.stopMonitorCh = make(chan struct{})
	stop := b.stopMonitorCh

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if b.lastMessage.Elapsed() >= maxSilence {
					if trafficOk {
						b.logger.Warn(fmt.Sprintf("no incoming mqtt traffic for the last %.0f minutes", maxSilence.Minutes()))
						trafficOk = false
					}
				} else if !trafficOk {
					b.logger.Info("mqtt traffic is restored")
					trafficOk = true
				}

			case <-stop:
				b.logger.Debug("stopping monitor routine")
				return
			}
		}
	}()
}

var _ coordinator.FaultReporter = (*Bridge)(nil)
