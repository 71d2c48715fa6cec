package activation

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"arcal-receiver/internal/config"
)

const publishTimeout = 10 * time.Second

// publisher is the part of mqtt.Client the sink uses
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSink publishes an Event for each activation at QoS 1
type MQTTSink struct {
	client    publisher
	topic     string
	frequency float64
	clicks    int
	window    time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// WithMQTTLogger sets the logger for the MQTT sink
func WithMQTTLogger(logger *slog.Logger) func(s *MQTTSink) {
	return func(s *MQTTSink) {
		s.logger = logger.With(slog.String("component", "mqtt"))
	}
}

// ConnectMQTT connects to the broker in cfg and returns a sink describing
// activations on frequency after clicks within window
func ConnectMQTT(cfg config.MQTTConfig, frequency float64, clicks config.ClicksConfig, options ...func(*MQTTSink)) (*MQTTSink, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "arcal_" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	s := newMQTTSink(nil, cfg.Topic, frequency, clicks, options...)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		s.logger.Info("connected to broker", slog.String("broker", cfg.Broker))
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		s.logger.Warn("connection lost", slog.Any("error", err))
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(publishTimeout) && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	s.client = client
	return s, nil
}

func newMQTTSink(client publisher, topic string, frequency float64, clicks config.ClicksConfig, options ...func(*MQTTSink)) *MQTTSink {
	s := &MQTTSink{
		client:    client,
		topic:     topic,
		frequency: frequency,
		clicks:    clicks.Count,
		window:    clicks.Horizon,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:       time.Now,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Activate publishes the event; delivery is confirmed on a separate goroutine
func (s *MQTTSink) Activate() {
	event := Event{
		ID:        uuid.NewString(),
		Time:      s.now().UTC(),
		Frequency: s.frequency,
		Clicks:    s.clicks,
		Window:    s.window.String(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to encode activation", slog.Any("error", err))
		return
	}

	token := s.client.Publish(s.topic, 1, false, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			s.logger.Warn("activation publish timed out", slog.String("id", event.ID))
			return
		}
		if err := token.Error(); err != nil {
			s.logger.Error("failed to publish activation", slog.String("id", event.ID), slog.Any("error", err))
			return
		}
		s.logger.Debug("activation published", slog.String("id", event.ID), slog.String("topic", s.topic))
	}()
}

// Close disconnects from the broker after in-flight messages drain
func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
