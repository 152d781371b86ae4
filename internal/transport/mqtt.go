// Package transport connects the collector to the plant MQTT broker and
// feeds inbound messages to the ingestion engine.
package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/time/rate"

	"github.com/plantstream-io/plantstream/internal/config"
)

const (
	defaultQoS            = 1
	defaultConnectTimeout = 30 * time.Second
	disconnectQuiesceMs   = 250

	// Handler failures are logged at most once per second; the first one
	// is also forwarded on Fatal so the supervisor can stop the process.
	errorLogRate = rate.Limit(1)
)

// ErrBrokerURLEmpty is returned when no broker URL is configured.
var ErrBrokerURLEmpty = errors.New("MQTT broker URL cannot be empty")

type (
	// Handler processes one inbound message. A returned error is treated
	// as fatal to ingestion: the persistence gateway refused a write.
	Handler func(topic string, payload []byte) error

	// Config holds MQTT connection settings.
	Config struct {
		BrokerURL      string
		ClientID       string
		Username       string
		Password       string
		Topic          string
		QoS            byte
		ConnectTimeout time.Duration
	}

	// Subscriber owns the broker session. Subscription is re-established
	// on every (re)connect so auto-reconnect keeps the stream alive.
	Subscriber struct {
		client   mqtt.Client
		cfg      Config
		handlers []Handler
		logger   *slog.Logger
		limiter  *rate.Limiter
		fatal    chan error
	}
)

// LoadConfig reads MQTT settings from the environment.
func LoadConfig() Config {
	return Config{
		BrokerURL:      config.GetEnvStr("MQTT_BROKER_URL", "tcp://localhost:1883"),
		ClientID:       config.GetEnvStr("MQTT_CLIENT_ID", "plantstream-collector"),
		Username:       config.GetEnvStr("MQTT_USERNAME", ""),
		Password:       config.GetEnvStr("MQTT_PASSWORD", ""),
		Topic:          config.GetEnvStr("MQTT_TOPIC", "#"),
		QoS:            byte(config.GetEnvInt("MQTT_QOS", defaultQoS)),
		ConnectTimeout: config.GetEnvDuration("MQTT_CONNECT_TIMEOUT", defaultConnectTimeout),
	}
}

// Validate checks the MQTT configuration.
func (c Config) Validate() error {
	if c.BrokerURL == "" {
		return ErrBrokerURLEmpty
	}

	return nil
}

// NewSubscriber connects to the broker and subscribes the handlers. Each
// inbound message is delivered to every handler in registration order. The
// returned Subscriber is already receiving messages.
func NewSubscriber(cfg Config, handlers ...Handler) (*Subscriber, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Subscriber{
		cfg:      cfg,
		handlers: handlers,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		limiter: rate.NewLimiter(errorLogRate, 1),
		fatal:   make(chan error, 1),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}

	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	s.client = mqtt.NewClient(opts)

	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.BrokerURL, token.Error())
	}

	return s, nil
}

// Fatal delivers the first handler error. The supervisor treats it as a
// signal to drain and exit.
func (s *Subscriber) Fatal() <-chan error {
	return s.fatal
}

// IsConnected reports the session state.
func (s *Subscriber) IsConnected() bool {
	return s.client.IsConnected()
}

// Close unsubscribes and disconnects, letting in-flight deliveries finish.
func (s *Subscriber) Close() {
	if token := s.client.Unsubscribe(s.cfg.Topic); token.Wait() && token.Error() != nil {
		s.logger.Warn("failed to unsubscribe", slog.String("error", token.Error().Error()))
	}

	s.client.Disconnect(disconnectQuiesceMs)
}

func (s *Subscriber) onConnect(client mqtt.Client) {
	s.logger.Info("connected to MQTT broker",
		slog.String("broker", s.cfg.BrokerURL),
		slog.String("topic", s.cfg.Topic),
	)

	token := client.Subscribe(s.cfg.Topic, s.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		s.deliver(msg.Topic(), msg.Payload())
	})

	if token.Wait() && token.Error() != nil {
		s.logger.Error("failed to subscribe",
			slog.String("topic", s.cfg.Topic),
			slog.String("error", token.Error().Error()),
		)

		s.reportFatal(fmt.Errorf("failed to subscribe to %s: %w", s.cfg.Topic, token.Error()))
	}
}

func (s *Subscriber) onConnectionLost(_ mqtt.Client, err error) {
	s.logger.Warn("MQTT connection lost", slog.String("error", err.Error()))
}

func (s *Subscriber) deliver(topic string, payload []byte) {
	for _, handler := range s.handlers {
		err := handler(topic, payload)
		if err == nil {
			continue
		}

		if s.limiter.Allow() {
			s.logger.Error("message handler failed",
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
		}

		s.reportFatal(err)

		return
	}
}

func (s *Subscriber) reportFatal(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}
