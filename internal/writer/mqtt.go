package writer

import (
	"context"
	"fmt"
	"time"

	"github.com/basekick-labs/xenrrd/pkg/models"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// MQTTConfig configures the MQTT sink
type MQTTConfig struct {
	Broker   string
	Topic    string
	QoS      byte
	ClientID string
	Username string
	Password string
	Timeout  time.Duration
}

// MQTTSink publishes each batch as one msgpack message, in the same envelope
// the Arc sink posts.
type MQTTSink struct {
	config MQTTConfig
	client pahomqtt.Client
	logger zerolog.Logger
}

// NewMQTTSink creates the sink and connects to the broker.
func NewMQTTSink(cfg MQTTConfig, logger zerolog.Logger) (*MQTTSink, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("mqtt topic is required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %d", cfg.QoS)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "xenrrd-" + uuid.NewString()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	s := &MQTTSink{
		config: cfg,
		logger: logger.With().Str("component", "mqtt-sink").Str("broker", cfg.Broker).Logger(),
	}
	s.client = pahomqtt.NewClient(s.buildClientOptions())

	s.logger.Info().Str("client_id", cfg.ClientID).Msg("Connecting to MQTT broker")
	token := s.client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("mqtt connection timeout after %s", cfg.Timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	s.logger.Info().Msg("Connected to MQTT broker")
	return s, nil
}

// newMQTTSinkWithClient wires an already built client, used by tests.
func newMQTTSinkWithClient(cfg MQTTConfig, client pahomqtt.Client, logger zerolog.Logger) *MQTTSink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &MQTTSink{
		config: cfg,
		client: client,
		logger: logger.With().Str("component", "mqtt-sink").Logger(),
	}
}

func (s *MQTTSink) buildClientOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(s.config.Broker)
	opts.SetClientID(s.config.ClientID)
	opts.SetConnectTimeout(s.config.Timeout)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetCleanSession(true)
	if s.config.Username != "" {
		opts.SetUsername(s.config.Username)
	}
	if s.config.Password != "" {
		opts.SetPassword(s.config.Password)
	}

	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		s.logger.Warn().Err(err).Msg("MQTT connection lost")
	})
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		s.logger.Info().Msg("Reconnecting to MQTT broker")
	})
	return opts
}

func (s *MQTTSink) Name() string { return SinkMQTT }

func (s *MQTTSink) Send(ctx context.Context, points []models.Point) (int, error) {
	data, err := msgpack.Marshal(models.NewBatchPayload(points))
	if err != nil {
		return 0, &SinkError{Sink: SinkMQTT, Permanent: true, Err: fmt.Errorf("encode msgpack: %w", err)}
	}

	if !s.client.IsConnectionOpen() {
		return 0, &SinkError{Sink: SinkMQTT, Err: fmt.Errorf("not connected to %s", s.config.Broker)}
	}

	token := s.client.Publish(s.config.Topic, s.config.QoS, false, data)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(s.config.Timeout):
		return 0, &SinkError{Sink: SinkMQTT, Err: fmt.Errorf("publish timeout after %s", s.config.Timeout)}
	}
	if err := token.Error(); err != nil {
		return 0, &SinkError{Sink: SinkMQTT, Err: err}
	}
	return len(data), nil
}

func (s *MQTTSink) Close() error {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(1000)
		s.logger.Info().Msg("Disconnected from MQTT broker")
	}
	return nil
}
