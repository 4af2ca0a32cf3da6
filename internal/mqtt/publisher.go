package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"eg4-monitor/internal/features"
	"eg4-monitor/internal/identity"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// client is the part of mqtt.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

type Publisher struct {
	client      client
	topicPrefix string
	enabled     bool
	logger      *zap.Logger
}

type PublisherConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	Enabled     bool
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	logger := zap.L().With(zap.String("broker", cfg.Broker))
	if !cfg.Enabled {
		return &Publisher{enabled: false, logger: logger}, nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			logger.Warn("MQTT connection lost", zap.Error(err))
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			logger.Info("MQTT connected")
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return newPublisher(c, cfg.TopicPrefix, logger), nil
}

func newPublisher(c client, topicPrefix string, logger *zap.Logger) *Publisher {
	return &Publisher{
		client:      c,
		topicPrefix: strings.TrimSuffix(topicPrefix, "/"),
		enabled:     true,
		logger:      logger,
	}
}

func (p *Publisher) deviceTopic(serial, name string) string {
	return fmt.Sprintf("%s/%s/%s", p.topicPrefix, serial, name)
}

func (p *Publisher) publish(topic string, retained bool, payload interface{}) error {
	token := p.client.Publish(topic, 0, retained, payload)
	token.Wait()
	return token.Error()
}

// PublishCapabilities publishes the record as retained JSON and one retained
// ON/OFF topic per feature.
func (p *Publisher) PublishCapabilities(rec features.CapabilityRecord) error {
	if !p.enabled {
		return nil
	}

	for _, flag := range rec.Features.Flags() {
		topic := p.deviceTopic(rec.Serial, "feature/"+flag.Feature.String())
		if err := p.publish(topic, true, onOff(flag.Supported)); err != nil {
			p.logger.Warn("failed to publish feature", zap.String("topic", topic), zap.Error(err))
		}
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}
	if err := p.publish(p.deviceTopic(rec.Serial, "capabilities"), true, payload); err != nil {
		return fmt.Errorf("failed to publish capabilities: %w", err)
	}

	return nil
}

// PublishAvailability marks a device online or offline for Home Assistant.
func (p *Publisher) PublishAvailability(serial string, online bool) error {
	if !p.enabled {
		return nil
	}
	state := "offline"
	if online {
		state = "online"
	}
	if err := p.publish(p.deviceTopic(serial, "availability"), true, state); err != nil {
		return fmt.Errorf("failed to publish availability: %w", err)
	}
	return nil
}

func onOff(v bool) string {
	if v {
		return "ON"
	}
	return "OFF"
}

func manufacturer(f identity.Family) string {
	if f == identity.FamilyLuxpower {
		return "Luxpower"
	}
	return "EG4 Electronics"
}

// PublishHomeAssistantDiscovery announces one binary sensor per feature and a
// rated power sensor for the device in rec.
func (p *Publisher) PublishHomeAssistantDiscovery(rec features.CapabilityRecord) error {
	if !p.enabled {
		return nil
	}

	device := map[string]interface{}{
		"identifiers":   []string{"eg4_" + rec.Serial},
		"name":          fmt.Sprintf("%s %s", rec.Family.DisplayName(), rec.Serial),
		"manufacturer":  manufacturer(rec.Family),
		"model":         rec.Family.DisplayName(),
		"serial_number": rec.Serial,
	}
	availability := p.deviceTopic(rec.Serial, "availability")

	for _, flag := range rec.Features.Flags() {
		id := fmt.Sprintf("eg4_%s_%s", rec.Serial, flag.Feature)
		config := map[string]interface{}{
			"name":               featureTitle(flag.Feature),
			"unique_id":          id,
			"state_topic":        p.deviceTopic(rec.Serial, "feature/"+flag.Feature.String()),
			"availability_topic": availability,
			"entity_category":    "diagnostic",
			"device":             device,
		}
		payload, err := json.Marshal(config)
		if err != nil {
			return fmt.Errorf("failed to marshal discovery config: %w", err)
		}
		topic := fmt.Sprintf("homeassistant/binary_sensor/eg4_%s/%s/config", rec.Serial, flag.Feature)
		if err := p.publish(topic, true, payload); err != nil {
			return fmt.Errorf("failed to publish discovery for %s: %w", flag.Feature, err)
		}
	}

	config := map[string]interface{}{
		"name":                "Rated Power",
		"unique_id":           fmt.Sprintf("eg4_%s_rated_power", rec.Serial),
		"state_topic":         p.deviceTopic(rec.Serial, "capabilities"),
		"value_template":      "{{ value_json.rated_power_kw }}",
		"unit_of_measurement": "kW",
		"device_class":        "power",
		"availability_topic":  availability,
		"entity_category":     "diagnostic",
		"device":              device,
	}
	payload, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal discovery config: %w", err)
	}
	topic := fmt.Sprintf("homeassistant/sensor/eg4_%s/rated_power/config", rec.Serial)
	if err := p.publish(topic, true, payload); err != nil {
		return fmt.Errorf("failed to publish discovery for rated power: %w", err)
	}

	return nil
}

func featureTitle(f features.Feature) string {
	words := strings.Split(f.String(), "_")
	for i, w := range words {
		switch w {
		case "ac", "eps":
			words[i] = strings.ToUpper(w)
		default:
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

func (p *Publisher) IsConnected() bool {
	if !p.enabled {
		return false
	}
	return p.client.IsConnected()
}

func (p *Publisher) Close() {
	if p.enabled && p.client != nil {
		p.client.Disconnect(1000)
	}
}
