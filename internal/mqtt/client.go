package mqtt

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// TopicRoot prefixes every topic of the node.
const TopicRoot = "pihive"

const (
	opTimeout = 5 * time.Second
	qos       = byte(1)
)

// Options tune the broker connection.
type Options struct {
	// Insecure skips certificate verification for mqtts and wss brokers.
	Insecure bool
	// ConnectTimeout bounds the initial connection attempt.
	ConnectTimeout time.Duration
}

// Client wraps the paho client with the node's topic layout.
type Client struct {
	client mqtt.Client
	host   string
	logger *logrus.Logger
}

// brokerURL maps the accepted schemes onto the ones paho understands.
func brokerURL(raw string) (*url.URL, string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, "", fmt.Errorf("invalid MQTT URL: %w", err)
	}
	switch parsed.Scheme {
	case "ws", "wss", "tcp", "ssl":
		return parsed, raw, nil
	case "mqtt":
		return parsed, strings.Replace(raw, "mqtt://", "tcp://", 1), nil
	case "mqtts":
		return parsed, strings.Replace(raw, "mqtts://", "ssl://", 1), nil
	}
	return nil, "", fmt.Errorf("unsupported protocol scheme: %s (supported: ws, wss, mqtt, mqtts, tcp, ssl)", parsed.Scheme)
}

// NewClient connects to the broker at mqttURL. The last will marks the node
// offline on its availability topic.
func NewClient(mqttURL, host string, o Options, logger *logrus.Logger) (*Client, error) {
	parsed, broker, err := brokerURL(mqttURL)
	if err != nil {
		return nil, err
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = opTimeout
	}

	c := &Client{host: host, logger: logger}
	clientID := fmt.Sprintf("%s-%s", TopicRoot, host)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(time.Second)
	opts.SetConnectTimeout(o.ConnectTimeout)
	opts.SetMaxReconnectInterval(10 * time.Second)
	opts.SetWill(c.AvailabilityTopic(), "offline", qos, true)
	if parsed.Scheme == "wss" || parsed.Scheme == "mqtts" || parsed.Scheme == "ssl" {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: o.Insecure, MinVersion: tls.VersionTLS12})
	}
	if parsed.User != nil {
		opts.SetUsername(parsed.User.Username())
		password, _ := parsed.User.Password()
		opts.SetPassword(password)
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.WithError(err).Warn("MQTT connection lost")
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		logger.Debug("MQTT reconnecting...")
	})
	firstConnect := true
	opts.SetOnConnectHandler(func(mqtt.Client) {
		if firstConnect {
			firstConnect = false
			return
		}
		logger.Info("MQTT reconnected")
	})

	c.client = mqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(o.ConnectTimeout) {
		return nil, fmt.Errorf("connecting to MQTT broker timed out after %s", o.ConnectTimeout)
	}
	if token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	logger.WithFields(logrus.Fields{
		"broker":    cleanURL(mqttURL),
		"protocol":  parsed.Scheme,
		"client_id": clientID,
	}).Info("MQTT client connected")
	return c, nil
}

// Publish sends payload with QoS 1, waiting at most five seconds.
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(opTimeout) {
		return fmt.Errorf("publish to topic %s timed out after %s", topic, opTimeout)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}
	c.logger.WithFields(logrus.Fields{
		"topic":    topic,
		"size":     len(payload),
		"retained": retained,
	}).Debug("Published MQTT message")
	return nil
}

// Subscribe registers handler for topic; handler receives the payload.
func (c *Client) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, m mqtt.Message) {
		handler(m.Topic(), m.Payload())
	})
	if !token.WaitTimeout(opTimeout) {
		return fmt.Errorf("subscribe to topic %s timed out after %s", topic, opTimeout)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}
	c.logger.WithField("topic", topic).Debug("Subscribed to MQTT topic")
	return nil
}

// IsConnected reports the connection state.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Disconnect marks the node offline and closes the connection.
func (c *Client) Disconnect(quiesce uint) {
	if err := c.PublishAvailability(false); err != nil {
		c.logger.WithError(err).Debug("Could not publish offline state")
	}
	c.client.Disconnect(quiesce)
	c.logger.Debug("MQTT client disconnected")
}

// Host returns the node name used in topics.
func (c *Client) Host() string { return c.host }

// BaseTopic returns pihive/<host>.
func (c *Client) BaseTopic() string {
	return BuildCleanTopic(TopicRoot, c.host)
}

// Topic returns a topic below the base topic.
func (c *Client) Topic(parts ...string) string {
	return c.BaseTopic() + "/" + BuildCleanTopic(parts...)
}

// DiscoveryTopic returns the Home Assistant discovery topic for an entity.
func (c *Client) DiscoveryTopic(prefix, entityType, entityID string) string {
	return fmt.Sprintf("%s/%s/%s_%s/%s/config", prefix, entityType, TopicRoot, BuildCleanTopic(c.host), entityID)
}

// StateTopic carries the retained JSON state.
func (c *Client) StateTopic() string { return c.Topic("state") }

// AvailabilityTopic carries online/offline.
func (c *Client) AvailabilityTopic() string { return c.Topic("availability") }

// PublishAvailability publishes the retained availability state.
func (c *Client) PublishAvailability(online bool) error {
	status := "offline"
	if online {
		status = "online"
	}
	return c.Publish(c.AvailabilityTopic(), []byte(status), true)
}

// cleanURL removes credentials from URL for logging
func cleanURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if parsed.User != nil {
		parsed.User = url.UserPassword("***", "***")
	}
	return parsed.String()
}

// BuildCleanTopic joins parts after replacing characters MQTT treats
// specially.
func BuildCleanTopic(parts ...string) string {
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		p := strings.ReplaceAll(part, " ", "_")
		p = strings.ReplaceAll(p, "+", "plus")
		p = strings.ReplaceAll(p, "#", "hash")
		p = strings.ReplaceAll(p, "/", "_")
		clean = append(clean, strings.ToLower(p))
	}
	return strings.Join(clean, "/")
}
