// Package mqttclient provides the MQTT client transport: a managed
// connection to an external broker, used to bridge devices that publish
// through a broker instead of connecting to this node directly. It is a
// plain resource, not a server; gateways that need its traffic subscribe to
// topics on it.
package mqttclient

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/c360/devlink/errors"
	"github.com/c360/devlink/network"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultQoS            = 1
)

// Config is the provider-specific configuration document.
type Config struct {
	Broker    string `json:"broker"`
	ClientID  string `json:"clientId"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	QoS       byte   `json:"qos"`
	CleanSess bool   `json:"cleanSession"`

	autoReload bool
}

func (c *Config) validate() error {
	if c.Broker == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "mqttclient", "validate", "broker url required")
	}
	if c.ClientID == "" {
		c.ClientID = "devlink-" + uuid.NewString()[:8]
	}
	if c.QoS > 2 {
		c.QoS = defaultQoS
	}
	return nil
}

// Provider creates MQTT client resources.
type Provider struct{}

// NewProvider returns the mqtt_client provider.
func NewProvider() *Provider { return &Provider{} }

func (p *Provider) Type() network.Type { return network.TypeMQTTClient }

func (p *Provider) ParseConfig(props *network.Properties) (any, error) {
	var cfg Config
	if len(props.Configuration) > 0 {
		if err := json.Unmarshal(props.Configuration, &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "mqttclient", "ParseConfig", "invalid configuration document")
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.autoReload = props.AutoReload
	return &cfg, nil
}

func (p *Provider) Create(id string, cfg any) (network.Resource, error) {
	c, ok := cfg.(*Config)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "mqttclient", "Create", "unexpected config type")
	}

	opts := mqtt.NewClientOptions().
		AddBroker(c.Broker).
		SetClientID(c.ClientID).
		SetUsername(c.Username).
		SetPassword(c.Password).
		SetCleanSession(c.CleanSess).
		SetAutoReconnect(true).
		SetConnectTimeout(defaultConnectTimeout)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		client.Disconnect(0)
		return nil, errors.WrapTransient(errors.ErrNoConnection, "mqttclient", "Create",
			fmt.Sprintf("connect to %s timed out", c.Broker))
	}
	if err := token.Error(); err != nil {
		return nil, errors.WrapTransient(err, "mqttclient", "Create", "connect failed")
	}
	r := &Client{id: id, cfg: c, client: client}
	r.alive.Store(true)
	return r, nil
}

// Reload builds the new client before dropping the old one; two broker
// connections may coexist briefly.
func (p *Provider) Reload(old network.Resource, id string, cfg any) (network.Resource, error) {
	created, err := p.Create(id, cfg)
	if err != nil {
		return nil, err
	}
	if old != nil {
		old.Shutdown()
	}
	return created, nil
}

var _ network.Provider = (*Provider)(nil)

// Client is a live broker connection resource.
type Client struct {
	id     string
	cfg    *Config
	client mqtt.Client
	alive  atomic.Bool
}

func (c *Client) ID() string         { return c.id }
func (c *Client) Type() network.Type { return network.TypeMQTTClient }
func (c *Client) AutoReload() bool   { return c.cfg.autoReload }

func (c *Client) IsAlive() bool {
	return c.alive.Load() && c.client.IsConnectionOpen()
}

func (c *Client) Shutdown() {
	if c.alive.CompareAndSwap(true, false) {
		c.client.Disconnect(250)
	}
}

// Publish sends a payload to a broker topic at the configured QoS.
func (c *Client) Publish(topic string, payload []byte) error {
	if !c.IsAlive() {
		return errors.ErrResourceClosed
	}
	token := c.client.Publish(topic, c.cfg.QoS, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "mqttclient", "Publish", "publish failed")
	}
	return nil
}

// Subscribe routes messages on a topic filter to fn.
func (c *Client) Subscribe(filter string, fn func(topic string, payload []byte)) error {
	if !c.IsAlive() {
		return errors.ErrResourceClosed
	}
	token := c.client.Subscribe(filter, c.cfg.QoS, func(_ mqtt.Client, m mqtt.Message) {
		fn(m.Topic(), m.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "mqttclient", "Subscribe", "subscribe failed")
	}
	return nil
}

// Unsubscribe removes a topic filter subscription.
func (c *Client) Unsubscribe(filter string) error {
	token := c.client.Unsubscribe(filter)
	token.Wait()
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "mqttclient", "Unsubscribe", "unsubscribe failed")
	}
	return nil
}

var _ network.Resource = (*Client)(nil)
