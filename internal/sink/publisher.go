// Package sink delivers decoded reports to the snapshot file, the MQTT
// broker and the history database.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/banshee-data/underpass.report/internal/monitoring"
	"github.com/banshee-data/underpass.report/internal/version"
)

// ErrNotConnected is returned by Publish while the broker link is down.
var ErrNotConnected = errors.New("sink: publisher not connected")

// Publisher delivers a payload to a topic. Delivery is at most once: a
// failed publish is not retried.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	State() monitoring.LinkState
}

// MQTTOptions configures the broker connection.
type MQTTOptions struct {
	Broker         string
	ClientID       string
	Topic          string
	QoS            byte
	Retained       bool
	RetryInterval  time.Duration
	PublishTimeout time.Duration
}

// quiesceMillis is how long Disconnect waits for in-flight work.
const quiesceMillis = 250

type statusMessage struct {
	Status   string `json:"status"`
	Instance string `json:"instance,omitempty"`
	Version  string `json:"version,omitempty"`
}

// MQTTPublisher publishes reports with paho. The client reconnects on its own
// at a fixed interval; the link state follows its callbacks.
type MQTTPublisher struct {
	opts       MQTTOptions
	instanceID string
	client     mqtt.Client
	link       monitoring.Link
}

// NewMQTTPublisher builds the client. Nothing is dialled until Start.
func NewMQTTPublisher(opts MQTTOptions) *MQTTPublisher {
	return newMQTTPublisher(opts, mqtt.NewClient)
}

func newMQTTPublisher(opts MQTTOptions, newClient func(*mqtt.ClientOptions) mqtt.Client) *MQTTPublisher {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 2 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}
	p := &MQTTPublisher{opts: opts, instanceID: uuid.NewString()}
	p.client = newClient(p.clientOptions())
	return p
}

// StatusTopic carries the retained online/offline state of the bridge.
func (p *MQTTPublisher) StatusTopic() string { return p.opts.Topic + "/status" }

// Topic is where reports are published.
func (p *MQTTPublisher) Topic() string { return p.opts.Topic }

func (p *MQTTPublisher) statusPayload(status string) []byte {
	b, _ := json.Marshal(statusMessage{Status: status, Instance: p.instanceID, Version: version.Version})
	return b
}

func (p *MQTTPublisher) clientOptions() *mqtt.ClientOptions {
	clientID := p.opts.ClientID
	if clientID == "" {
		clientID = "underpass"
	}
	// a suffix keeps two bridges from kicking each other off the broker
	clientID += "-" + p.instanceID[:8]

	opts := mqtt.NewClientOptions().
		AddBroker(p.opts.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(p.opts.RetryInterval).
		SetMaxReconnectInterval(p.opts.RetryInterval).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetWriteTimeout(p.opts.PublishTimeout).
		SetCleanSession(true)

	opts.SetWill(p.StatusTopic(), string(p.statusPayload("offline")), 0, true)

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.link.Store(monitoring.Disconnected)
		monitoring.L().Warn().Err(err).Str("broker", p.opts.Broker).Msg("mqtt connection lost")
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		p.link.Store(monitoring.Connecting)
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		p.link.Store(monitoring.Streaming)
		monitoring.L().Info().Str("broker", p.opts.Broker).Msg("mqtt connected")
		// fire and forget; the callback must not block the client
		c.Publish(p.StatusTopic(), 0, true, p.statusPayload("online"))
	})
	return opts
}

// Start begins connecting in the background. paho keeps retrying until the
// first connection succeeds or Close is called.
func (p *MQTTPublisher) Start() {
	p.link.Store(monitoring.Connecting)
	tok := p.client.Connect()
	go func() {
		<-tok.Done()
		if err := tok.Error(); err != nil {
			p.link.Store(monitoring.Disconnected)
			monitoring.L().Warn().Err(err).Str("broker", p.opts.Broker).Msg("mqtt connect failed")
		}
	}()
}

func (p *MQTTPublisher) State() monitoring.LinkState { return p.link.Load() }

// Publish sends payload and waits for the client to hand it off, the
// publish timeout, or ctx, whichever comes first.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	tok := p.client.Publish(topic, p.opts.QoS, p.opts.Retained, payload)

	timer := time.NewTimer(p.opts.PublishTimeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("publish %s: timed out after %s", topic, p.opts.PublishTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close announces offline and disconnects.
func (p *MQTTPublisher) Close() {
	if p.client.IsConnectionOpen() {
		tok := p.client.Publish(p.StatusTopic(), 0, true, p.statusPayload("offline"))
		tok.WaitTimeout(p.opts.PublishTimeout)
	}
	p.client.Disconnect(quiesceMillis)
	p.link.Store(monitoring.Disconnected)
}
