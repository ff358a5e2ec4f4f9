// Package ingest connects the MQTT broker to the rest of the service: a
// subscriber that maintains the broker session and a pipeline that turns raw
// payloads into enriched, persisted, broadcast vehicle state.
package ingest

import (
	"crypto/tls"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	subscribeQoS        = 0
	connectRetryEvery   = 5 * time.Second
	disconnectQuiesceMs = 250
)

// SubscriberOptions configures the broker session.
type SubscriberOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	// UseTLS selects an ssl:// broker URL.
	UseTLS bool
	// RejectUnauthorized, when false, skips TLS certificate verification.
	RejectUnauthorized bool
	// ClientID defaults to a fresh fleetd-prefixed id.
	ClientID string
	// Topic is the subscription filter, e.g. "fleet/+/telemetry".
	Topic string
}

// Subscriber owns the MQTT client. It subscribes on every (re)connect and
// reports readiness once the subscription is live.
type Subscriber struct {
	client mqtt.Client
	topic  string
	ready  atomic.Bool
}

// NewSubscriber builds the broker session. handler receives every message
// published to the subscription topic; paho dispatches messages in
// publication order, so handler invocations are serial.
func NewSubscriber(opts SubscriberOptions, handler func(topic string, payload []byte)) *Subscriber {
	scheme := "tcp"
	if opts.UseTLS {
		scheme = "ssl"
	}
	broker := fmt.Sprintf("%s://%s:%d", scheme, opts.Host, opts.Port)

	clientID := opts.ClientID
	if clientID == "" {
		clientID = "fleetd-" + uuid.NewString()[:8]
	}

	s := &Subscriber{topic: opts.Topic}

	co := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(connectRetryEvery)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		co.SetPassword(opts.Password)
	}
	if opts.UseTLS {
		co.SetTLSConfig(&tls.Config{InsecureSkipVerify: !opts.RejectUnauthorized})
	}

	co.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	co.SetOnConnectHandler(func(client mqtt.Client) {
		log.Printf("[mqtt] connected to %s as %s", broker, clientID)
		token := client.Subscribe(s.topic, subscribeQoS, func(_ mqtt.Client, msg mqtt.Message) {
			handler(msg.Topic(), msg.Payload())
		})
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("[mqtt] subscribe %s: %v", s.topic, err)
			return
		}
		log.Printf("[mqtt] subscribed to %s", s.topic)
		s.ready.Store(true)
	})
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.ready.Store(false)
		log.Printf("[mqtt] connection lost: %v", err)
	})

	s.client = mqtt.NewClient(co)
	return s
}

// Start initiates the broker connection. Connection failures are retried in
// the background; the service stays up (and not ready) until the broker is
// reachable.
func (s *Subscriber) Start() {
	token := s.client.Connect()
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("[mqtt] connect: %v", err)
		}
	}()
}

// Stop disconnects from the broker, allowing in-flight work to quiesce.
func (s *Subscriber) Stop() {
	s.ready.Store(false)
	if s.client.IsConnectionOpen() {
		s.client.Disconnect(disconnectQuiesceMs)
	}
}

// Ready reports whether the subscription is currently live.
func (s *Subscriber) Ready() bool {
	return s.ready.Load()
}
