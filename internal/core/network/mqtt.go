package network

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTOptions configures the MQTT transport.
type MQTTOptions struct {
	// ClientID defaults to "devlink-<device>-<unix nanos>".
	ClientID       string
	QoS            byte
	ConnectTimeout time.Duration
	// KeepAlive defaults to 30s.
	KeepAlive time.Duration
}

// DialMQTT returns a Dialer that connects to the broker named by the
// credentials. The device id is the MQTT username and the secret its
// password. A broker without a scheme is dialed as tcp://<broker>:1883.
func DialMQTT(opts MQTTOptions) Dialer {
	return func(ctx context.Context, creds Credentials) (PubSub, error) {
		return NewMQTTPubSub(ctx, creds, opts)
	}
}

// MQTTPubSub adapts a paho client. Delivery callbacks run in order on paho's
// router goroutine and are forwarded into bounded per-subscription channels
// without blocking it.
type MQTTPubSub struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration

	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan Message
}

func NewMQTTPubSub(ctx context.Context, creds Credentials, opts MQTTOptions) (*MQTTPubSub, error) {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	keepAlive := opts.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("devlink-%s-%d", creds.DeviceID, time.Now().UnixNano())
	}

	co := mqtt.NewClientOptions().
		AddBroker(brokerURL(creds.Broker)).
		SetClientID(clientID).
		SetUsername(creds.DeviceID).
		SetPassword(creds.Secret).
		SetKeepAlive(keepAlive).
		SetConnectTimeout(timeout).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			slog.Warn("mqtt connection lost", "broker", creds.Broker, "err", err)
		})

	client := mqtt.NewClient(co)
	tok := client.Connect()
	if err := waitToken(ctx, tok, timeout); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", creds.Broker, err)
	}
	slog.Info("mqtt connected", "broker", creds.Broker, "client_id", clientID)

	return &MQTTPubSub{
		client:  client,
		qos:     opts.QoS,
		timeout: timeout,
		subs:    make(map[string]map[int]chan Message),
	}, nil
}

func (p *MQTTPubSub) Publish(topic string, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		return ErrClosed
	}
	tok := p.client.Publish(topic, p.qos, false, payload)
	return waitToken(context.Background(), tok, p.timeout)
}

// Subscribe registers the broker subscription on first use of a filter and
// fans messages out to every local subscriber of that filter.
func (p *MQTTPubSub) Subscribe(topic string) (<-chan Message, func(), error) {
	ch := make(chan Message, 64)

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	_, exists := p.subs[topic]
	if !exists {
		p.subs[topic] = make(map[int]chan Message)
	}
	p.subs[topic][id] = ch
	p.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			byID, ok := p.subs[topic]
			if !ok {
				p.mu.Unlock()
				return
			}
			if sub, found := byID[id]; found {
				delete(byID, id)
				close(sub)
			}
			last := len(byID) == 0
			if last {
				delete(p.subs, topic)
			}
			p.mu.Unlock()
			if last && p.client.IsConnectionOpen() {
				p.client.Unsubscribe(topic).WaitTimeout(p.timeout)
			}
		})
	}

	if !exists {
		tok := p.client.Subscribe(topic, p.qos, p.handler(topic))
		if err := waitToken(context.Background(), tok, p.timeout); err != nil {
			cancel()
			return nil, nil, fmt.Errorf("mqtt subscribe %s: %w", topic, err)
		}
	}
	return ch, cancel, nil
}

func (p *MQTTPubSub) handler(filter string) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		msg := Message{Topic: m.Topic(), Payload: append([]byte(nil), m.Payload()...)}
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, ch := range p.subs[filter] {
			select {
			case ch <- msg:
			default:
				slog.Debug("drop mqtt message, subscriber full", "topic", msg.Topic)
			}
		}
	}
}

func (p *MQTTPubSub) Close() error {
	p.mu.Lock()
	topics := make([]string, 0, len(p.subs))
	for topic, byID := range p.subs {
		topics = append(topics, topic)
		for id, ch := range byID {
			delete(byID, id)
			close(ch)
		}
		delete(p.subs, topic)
	}
	p.mu.Unlock()

	if len(topics) > 0 && p.client.IsConnectionOpen() {
		p.client.Unsubscribe(topics...).WaitTimeout(p.timeout)
	}
	p.client.Disconnect(250)
	return nil
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	if strings.Contains(broker, ":") {
		return "tcp://" + broker
	}
	return "tcp://" + broker + ":1883"
}

func waitToken(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
