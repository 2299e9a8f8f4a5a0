package network

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrClosed              = errors.New("transport closed")
	ErrWildcardUnsupported = errors.New("transport does not support wildcard topics")
)

// Wildcard tokens follow MQTT topic filter rules.
const (
	WildcardMulti  = "#"
	WildcardSingle = "+"
)

// Message is the transport envelope used by the runtime.
type Message struct {
	Topic   string
	Payload []byte
}

// PubSub is a minimal interface for broadcast-style communication.
//
// Subscribe returns a bounded channel fed by the transport's own delivery
// goroutine and a cancel func that unsubscribes and closes the channel.
// Close disconnects and releases every subscription.
type PubSub interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string) (<-chan Message, func(), error)
	Close() error
}

// Credentials identify the device and the broker a session connects to.
type Credentials struct {
	DeviceID string
	Broker   string
	Secret   string
}

// Valid reports whether every field needed to connect is present.
func (c Credentials) Valid() bool {
	return c.DeviceID != "" && c.Broker != "" && c.Secret != ""
}

// Dialer connects to a transport with the given credentials.
type Dialer func(ctx context.Context, creds Credentials) (PubSub, error)

// Topic builds "<namespace>/<device>/<channel>".
func Topic(namespace, deviceID, channel string) string {
	return namespace + "/" + deviceID + "/" + channel
}

// ChannelOf returns the last path segment of a topic.
func ChannelOf(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}

// IsWildcard reports whether a topic or channel name contains a wildcard token.
func IsWildcard(topic string) bool {
	for _, seg := range strings.Split(topic, "/") {
		if seg == WildcardMulti || seg == WildcardSingle {
			return true
		}
	}
	return false
}

// Match reports whether topic matches an MQTT-style filter.
func Match(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == WildcardMulti {
			return i == len(fs)-1
		}
		if i >= len(ts) {
			return false
		}
		if f != WildcardSingle && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}
