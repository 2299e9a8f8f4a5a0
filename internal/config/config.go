package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"

	"Assembler-Devlink/internal/core/network"
	"Assembler-Devlink/internal/link"
)

const (
	TransportMemory = "memory"
	TransportMQTT   = "mqtt"
	TransportRedis  = "redis"
	TransportLibp2p = "libp2p"
)

type Config struct {
	Device    DeviceConfig    `json:"device" yaml:"device"`
	Transport TransportConfig `json:"transport" yaml:"transport"`
	Link      LinkConfig      `json:"link" yaml:"link"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Log       LogConfig       `json:"log" yaml:"log"`
}

type DeviceConfig struct {
	ID     string `json:"id" yaml:"id"`
	Broker string `json:"broker" yaml:"broker"`
	Secret string `json:"secret" yaml:"secret"`
}

type TransportConfig struct {
	Kind      string       `json:"kind" yaml:"kind"`
	Namespace string       `json:"namespace" yaml:"namespace"`
	MQTT      MQTTConfig   `json:"mqtt" yaml:"mqtt"`
	Redis     RedisConfig  `json:"redis" yaml:"redis"`
	Libp2p    Libp2pConfig `json:"libp2p" yaml:"libp2p"`
}

type MQTTConfig struct {
	ClientID string `json:"client_id" yaml:"client_id"`
	QoS      int    `json:"qos" yaml:"qos"`
}

type RedisConfig struct {
	DB int `json:"db" yaml:"db"`
}

type Libp2pConfig struct {
	ListenAddrs     []string `json:"listen_addrs" yaml:"listen_addrs"`
	Bootstrap       []string `json:"bootstrap" yaml:"bootstrap"`
	Rendezvous      string   `json:"rendezvous" yaml:"rendezvous"`
	EnableMDNS      bool     `json:"enable_mdns" yaml:"enable_mdns"`
	IdentityKeyFile string   `json:"identity_key_file" yaml:"identity_key_file"`
	PrivateNetwork  bool     `json:"private_network" yaml:"private_network"`
}

type LinkConfig struct {
	Channels        link.Channels `json:"channels" yaml:"channels"`
	TimeoutMS       int           `json:"timeout_ms" yaml:"timeout_ms"`
	SettleDelayMS   int           `json:"settle_delay_ms" yaml:"settle_delay_ms"`
	Deterministic   bool          `json:"deterministic" yaml:"deterministic"`
	SendingDisabled bool          `json:"sending_disabled" yaml:"sending_disabled"`
}

type ServerConfig struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

func Default() Config {
	cfg := Config{
		Transport: TransportConfig{
			Kind:      TransportMQTT,
			Namespace: link.DefaultNamespace,
			Libp2p: Libp2pConfig{
				ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"},
				EnableMDNS:  true,
			},
		},
		Link: LinkConfig{
			Channels:      link.DefaultChannels(),
			TimeoutMS:     int(link.DefaultTimeout / time.Millisecond),
			SettleDelayMS: int(link.DefaultSettleDelay / time.Millisecond),
		},
		Server: ServerConfig{ListenAddr: ":8090"},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
	applyEnv(&cfg)
	return cfg
}

// Load reads a YAML (.yaml, .yml) or HuJSON file over the defaults.
// Environment variables override both.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config failed: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		content, err = hujson.Standardize(content)
		if err == nil {
			err = json.Unmarshal(content, &cfg)
		}
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse config failed: %w", err)
	}

	applyEnv(&cfg)
	cfg.normalize()
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DEVLINK_DEVICE_ID"); v != "" {
		cfg.Device.ID = v
	}
	if v := os.Getenv("DEVLINK_BROKER"); v != "" {
		cfg.Device.Broker = v
	}
	if v := os.Getenv("DEVLINK_SECRET"); v != "" {
		cfg.Device.Secret = v
	}
	if v := os.Getenv("DEVLINK_TRANSPORT"); v != "" {
		cfg.Transport.Kind = v
	}
	if v := os.Getenv("DEVLINK_NAMESPACE"); v != "" {
		cfg.Transport.Namespace = v
	}
}

func (c *Config) normalize() {
	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	if c.Transport.Kind == "" {
		c.Transport.Kind = TransportMQTT
	}
	if c.Transport.Namespace == "" {
		c.Transport.Namespace = link.DefaultNamespace
	}
	if c.Link.TimeoutMS <= 0 {
		c.Link.TimeoutMS = int(link.DefaultTimeout / time.Millisecond)
	}
	if c.Link.SettleDelayMS < 0 {
		c.Link.SettleDelayMS = 0
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8090"
	}
}

func (c Config) Credentials() network.Credentials {
	return network.Credentials{DeviceID: c.Device.ID, Broker: c.Device.Broker, Secret: c.Device.Secret}
}

// Dialer picks the transport adapter named by Transport.Kind.
func (c Config) Dialer() (network.Dialer, error) {
	switch c.Transport.Kind {
	case TransportMemory:
		return network.NewMemoryPubSub().Dialer(), nil
	case TransportMQTT, "":
		return network.DialMQTT(network.MQTTOptions{
			ClientID: c.Transport.MQTT.ClientID,
			QoS:      byte(c.Transport.MQTT.QoS),
		}), nil
	case TransportRedis:
		return network.DialRedis(network.RedisOptions{DB: c.Transport.Redis.DB}), nil
	case TransportLibp2p:
		p := c.Transport.Libp2p
		return network.DialLibp2p(network.Libp2pOptions{
			ListenAddrs:     p.ListenAddrs,
			Bootstrap:       p.Bootstrap,
			Rendezvous:      p.Rendezvous,
			EnableMDNS:      p.EnableMDNS,
			IdentityKeyFile: p.IdentityKeyFile,
			PrivateNetwork:  p.PrivateNetwork,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", c.Transport.Kind)
	}
}

// SessionOptions translates the link section into session options.
func (c Config) SessionOptions(logger *slog.Logger) []link.Option {
	return []link.Option{
		link.WithLogger(logger),
		link.WithNamespace(c.Transport.Namespace),
		link.WithChannels(c.Link.Channels),
		link.WithDefaultTimeout(time.Duration(c.Link.TimeoutMS) * time.Millisecond),
		link.WithSettleDelay(time.Duration(c.Link.SettleDelayMS) * time.Millisecond),
		link.WithDeterministic(c.Link.Deterministic),
		link.WithSendingDisabled(c.Link.SendingDisabled),
	}
}

// NewSession builds a session from the config.
func (c Config) NewSession(logger *slog.Logger) (*link.Session, error) {
	dial, err := c.Dialer()
	if err != nil {
		return nil, err
	}
	return link.NewSession(dial, c.Credentials(), c.SessionOptions(logger)...), nil
}

// NewLogger builds the process logger described by the log section.
func (c Config) NewLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
