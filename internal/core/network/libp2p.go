package network

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/pnet"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	ma "github.com/multiformats/go-multiaddr"
)

// Libp2pOptions configures the libp2p transport.
type Libp2pOptions struct {
	// ListenAddrs defaults to /ip4/0.0.0.0/tcp/0.
	ListenAddrs []string
	// Bootstrap peers are full multiaddrs ending in /p2p/<id>.
	Bootstrap []string
	// Rendezvous is the mDNS service tag, normally the device id.
	Rendezvous      string
	EnableMDNS      bool
	IdentityKeyFile string

	// PrivateNetwork restricts the swarm to peers holding the same device
	// secret. Private networks run over TCP only.
	PrivateNetwork bool

	psk pnet.PSK
}

// DialLibp2p returns a Dialer that starts a gossipsub host per connection.
// A broker credential that parses as a multiaddr is added to the bootstrap
// peers; the device id becomes the mDNS rendezvous when none is configured.
// The host outlives the dialing context and stops on Close.
func DialLibp2p(opts Libp2pOptions) Dialer {
	return func(ctx context.Context, creds Credentials) (PubSub, error) {
		o := opts
		o.Bootstrap = append([]string(nil), opts.Bootstrap...)
		if strings.HasPrefix(creds.Broker, "/") {
			o.Bootstrap = append(o.Bootstrap, creds.Broker)
		}
		if o.Rendezvous == "" {
			o.Rendezvous = creds.DeviceID
		}
		if o.PrivateNetwork {
			o.psk = devicePSK(creds)
		}
		return NewLibp2pPubSub(context.WithoutCancel(ctx), o)
	}
}

// devicePSK derives the private network key shared by every peer that holds
// the device credentials.
func devicePSK(creds Credentials) pnet.PSK {
	sum := sha256.Sum256([]byte(creds.DeviceID + "/" + creds.Secret))
	return pnet.PSK(sum[:])
}

// Libp2pPubSub carries device topics over gossipsub. Gossipsub topics are
// exact names, so wildcard filters are rejected. A host receives its own
// publications like any other subscriber.
type Libp2pPubSub struct {
	ctx    context.Context
	cancel context.CancelFunc

	host host.Host
	ps   *pubsub.PubSub

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	subs   map[int]func()
	nextID int
}

func NewLibp2pPubSub(parent context.Context, opts Libp2pOptions) (*Libp2pPubSub, error) {
	hostOpts, err := hostOptions(opts)
	if err != nil {
		return nil, err
	}
	h, err := libp2p.New(hostOpts...)
	if err != nil {
		return nil, fmt.Errorf("create host: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	p := &Libp2pPubSub{
		ctx:    ctx,
		cancel: cancel,
		host:   h,
		ps:     ps,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[int]func()),
	}

	if opts.EnableMDNS {
		service := mdns.NewMdnsService(h, opts.Rendezvous, &mdnsNotifee{host: h})
		if err := service.Start(); err != nil {
			slog.Warn("mdns start failed", "rendezvous", opts.Rendezvous, "err", err)
		}
	}
	p.bootstrap(opts.Bootstrap)

	slog.Info("libp2p host started", "peer", h.ID().String(), "addrs", p.ListenAddrs(), "private", len(opts.psk) > 0)
	return p, nil
}

func hostOptions(opts Libp2pOptions) ([]libp2p.Option, error) {
	addrs := make([]ma.Multiaddr, 0, len(opts.ListenAddrs))
	for _, s := range opts.ListenAddrs {
		if s == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid listen multiaddr %q: %w", s, err)
		}
		addrs = append(addrs, a)
	}
	if len(addrs) == 0 {
		a, _ := ma.NewMultiaddr("/ip4/0.0.0.0/tcp/0")
		addrs = append(addrs, a)
	}

	out := []libp2p.Option{libp2p.ListenAddrs(addrs...)}
	if opts.IdentityKeyFile != "" {
		key, err := loadOrCreateIdentityKey(opts.IdentityKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load identity key: %w", err)
		}
		out = append(out, libp2p.Identity(key))
	}
	if len(opts.psk) > 0 {
		out = append(out,
			libp2p.PrivateNetwork(opts.psk),
			libp2p.Transport(tcp.NewTCPTransport),
		)
	}
	return out, nil
}

// bootstrap dials each peer once. Failures are logged; gossip still works
// with whichever peers are reachable.
func (p *Libp2pPubSub) bootstrap(peers []string) {
	for _, raw := range peers {
		if raw == "" {
			continue
		}
		info, err := peer.AddrInfoFromString(raw)
		if err != nil {
			slog.Warn("skip bootstrap addr", "addr", raw, "err", err)
			continue
		}
		if err := p.host.Connect(p.ctx, *info); err != nil {
			slog.Warn("bootstrap connect failed", "peer", info.ID.String(), "err", err)
			continue
		}
		slog.Info("connected bootstrap peer", "peer", info.ID.String())
	}
}

func (p *Libp2pPubSub) Publish(topic string, payload []byte) error {
	if p.ctx.Err() != nil {
		return ErrClosed
	}
	t, err := p.join(topic)
	if err != nil {
		return err
	}
	if len(p.host.Network().Peers()) == 0 {
		slog.Debug("publishing with no connected peers", "topic", topic)
	}
	return t.Publish(p.ctx, payload)
}

func (p *Libp2pPubSub) Subscribe(topic string) (<-chan Message, func(), error) {
	if IsWildcard(topic) {
		return nil, nil, ErrWildcardUnsupported
	}
	if p.ctx.Err() != nil {
		return nil, nil, ErrClosed
	}
	t, err := p.join(topic)
	if err != nil {
		return nil, nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, nil, fmt.Errorf("gossip subscribe %s: %w", topic, err)
	}

	out := make(chan Message, 64)
	subCtx, subCancel := context.WithCancel(p.ctx)
	go func() {
		defer close(out)
		for {
			msg, err := sub.Next(subCtx)
			if err != nil {
				return
			}
			select {
			case out <- Message{Topic: topic, Payload: append([]byte(nil), msg.Data...)}:
			default:
				slog.Debug("drop gossip message, subscriber full", "topic", topic)
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			subCancel()
			sub.Cancel()
		})
	}
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = stop
	p.mu.Unlock()

	cancel := func() {
		stop()
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
	return out, cancel, nil
}

// Close cancels every subscription, leaves all topics and stops the host.
func (p *Libp2pPubSub) Close() error {
	p.cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, stop := range p.subs {
		stop()
		delete(p.subs, id)
	}
	for name, t := range p.topics {
		if err := t.Close(); err != nil {
			slog.Debug("leave topic", "topic", name, "err", err)
		}
		delete(p.topics, name)
	}
	return p.host.Close()
}

// ListenAddrs returns the host's dialable addresses including its peer id,
// in the form accepted as a broker credential by other peers.
func (p *Libp2pPubSub) ListenAddrs() []string {
	out := make([]string, 0, len(p.host.Addrs()))
	for _, addr := range p.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr.String(), p.host.ID().String()))
	}
	return out
}

func (p *Libp2pPubSub) ConnectedPeers() []string {
	peers := p.host.Network().Peers()
	out := make([]string, 0, len(peers))
	for _, pid := range peers {
		out = append(out, pid.String())
	}
	return out
}

func (p *Libp2pPubSub) join(name string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[name]; ok {
		return t, nil
	}
	t, err := p.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", name, err)
	}
	p.topics[name] = t
	return t, nil
}

type mdnsNotifee struct {
	host host.Host
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	if err := n.host.Connect(context.Background(), info); err != nil {
		slog.Debug("mdns connect failed", "peer", info.ID.String(), "err", err)
	}
}

// loadOrCreateIdentityKey keeps a peer id stable across restarts so other
// peers can list it as a bootstrap address.
func loadOrCreateIdentityKey(path string) (crypto.PrivKey, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		key, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("unmarshal private key: %w", err)
		}
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("mkdir key dir: %w", err)
	}
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return key, nil
}
