// Package gossip disseminates envelopes to every peer over ZeroMQ PUB/SUB and
// tracks peer liveness through signed heartbeats.
//
// Every frame set published on the topic has the layout
//
//	[topic, kind, sender public key, message id, payload, signature]
//
// where the signature covers the first five frames. Frames with a bad
// signature are dropped before they reach the consensus loop.
package gossip

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/pbft/core/envelope"
	"github.com/vadiminshakov/pbft/core/role"
)

const (
	DefaultTopic     = "pbft-net"
	DefaultHeartbeat = 10 * time.Second
	DefaultPeerTTL   = 60 * time.Second

	kindMessage   = "msg"
	kindHeartbeat = "hb"

	frameCount = 6
)

var ErrNotRunning = errors.New("gossip is not running")

// Handler receives everything the network produces. *node.Node implements it.
type Handler interface {
	Deliver(raw []byte, origin role.PeerID)
	OnPeerJoined(id role.PeerID)
	OnPeerLeft(id role.PeerID)
}

type Config struct {
	// Listen is the PUB endpoint, e.g. tcp://127.0.0.1:5555.
	Listen string
	// Peers are the PUB endpoints of the other nodes.
	Peers     []string
	Topic     string
	Heartbeat time.Duration
	// PeerTTL is how long a silent peer is still counted as live.
	PeerTTL time.Duration
}

// Gossip is the dissemination and discovery collaborator of one node.
type Gossip struct {
	id  Identity
	cfg Config
	now func() time.Time

	handler Handler
	pub     zmq4.Socket
	sub     zmq4.Socket
	sendMu  sync.Mutex

	mu       sync.Mutex
	lastSeen map[role.PeerID]time.Time
	running  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a gossip endpoint. Nothing is opened until Start.
func New(id Identity, cfg Config) *Gossip {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.PeerTTL <= 0 {
		cfg.PeerTTL = DefaultPeerTTL
	}

	return &Gossip{
		id:       id,
		cfg:      cfg,
		now:      time.Now,
		lastSeen: make(map[role.PeerID]time.Time),
	}
}

func (g *Gossip) PeerID() role.PeerID {
	return g.id.PeerID()
}

// Start binds the PUB socket, dials every configured peer and begins
// heartbeating. Inbound traffic is handed to h.
func (g *Gossip) Start(ctx context.Context, h Handler) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return errors.New("gossip already running")
	}

	g.ctx, g.cancel = context.WithCancel(ctx)
	g.handler = h

	g.pub = zmq4.NewPub(g.ctx)
	if err := g.pub.Listen(g.cfg.Listen); err != nil {
		g.cancel()
		return errors.Wrapf(err, "failed to listen on %s", g.cfg.Listen)
	}

	g.sub = zmq4.NewSub(g.ctx, zmq4.WithDialerRetry(g.cfg.Heartbeat))
	if err := g.sub.SetOption(zmq4.OptionSubscribe, g.cfg.Topic); err != nil {
		g.cancel()
		_ = g.pub.Close()
		return errors.Wrap(err, "failed to subscribe")
	}

	g.running = true
	for _, addr := range g.cfg.Peers {
		g.connect(addr)
	}

	g.wg.Add(2)
	go g.receive()
	go g.heartbeat()

	log.WithFields(log.Fields{"peer_id": g.PeerID(), "listen": g.Addr(), "topic": g.cfg.Topic}).Info("gossip started")
	return nil
}

// Addr returns the bound PUB endpoint.
func (g *Gossip) Addr() string {
	if g.pub == nil || g.pub.Addr() == nil {
		return g.cfg.Listen
	}
	return "tcp://" + g.pub.Addr().String()
}

// Connect subscribes to another node's PUB endpoint, retrying until it is up.
func (g *Gossip) Connect(addr string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connect(addr)
}

func (g *Gossip) connect(addr string) {
	if !g.running {
		return
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for {
			err := g.sub.Dial(addr)
			if err == nil {
				log.Debugf("subscribed to %s", addr)
				return
			}
			log.Debugf("failed to dial %s: %v", addr, err)

			select {
			case <-g.ctx.Done():
				return
			case <-time.After(g.cfg.Heartbeat):
			}
		}
	}()
}

// Broadcast publishes env to the topic.
func (g *Gossip) Broadcast(_ context.Context, env envelope.Envelope) error {
	payload, err := envelope.Encode(env)
	if err != nil {
		return errors.Wrap(err, "failed to encode envelope")
	}
	return g.publish(kindMessage, payload)
}

// Stop closes both sockets and waits for the background goroutines.
func (g *Gossip) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	g.mu.Unlock()

	g.cancel()
	if err := g.sub.Close(); err != nil {
		log.Debugf("failed to close sub socket: %v", err)
	}
	if err := g.pub.Close(); err != nil {
		log.Debugf("failed to close pub socket: %v", err)
	}
	g.wg.Wait()
	log.Info("gossip stopped")
}

// Peers returns the peers heard from within the TTL.
func (g *Gossip) Peers() []role.PeerID {
	g.mu.Lock()
	defer g.mu.Unlock()

	peers := make([]role.PeerID, 0, len(g.lastSeen))
	for id := range g.lastSeen {
		peers = append(peers, id)
	}
	return peers
}

func (g *Gossip) publish(kind string, payload []byte) error {
	g.mu.Lock()
	running := g.running
	g.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	frames := g.frames(kind, uuid.NewString(), payload)

	g.sendMu.Lock()
	defer g.sendMu.Unlock()
	if err := g.pub.SendMulti(zmq4.NewMsgFrom(frames...)); err != nil {
		return errors.Wrapf(err, "failed to publish %s", kind)
	}
	return nil
}

func (g *Gossip) frames(kind, msgID string, payload []byte) [][]byte {
	frames := [][]byte{
		[]byte(g.cfg.Topic),
		[]byte(kind),
		[]byte(g.id.pub),
		[]byte(msgID),
		payload,
	}
	return append(frames, g.id.sign(signedBytes(frames)))
}

func (g *Gossip) receive() {
	defer g.wg.Done()

	for {
		msg, err := g.sub.Recv()
		if err != nil {
			select {
			case <-g.ctx.Done():
				return
			default:
				log.Debugf("gossip receive failed: %v", err)
				continue
			}
		}
		g.handleFrames(msg.Frames)
	}
}

// handleFrames authenticates one frame set and passes it on.
func (g *Gossip) handleFrames(frames [][]byte) {
	if len(frames) != frameCount {
		log.Debugf("dropping frame set with %d frames", len(frames))
		return
	}
	if string(frames[0]) != g.cfg.Topic {
		return
	}
	if !verify(frames[2], signedBytes(frames[:5]), frames[5]) {
		log.WithField("msg_id", string(frames[3])).Warn("dropping frame set with invalid signature")
		return
	}

	origin := role.PeerID(hex.EncodeToString(frames[2]))
	if origin == g.PeerID() {
		return
	}
	g.seen(origin)

	switch string(frames[1]) {
	case kindHeartbeat:
	case kindMessage:
		log.WithFields(log.Fields{"origin": origin, "msg_id": string(frames[3])}).Debug("gossip message received")
		g.handler.Deliver(frames[4], origin)
	default:
		log.Debugf("unknown frame kind %q from %s", frames[1], origin)
	}
}

func (g *Gossip) seen(id role.PeerID) {
	g.mu.Lock()
	_, known := g.lastSeen[id]
	g.lastSeen[id] = g.now()
	g.mu.Unlock()

	if !known {
		log.WithField("peer", id).Info("peer discovered")
		g.handler.OnPeerJoined(id)
	}
}

func (g *Gossip) heartbeat() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		if err := g.publish(kindHeartbeat, nil); err != nil && !errors.Is(err, ErrNotRunning) {
			log.Debugf("heartbeat failed: %v", err)
		}

		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			g.prune()
		}
	}
}

// prune forgets peers silent for longer than the TTL.
func (g *Gossip) prune() {
	cutoff := g.now().Add(-g.cfg.PeerTTL)

	var expired []role.PeerID
	g.mu.Lock()
	for id, at := range g.lastSeen {
		if at.Before(cutoff) {
			expired = append(expired, id)
			delete(g.lastSeen, id)
		}
	}
	g.mu.Unlock()

	for _, id := range expired {
		log.WithField("peer", id).Info("peer expired")
		g.handler.OnPeerLeft(id)
	}
}

// signedBytes length-prefixes each frame so that frame boundaries are signed.
func signedBytes(frames [][]byte) []byte {
	size := 0
	for _, f := range frames {
		size += 4 + len(f)
	}

	out := make([]byte, 0, size)
	var n [4]byte
	for _, f := range frames {
		binary.BigEndian.PutUint32(n[:], uint32(len(f)))
		out = append(out, n[:]...)
		out = append(out, f...)
	}
	return out
}
