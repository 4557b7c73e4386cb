package chronochat

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/weaveworks/mesh"

	"github.com/eljojo/chronochat/types"
)

// MeshConfig says where the gossip router listens and whom it dials.
type MeshConfig struct {
	Host     string
	Port     int
	Peers    []string // host:port
	Password string
	// InitialWait bounds how long Start waits for a first full state
	// before reporting the sync as initialized.
	InitialWait time.Duration
}

// seqVector maps every chat prefix to the highest sequence number seen for it.
// It's the state gossiped over the mesh; merging keeps the maximum.
type seqVector struct {
	mu  sync.Mutex
	set map[Name]uint64
}

func newSeqVector() *seqVector {
	return &seqVector{set: make(map[Name]uint64)}
}

func (v *seqVector) copy() *seqVector {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := newSeqVector()
	for k, seq := range v.set {
		out.set[k] = seq
	}
	return out
}

func (v *seqVector) Encode() [][]byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	bytes, err := json.Marshal(v.set)
	if err != nil {
		logrus.Warnf("failed to encode sync state: %v", err)
		return nil
	}
	return [][]byte{bytes}
}

// Merge folds other into v and returns v.
func (v *seqVector) Merge(other mesh.GossipData) mesh.GossipData {
	v.mergeDelta(other.(*seqVector).copy().set)
	return v
}

// mergeDelta keeps the maximum per prefix and returns only the entries that
// moved forward, or nil when nothing did.
func (v *seqVector) mergeDelta(set map[Name]uint64) *seqVector {
	v.mu.Lock()
	defer v.mu.Unlock()
	delta := make(map[Name]uint64)
	for prefix, seq := range set {
		if seq > v.set[prefix] {
			v.set[prefix] = seq
			delta[prefix] = seq
		}
	}
	if len(delta) == 0 {
		return nil
	}
	return &seqVector{set: delta}
}

func (v *seqVector) get(prefix Name) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.set[prefix]
}

// states lists the entries as sync states, skipping prefixes that aren't chat names.
func (v *seqVector) states() []SyncState {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]SyncState, 0, len(v.set))
	for prefix, seq := range v.set {
		cn, err := ParseChatPrefix(prefix)
		if err != nil {
			logrus.Debugf("ignoring gossip for %s: %v", prefix, err)
			continue
		}
		out = append(out, SyncState{Prefix: prefix, Participant: cn.Participant, Seq: seq})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
	return out
}

func decodeSeqVector(buf []byte) (map[Name]uint64, error) {
	var set map[Name]uint64
	if err := json.Unmarshal(buf, &set); err != nil {
		return nil, fmt.Errorf("decode sync state: %w", err)
	}
	return set, nil
}

// meshLogger sends the router's chatter to debug logs
type meshLogger struct{}

func (meshLogger) Printf(format string, args ...interface{}) {
	logrus.Debugf("[mesh] "+format, args...)
}

// MeshSync is a GroupSync that gossips the sequence vector over a
// weaveworks mesh. Broadcasts carry single updates; the periodic full-state
// exchange repairs anything missed and is reported as a recovery round.
type MeshSync struct {
	cfg    MeshConfig
	self   types.ParticipantID
	prefix Name
	clock  clockwork.Clock

	state *seqVector

	mu          sync.Mutex
	seq         uint64
	handler     SyncHandler
	router      *mesh.Router
	gossip      mesh.Gossip
	firstGossip chan struct{}
	gotGossip   bool
}

func NewMeshSync(cfg MeshConfig, self types.ParticipantID, prefix Name, clock clockwork.Clock) *MeshSync {
	if cfg.InitialWait <= 0 {
		cfg.InitialWait = 2 * time.Second
	}
	return &MeshSync{
		cfg:         cfg,
		self:        self,
		prefix:      prefix,
		clock:       clock,
		state:       newSeqVector(),
		firstGossip: make(chan struct{}),
	}
}

// peerName derives a stable mesh peer name from our participant id.
func peerName(self types.ParticipantID) mesh.PeerName {
	h := sha256.Sum256([]byte(self.String()))
	return mesh.PeerNameFromBin(h[:6])
}

func (s *MeshSync) Start(ctx context.Context, handler SyncHandler) error {
	router, err := mesh.NewRouter(mesh.Config{
		Host:           s.cfg.Host,
		Port:           s.cfg.Port,
		Password:       []byte(s.cfg.Password),
		ConnLimit:      64,
		PeerDiscovery:  true,
		TrustedSubnets: []*net.IPNet{},
	}, peerName(s.self), s.self.String(), mesh.NullOverlay{}, meshLogger{})
	if err != nil {
		return fmt.Errorf("create mesh router: %w", err)
	}
	gossip, err := router.NewGossip("chronochat", s)
	if err != nil {
		return fmt.Errorf("create gossip: %w", err)
	}

	s.mu.Lock()
	s.handler = handler
	s.router = router
	s.gossip = gossip
	s.mu.Unlock()

	router.Start()
	for _, err := range router.ConnectionMaker.InitiateConnections(s.cfg.Peers, false) {
		logrus.Warnf("mesh peer: %v", err)
	}
	logrus.Infof("🕸️  gossiping on %s as %s", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)), peerName(s.self))

	go func() {
		select {
		case <-s.firstGossip:
		case <-s.clock.After(s.cfg.InitialWait):
			logrus.Debugf("no gossip yet, starting anyway")
		case <-ctx.Done():
			return
		}
		handler.OnInitialized()
	}()
	return nil
}

func (s *MeshSync) Stop() error {
	s.mu.Lock()
	router := s.router
	s.router = nil
	s.mu.Unlock()
	if router == nil {
		return nil
	}
	return router.Stop()
}

// PublishNextSequenceNo bumps our own sequence number and broadcasts it.
func (s *MeshSync) PublishNextSequenceNo() (uint64, error) {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	gossip := s.gossip
	s.mu.Unlock()

	delta := s.state.mergeDelta(map[Name]uint64{s.prefix: seq})
	if gossip != nil && delta != nil {
		gossip.GossipBroadcast(delta)
	}
	return seq, nil
}

func (s *MeshSync) SequenceNo() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *MeshSync) notify(delta *seqVector, isRecovery bool) {
	s.mu.Lock()
	handler := s.handler
	first := !s.gotGossip
	s.gotGossip = true
	s.mu.Unlock()
	if first {
		close(s.firstGossip)
	}
	if delta == nil || handler == nil {
		return
	}
	handler.OnSummaryChanged(delta.states(), isRecovery)
}

// Gossip returns the complete state; called periodically by the router.
func (s *MeshSync) Gossip() mesh.GossipData {
	return s.state.copy()
}

// OnGossip merges a neighbour's complete state.
func (s *MeshSync) OnGossip(buf []byte) (mesh.GossipData, error) {
	set, err := decodeSeqVector(buf)
	if err != nil {
		return nil, err
	}
	delta := s.state.mergeDelta(set)
	s.notify(delta, true)
	if delta == nil {
		return nil, nil
	}
	return delta, nil
}

// OnGossipBroadcast merges a single update and passes on what was new.
func (s *MeshSync) OnGossipBroadcast(_ mesh.PeerName, buf []byte) (mesh.GossipData, error) {
	set, err := decodeSeqVector(buf)
	if err != nil {
		return nil, err
	}
	delta := s.state.mergeDelta(set)
	s.notify(delta, false)
	if delta == nil {
		return nil, nil
	}
	return delta, nil
}

// OnGossipUnicast is unused; everything travels as broadcast or full state.
func (s *MeshSync) OnGossipUnicast(src mesh.PeerName, _ []byte) error {
	logrus.Debugf("unexpected unicast from %s", src)
	return nil
}
