package chronochat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eljojo/chronochat/types"
)

var (
	ErrLeft         = errors.New("already left the chat")
	ErrEmptyMessage = errors.New("empty message")
	ErrStopped      = errors.New("coordinator stopped")
)

type coordinatorState int

const (
	stateJoining coordinatorState = iota
	stateActive
	stateLeft
)

func (s coordinatorState) String() string {
	switch s {
	case stateJoining:
		return "joining"
	case stateActive:
		return "active"
	case stateLeft:
		return "left"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Coordinator ties the group summary, fetching, liveness and history
// together for one chat session. All of its state is owned by the goroutine
// running Run; every other caller goes through the inbox.
type Coordinator struct {
	cfg       Config
	self      types.ParticipantID
	prefix    Name
	sync      GroupSync
	transport Transport

	clock    clockwork.Clock
	verifier Verifier
	keypair  *Keypair
	display  Display
	storage  Storage

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan func()
	done   chan struct{}

	state        coordinatorState
	joined       bool
	recovering   bool
	heartbeat    clockwork.Timer
	heartbeatGen uint64

	log      *MessageLog
	fetches  *FetchScheduler
	roster   *RosterTracker
	persist  *PersistentReconciler
	prefixes *lru.Cache[types.ParticipantID, Name]
}

// Opt configures optional collaborators of a Coordinator.
type Opt func(*Coordinator)

func WithClock(clock clockwork.Clock) Opt {
	return func(c *Coordinator) { c.clock = clock }
}

func WithVerifier(v Verifier) Opt {
	return func(c *Coordinator) { c.verifier = v }
}

// WithKeypair signs every piece of data this session serves.
func WithKeypair(kp Keypair) Opt {
	return func(c *Coordinator) { c.keypair = &kp }
}

func WithDisplay(d Display) Opt {
	return func(c *Coordinator) { c.display = d }
}

// WithStorage is required when Config.UsePersistentStorage is set.
func WithStorage(s Storage) Opt {
	return func(c *Coordinator) { c.storage = s }
}

func NewCoordinator(cfg Config, sync GroupSync, transport Transport, opts ...Opt) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		cfg:       cfg,
		self:      cfg.Self(),
		prefix:    cfg.ChatPrefix(),
		sync:      sync,
		transport: transport,
		clock:     clockwork.NewRealClock(),
		verifier:  acceptAll{},
		display:   NopDisplay{},
		inbox:     make(chan func(), 256),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	var err error
	c.log = NewMessageLog(c.self, cfg.ScreenName, cfg.MessageLogCapacity)
	if c.fetches, err = NewFetchScheduler(cfg.BackfillDepth, cfg.MaxFetchRetries, cfg.MaxTrackedParticipants, c.issueFetch); err != nil {
		return nil, err
	}
	if c.roster, err = NewRosterTracker(c.self, cfg.LivenessTimeout(), c.clock, c.schedule, c.display, cfg.MaxTrackedParticipants); err != nil {
		return nil, err
	}
	if c.prefixes, err = lru.New[types.ParticipantID, Name](cfg.MaxTrackedParticipants); err != nil {
		return nil, fmt.Errorf("participant prefixes: %w", err)
	}
	if cfg.UsePersistentStorage {
		if c.storage == nil {
			return nil, fmt.Errorf("%w: persistence enabled without storage", ErrInvalidConfig)
		}
		c.persist = NewPersistentReconciler(c.ctx, c.storage, c.enqueue)
	}
	return c, nil
}

// Run serves our prefix, starts the group sync and processes events until
// ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.transport.Serve(c.prefix, c.serve); err != nil {
		close(c.done)
		c.cancel()
		return fmt.Errorf("serve %s: %w", c.prefix, err)
	}
	logrus.Infof("💬 %s joining %s as %s", c.self, c.cfg.Chatroom, c.cfg.ScreenName)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.loop(ctx)
		return nil
	})
	g.Go(func() error {
		if err := c.sync.Start(ctx, c); err != nil {
			return fmt.Errorf("start sync: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func (c *Coordinator) loop(ctx context.Context) {
	defer func() {
		c.stopHeartbeat()
		c.roster.Stop()
		close(c.done)
		c.cancel()
		if c.persist != nil {
			c.persist.Wait()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-c.inbox:
			fn()
		}
	}
}

// enqueue hands fn to the loop without waiting. Dropped once the loop is gone.
func (c *Coordinator) enqueue(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.done:
	}
}

// do runs fn on the loop and waits for it. Reports false if the loop stopped first.
func (c *Coordinator) do(fn func()) bool {
	finished := make(chan struct{})
	select {
	case c.inbox <- func() { fn(); close(finished) }:
	case <-c.done:
		return false
	}
	select {
	case <-finished:
		return true
	case <-c.done:
		return false
	}
}

func (c *Coordinator) schedule(d time.Duration, fn func()) clockwork.Timer {
	return c.clock.AfterFunc(d, func() { c.enqueue(fn) })
}

// OnInitialized is called by the group sync once its first round completes.
func (c *Coordinator) OnInitialized() {
	c.do(c.onInitialized)
}

func (c *Coordinator) onInitialized() {
	if c.state != stateJoining {
		logrus.Debugf("sync initialized while %s, ignoring", c.state)
		return
	}
	c.state = stateActive
	c.scheduleHeartbeat()
	if c.persist == nil {
		c.ensureJoined()
		return
	}
	c.persist.LoadAndReplay(func(d Data) {
		c.onMessageReceived(d, true)
	}, c.ensureJoined)
}

// OnSummaryChanged is called by the group sync with participants' latest sequence numbers.
func (c *Coordinator) OnSummaryChanged(states []SyncState, isRecovery bool) {
	c.do(func() { c.onSummaryChanged(states, isRecovery) })
}

func (c *Coordinator) onSummaryChanged(states []SyncState, isRecovery bool) {
	if c.state == stateLeft {
		return
	}
	if isRecovery != c.recovering {
		c.recovering = isRecovery
		if isRecovery {
			logrus.Infof("🩹 sync is recovering, expect a burst of old messages")
		} else {
			logrus.Debugf("sync recovery finished")
		}
	}

	latest := make(map[Name]SyncState, len(states))
	order := make([]Name, 0, len(states))
	for _, st := range states {
		if _, seen := latest[st.Prefix]; !seen {
			order = append(order, st.Prefix)
		}
		latest[st.Prefix] = st
	}
	for _, prefix := range order {
		st := latest[prefix]
		if st.Participant == c.self || st.Seq == 0 {
			continue
		}
		c.prefixes.Add(st.Participant, st.Prefix)
		if n := c.fetches.Reconcile(st.Participant, st.Seq); n > 0 {
			logrus.Debugf("📥 %s is at #%d, fetching %d messages", st.Participant, st.Seq, n)
		}
	}
}

func (c *Coordinator) prefixFor(pid types.ParticipantID) Name {
	if prefix, ok := c.prefixes.Get(pid); ok {
		return prefix
	}
	return ChatPrefix(c.cfg.HubPrefix, pid.Username, c.cfg.Chatroom, pid.Session)
}

func (c *Coordinator) issueFetch(pid types.ParticipantID, seq uint64, attempt int) {
	name := c.prefixFor(pid).AppendSeq(seq)
	onData := func(d Data) {
		c.enqueue(func() { c.onMessageReceived(d, false) })
	}
	onTimeout := func(Name) {
		c.enqueue(func() {
			if c.state == stateLeft {
				return
			}
			c.fetches.OnTimeout(pid, seq)
		})
	}
	if err := c.transport.Fetch(name, c.cfg.FetchLifetime, onData, onTimeout); err != nil {
		logrus.Warnf("failed to fetch %s (attempt %d): %v", name, attempt+1, err)
		go onTimeout(name)
	}
}

func (c *Coordinator) onMessageReceived(d Data, isReplay bool) {
	msg, err := ParseMessage(d)
	if err != nil {
		logrus.Debugf("dropping undecodable %s: %v", d.Name, err)
		if cn, err := ParseChatName(d.Name); err == nil {
			c.fetches.OnDelivered(cn.Participant, cn.Seq)
		}
		return
	}
	verified := c.verifier.Verify(d)
	trusted := verified || !c.cfg.RequireVerification

	c.fetches.OnDelivered(msg.From, msg.SeqNo)
	if c.state == stateLeft || msg.From == c.self {
		return
	}
	if !trusted {
		logrus.Warnf("🚫 dropping unverified %s", d.Name)
		return
	}

	switch msg.Kind {
	case KindLeave:
		c.roster.MarkLeft(msg.From, msg.SeqNo)
	default:
		c.roster.RecordActivity(msg.From, msg.ScreenName, msg.SeqNo, isReplay)
	}
	// live joins and leaves reach the display through the roster; replayed
	// ones never touch it, so they're shown as history lines instead
	if msg.Kind == KindChat || (isReplay && msg.Kind != KindHello) {
		c.display.OnChatMessage(ChatEvent{
			From:       msg.From,
			ScreenName: msg.ScreenName,
			Kind:       msg.Kind,
			Text:       msg.Text,
			Timestamp:  msg.Timestamp,
			Replay:     isReplay,
			Verified:   verified,
		})
	}
	if !isReplay && c.persist != nil {
		c.persist.MaybeStore(d, msg)
	}
}

// Send publishes a chat message, joining first if needed.
func (c *Coordinator) Send(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	var err error
	if !c.do(func() { err = c.send(text) }) {
		return ErrStopped
	}
	return err
}

func (c *Coordinator) send(text string) error {
	if c.state == stateLeft {
		logrus.Warnf("not sending, %s already left", c.self)
		return ErrLeft
	}
	c.ensureJoined()
	msg, err := c.publish(KindChat, text)
	if err != nil {
		return err
	}
	c.display.OnChatMessage(ChatEvent{
		From:       c.self,
		ScreenName: msg.ScreenName,
		Kind:       KindChat,
		Text:       msg.Text,
		Timestamp:  msg.Timestamp,
		Verified:   true,
	})
	return nil
}

// Leave publishes LEAVE and stops all timers. Leaving twice returns ErrLeft.
func (c *Coordinator) Leave() error {
	var err error
	if !c.do(func() { err = c.leave() }) {
		return ErrStopped
	}
	return err
}

func (c *Coordinator) leave() error {
	if c.state == stateLeft {
		return ErrLeft
	}
	if c.joined {
		c.publish(KindLeave, "")
	}
	c.state = stateLeft
	c.roster.MarkLeft(c.self, c.log.LastSeq())
	c.stopHeartbeat()
	c.roster.Stop()
	logrus.Infof("🚪 %s left %s", c.self, c.cfg.Chatroom)
	return nil
}

// Members returns who is currently in the room.
func (c *Coordinator) Members() []RosterMember {
	var members []RosterMember
	c.do(func() { members = c.roster.Members() })
	return members
}

func (c *Coordinator) ensureJoined() {
	if c.joined || c.state == stateLeft {
		return
	}
	c.joined = true
	c.roster.Join(c.cfg.ScreenName)
	c.publish(KindJoin, "")
}

// publish announces the next sequence number and appends the message to the
// log under it, then stores it. The log only ever holds announced numbers, so
// a failed announcement leaves nothing behind. Every attempt postpones the
// next heartbeat.
func (c *Coordinator) publish(kind MessageKind, text string) (ChatMessage, error) {
	seq, err := c.sync.PublishNextSequenceNo()
	if err != nil {
		logrus.Warnf("failed to announce %s after #%d: %v", kind, c.log.LastSeq(), err)
		if c.state != stateLeft {
			c.scheduleHeartbeat()
		}
		return ChatMessage{}, fmt.Errorf("announce %s: %w", kind, err)
	}
	msg := c.log.Append(seq, kind, text, c.clock.Now())
	if kind != KindLeave {
		c.roster.RecordActivity(c.self, c.cfg.ScreenName, msg.SeqNo, false)
	}
	if kind != KindHello && c.persist != nil {
		c.persist.StoreLocal(c.dataFor(msg), msg)
	}
	if c.state != stateLeft {
		c.scheduleHeartbeat()
	}
	return msg, nil
}

func (c *Coordinator) dataFor(msg ChatMessage) Data {
	d := Data{
		Name:        c.prefix.AppendSeq(msg.SeqNo),
		Content:     msg.Encode(),
		FreshnessMs: c.cfg.DataFreshness.Milliseconds(),
	}
	if c.keypair != nil {
		c.keypair.Sign(&d)
	}
	return d
}

func (c *Coordinator) scheduleHeartbeat() {
	c.stopHeartbeat()
	gen := c.heartbeatGen
	c.heartbeat = c.schedule(c.cfg.HeartbeatInterval, func() { c.onHeartbeat(gen) })
}

func (c *Coordinator) stopHeartbeat() {
	c.heartbeatGen++
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
}

func (c *Coordinator) onHeartbeat(gen uint64) {
	if gen != c.heartbeatGen || c.state != stateActive {
		return
	}
	c.heartbeat = nil
	if !c.joined {
		// still replaying history
		c.scheduleHeartbeat()
		return
	}
	c.publish(KindHello, "")
}

// serve answers requests for our own messages; called from the transport.
func (c *Coordinator) serve(name Name, respond func(Data)) {
	c.enqueue(func() { c.onInterest(name, respond) })
}

func (c *Coordinator) onInterest(name Name, respond func(Data)) {
	cn, err := ParseChatName(name)
	if err != nil || cn.Participant != c.self {
		logrus.Debugf("not serving %s", name)
		return
	}
	if msg, ok := c.log.Lookup(cn.Seq); ok {
		respond(c.dataFor(msg))
		return
	}
	if c.persist == nil {
		logrus.Debugf("%s is no longer in the log", name)
		return
	}
	c.persist.Lookup(name, func(d Data, found bool) {
		if !found {
			logrus.Debugf("%s is not in storage either", name)
			return
		}
		respond(d)
	})
}
