package chronochat

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

const (
	interestTopicRoot = "chronochat/interest"
	replyTopicRoot    = "chronochat/reply"
)

var ErrTransportClosed = errors.New("transport closed")

// MQTTConfig says how to reach the broker.
type MQTTConfig struct {
	Broker   string // e.g. tcp://127.0.0.1:1883
	ClientID string
	Username string
	Password string
}

// interest is a request for one name; the answer goes to ReplyTo
type interest struct {
	Name    Name   `json:"name"`
	ReplyTo string `json:"reply_to"`
}

type outstandingRequest struct {
	id        uint64
	onData    func(Data)
	onTimeout func(Name)
	timer     clockwork.Timer
}

// MQTTTransport carries named requests over an MQTT broker. Requests are
// published under the requested name; every transport listens for answers
// on its own reply topic and matches them by name.
type MQTTTransport struct {
	client     mqtt.Client
	clock      clockwork.Clock
	replyTopic string

	mu      sync.Mutex
	nextID  uint64
	pending map[Name][]*outstandingRequest
	serving map[Name]ServeHandler
	closed  bool
}

func NewMQTTTransport(cfg MQTTConfig, clock clockwork.Clock) (*MQTTTransport, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "chronochat-" + RandomString(8)
	}
	t := &MQTTTransport{
		clock:      clock,
		replyTopic: replyTopicRoot + "/" + topicSafe(cfg.ClientID),
		pending:    make(map[Name][]*outstandingRequest),
		serving:    make(map[Name]ServeHandler),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(false)
	opts.OnConnect = t.onConnect
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		logrus.Warnf("MQTT connection lost: %v", err)
	}
	t.client = mqtt.NewClient(opts)

	if token := t.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, token.Error())
	}
	return t, nil
}

// onConnect (re)subscribes the reply topic and every served prefix.
func (t *MQTTTransport) onConnect(client mqtt.Client) {
	logrus.Infof("📡 connected to MQTT, answers on %s", t.replyTopic)
	if token := client.Subscribe(t.replyTopic, 0, t.replyHandler); token.Wait() && token.Error() != nil {
		logrus.Warnf("failed to subscribe to %s: %v", t.replyTopic, token.Error())
	}
	t.mu.Lock()
	prefixes := make([]Name, 0, len(t.serving))
	for prefix := range t.serving {
		prefixes = append(prefixes, prefix)
	}
	t.mu.Unlock()
	for _, prefix := range prefixes {
		if err := t.subscribeInterests(prefix); err != nil {
			logrus.Warnf("%v", err)
		}
	}
}

// topicSafe keeps a name component from being read as an MQTT wildcard.
func topicSafe(s string) string {
	return strings.NewReplacer("+", "%2B", "#", "%23").Replace(s)
}

func interestTopic(name Name) string {
	return interestTopicRoot + topicSafe(strings.TrimRight(name.String(), "/"))
}

// Fetch publishes an interest for name. onTimeout runs if nothing arrives
// within lifetime.
func (t *MQTTTransport) Fetch(name Name, lifetime time.Duration, onData func(Data), onTimeout func(Name)) error {
	payload, err := json.Marshal(interest{Name: name, ReplyTo: t.replyTopic})
	if err != nil {
		return fmt.Errorf("encode interest: %w", err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.nextID++
	req := &outstandingRequest{id: t.nextID, onData: onData, onTimeout: onTimeout}
	t.pending[name] = append(t.pending[name], req)
	req.timer = t.clock.AfterFunc(lifetime, func() {
		if t.take(name, req.id) {
			logrus.Debugf("⌛ %s timed out", name)
			onTimeout(name)
		}
	})
	t.mu.Unlock()

	token := t.client.Publish(interestTopic(name), 0, false, payload)
	if token.Wait() && token.Error() != nil {
		if t.take(name, req.id) {
			req.timer.Stop()
		}
		return fmt.Errorf("publish interest %s: %w", name, token.Error())
	}
	return nil
}

// take removes one outstanding request. Reports false if it was already answered.
func (t *MQTTTransport) take(name Name, id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	reqs := t.pending[name]
	for i, req := range reqs {
		if req.id == id {
			reqs = append(reqs[:i], reqs[i+1:]...)
			if len(reqs) == 0 {
				delete(t.pending, name)
			} else {
				t.pending[name] = reqs
			}
			return true
		}
	}
	return false
}

func (t *MQTTTransport) replyHandler(_ mqtt.Client, msg mqtt.Message) {
	d, err := UnmarshalData(msg.Payload())
	if err != nil {
		logrus.Debugf("ignoring bad reply on %s: %v", msg.Topic(), err)
		return
	}
	t.mu.Lock()
	reqs := t.pending[d.Name]
	delete(t.pending, d.Name)
	t.mu.Unlock()

	if len(reqs) == 0 {
		logrus.Debugf("late or unsolicited reply for %s", d.Name)
		return
	}
	for _, req := range reqs {
		req.timer.Stop()
		req.onData(d)
	}
}

// Serve answers interests under prefix with handler.
func (t *MQTTTransport) Serve(prefix Name, handler ServeHandler) error {
	t.mu.Lock()
	t.serving[prefix] = handler
	t.mu.Unlock()
	if !t.client.IsConnected() {
		// onConnect subscribes once the connection is up
		return nil
	}
	return t.subscribeInterests(prefix)
}

func (t *MQTTTransport) subscribeInterests(prefix Name) error {
	topic := interestTopic(prefix) + "/#"
	if token := t.client.Subscribe(topic, 0, t.interestHandler); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, token.Error())
	}
	logrus.Debugf("serving %s", prefix)
	return nil
}

// handlerFor finds the longest served prefix of name
func (t *MQTTTransport) handlerFor(name Name) ServeHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	prefixes := make([]Name, 0, len(t.serving))
	for prefix := range t.serving {
		if name.HasPrefix(prefix) {
			prefixes = append(prefixes, prefix)
		}
	}
	if len(prefixes) == 0 {
		return nil
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	return t.serving[prefixes[0]]
}

func (t *MQTTTransport) interestHandler(client mqtt.Client, msg mqtt.Message) {
	var in interest
	if err := json.Unmarshal(msg.Payload(), &in); err != nil || in.Name == "" || in.ReplyTo == "" {
		logrus.Debugf("ignoring bad interest on %s", msg.Topic())
		return
	}
	handler := t.handlerFor(in.Name)
	if handler == nil {
		return
	}
	var once sync.Once
	handler(in.Name, func(d Data) {
		once.Do(func() {
			payload, err := d.Marshal()
			if err != nil {
				logrus.Warnf("failed to encode %s: %v", d.Name, err)
				return
			}
			if token := client.Publish(in.ReplyTo, 0, false, payload); token.Wait() && token.Error() != nil {
				logrus.Warnf("failed to answer %s: %v", in.Name, token.Error())
			}
		})
	})
}

// Close drops outstanding requests without calling their callbacks and disconnects.
func (t *MQTTTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, reqs := range t.pending {
		for _, req := range reqs {
			req.timer.Stop()
		}
	}
	t.pending = make(map[Name][]*outstandingRequest)
	t.mu.Unlock()

	t.client.Disconnect(250)
	return nil
}
