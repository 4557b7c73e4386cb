package chronochat

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/eljojo/chronochat/types"
)

// Config controls one chat session.
type Config struct {
	HubPrefix  string
	Chatroom   string
	Username   types.Username
	ScreenName string
	Session    types.Session

	// Liveness: a participant silent for HeartbeatInterval*LivenessMultiplier is gone.
	HeartbeatInterval  time.Duration
	LivenessMultiplier float64

	// Fetching
	FetchLifetime          time.Duration
	MaxFetchRetries        int
	BackfillDepth          uint64
	MaxTrackedParticipants int

	MessageLogCapacity int
	DataFreshness      time.Duration

	UsePersistentStorage bool
	StoragePath          string

	// RequireVerification drops data that fails signature verification
	// before it can affect the roster, the display or storage.
	RequireVerification bool
}

// DefaultConfig returns a config with every tunable set. Username and
// ScreenName are random, like a guest joining without a name.
func DefaultConfig() Config {
	return Config{
		HubPrefix:              "/ndn/chronochat",
		Chatroom:               "lobby",
		Username:               types.Username(RandomString(10)),
		ScreenName:             RandomString(3),
		Session:                types.Session(time.Now().Unix()),
		HeartbeatInterval:      6 * time.Second,
		LivenessMultiplier:     2,
		FetchLifetime:          3 * time.Second,
		MaxFetchRetries:        2,
		BackfillDepth:          100,
		MaxTrackedParticipants: 256,
		MessageLogCapacity:     100,
		DataFreshness:          10 * time.Second,
		StoragePath:            "chronochat.db",
	}
}

var ErrInvalidConfig = errors.New("invalid config")

// Validate checks the config is usable.
func (c Config) Validate() error {
	switch {
	case c.Username == "":
		return fmt.Errorf("%w: username is required", ErrInvalidConfig)
	case c.ScreenName == "":
		return fmt.Errorf("%w: screen name is required", ErrInvalidConfig)
	case c.Chatroom == "":
		return fmt.Errorf("%w: chatroom is required", ErrInvalidConfig)
	case c.HeartbeatInterval <= 0:
		return fmt.Errorf("%w: heartbeat interval must be positive", ErrInvalidConfig)
	case c.LivenessMultiplier <= 1:
		// otherwise a regular heartbeat arrives after the liveness check
		return fmt.Errorf("%w: liveness multiplier must be greater than 1, got %v", ErrInvalidConfig, c.LivenessMultiplier)
	case c.FetchLifetime <= 0:
		return fmt.Errorf("%w: fetch lifetime must be positive", ErrInvalidConfig)
	case c.MaxFetchRetries < 0:
		return fmt.Errorf("%w: max fetch retries cannot be negative", ErrInvalidConfig)
	case c.BackfillDepth == 0:
		return fmt.Errorf("%w: backfill depth must be at least 1", ErrInvalidConfig)
	case c.MessageLogCapacity <= 0:
		return fmt.Errorf("%w: message log capacity must be at least 1", ErrInvalidConfig)
	case c.MaxTrackedParticipants <= 0:
		return fmt.Errorf("%w: max tracked participants must be at least 1", ErrInvalidConfig)
	case c.UsePersistentStorage && c.StoragePath == "":
		return fmt.Errorf("%w: storage path is required when persistence is enabled", ErrInvalidConfig)
	}
	return nil
}

// LivenessTimeout is how long a participant may stay silent.
func (c Config) LivenessTimeout() time.Duration {
	return time.Duration(float64(c.HeartbeatInterval) * c.LivenessMultiplier)
}

// Self is this session's participant id.
func (c Config) Self() types.ParticipantID {
	return types.ParticipantID{Username: c.Username, Session: c.Session}
}

// ChatPrefix is the prefix this session publishes under.
func (c Config) ChatPrefix() Name {
	return ChatPrefix(c.HubPrefix, c.Username, c.Chatroom, c.Session)
}

// RandomString returns n random alphanumeric characters.
func RandomString(n int) string {
	const seed = "qwertyuiopasdfghjklzxcvbnmQWERTYUIOPASDFGHJKLZXCVBNM0123456789"
	result := make([]byte, n)
	for i := range result {
		result[i] = seed[rand.Intn(len(seed))]
	}
	return string(result)
}
