package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bugsnag/bugsnag-go"
	"github.com/jonboulle/clockwork"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/eljojo/chronochat"
	"github.com/eljojo/chronochat/types"
)

func main() {
	cmd := &cobra.Command{
		Use:   "chronochat",
		Short: "Chat room over named requests, synced by gossip",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
		SilenceUsage: true,
	}
	addFlags(cmd)
	cobra.OnInitialize(loadConfigFile)

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}

func addFlags(cmd *cobra.Command) {
	defaults := chronochat.DefaultConfig()
	f := cmd.PersistentFlags()

	f.StringP("config", "c", "", "load options from this file")
	f.Bool("verbose", false, "log debug stuff")
	f.String("bugsnag-key", "", "report crashes to bugsnag with this API key")

	f.String("hub", defaults.HubPrefix, "name prefix everyone publishes under")
	f.StringP("room", "r", defaults.Chatroom, "chat room to join")
	f.StringP("username", "u", "", "stable user name (defaults to this host's name)")
	f.StringP("screen-name", "n", "", "name shown to others (defaults to a random one)")
	f.String("secret", "", "derive the signing key from this secret instead of a random one")

	f.Duration("heartbeat", defaults.HeartbeatInterval, "how often to say hello when idle")
	f.Float64("liveness-multiplier", defaults.LivenessMultiplier, "silent for heartbeat times this means gone")
	f.Duration("fetch-lifetime", defaults.FetchLifetime, "how long to wait for each fetch")
	f.Duration("freshness", defaults.DataFreshness, "how long caches may keep our messages")
	f.Int("max-retries", defaults.MaxFetchRetries, "how many times to retry a fetch")
	f.Uint64("backfill-depth", defaults.BackfillDepth, "how far back to fetch a participant's history")
	f.Int("max-participants", defaults.MaxTrackedParticipants, "how many participants to keep fetch state for")
	f.Int("log-capacity", defaults.MessageLogCapacity, "how many of our own messages to keep in memory")
	f.Bool("persist", defaults.UsePersistentStorage, "keep history in a local database")
	f.String("db", defaults.StoragePath, "database path")
	f.Bool("require-verification", defaults.RequireVerification, "drop data that isn't properly signed")
	f.Duration("linger", 2*time.Second, "how long to keep serving after leaving")

	f.String("mqtt-host", "tcp://127.0.0.1:1883", "mqtt broker")
	f.String("mqtt-user", "", "mqtt username")
	f.String("mqtt-pass", "", "mqtt password")
	f.String("mesh-host", "0.0.0.0", "gossip listen address")
	f.Int("mesh-port", 6783, "gossip listen port")
	f.StringSlice("mesh-peer", nil, "gossip peer host:port, can be repeated")
	f.String("mesh-password", "", "encrypt gossip with this password")

	viper.SetEnvPrefix("CHRONOCHAT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := viper.BindPFlags(f); err != nil {
		logrus.Fatalf("bind flags: %v", err)
	}
}

func loadConfigFile() {
	path := viper.GetString("config")
	if path == "" {
		return
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		logrus.Fatalf("read config %s: %v", path, err)
	}
}

var errSecretRequired = errors.New("--require-verification needs --secret: peers pin one key per user, and a random key changes every run")

// loadKeypair derives the signing key from secret so it survives restarts.
// Without one we sign with a throwaway key, which peers that already pinned
// us will reject.
func loadKeypair(cfg chronochat.Config, secret string) (chronochat.Keypair, error) {
	if secret != "" {
		return chronochat.DeriveKeypair([]byte(secret), cfg.Username)
	}
	if cfg.RequireVerification {
		return chronochat.Keypair{}, errSecretRequired
	}
	logrus.Warnf("no --secret given, signing with a one-off key")
	return chronochat.GenerateKeypair()
}

// defaultUsername picks a stable name for this machine.
func defaultUsername() string {
	info, err := host.Info()
	if err != nil || info.Hostname == "" {
		return chronochat.RandomString(10)
	}
	return strings.Split(info.Hostname, ".")[0]
}

func buildConfig() chronochat.Config {
	cfg := chronochat.DefaultConfig()
	cfg.HubPrefix = viper.GetString("hub")
	cfg.Chatroom = viper.GetString("room")
	if user := viper.GetString("username"); user != "" {
		cfg.Username = types.Username(user)
	} else {
		cfg.Username = types.Username(defaultUsername())
	}
	if screenName := viper.GetString("screen-name"); screenName != "" {
		cfg.ScreenName = screenName
	}
	cfg.HeartbeatInterval = viper.GetDuration("heartbeat")
	cfg.LivenessMultiplier = viper.GetFloat64("liveness-multiplier")
	cfg.FetchLifetime = viper.GetDuration("fetch-lifetime")
	cfg.DataFreshness = viper.GetDuration("freshness")
	cfg.MaxFetchRetries = viper.GetInt("max-retries")
	cfg.BackfillDepth = viper.GetUint64("backfill-depth")
	cfg.MaxTrackedParticipants = viper.GetInt("max-participants")
	cfg.MessageLogCapacity = viper.GetInt("log-capacity")
	cfg.UsePersistentStorage = viper.GetBool("persist")
	cfg.StoragePath = viper.GetString("db")
	cfg.RequireVerification = viper.GetBool("require-verification")
	return cfg
}

func run(ctx context.Context) error {
	if viper.GetBool("verbose") {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if key := viper.GetString("bugsnag-key"); key != "" {
		bugsnag.Configure(bugsnag.Configuration{
			APIKey:          key,
			ProjectPackages: []string{"main", "github.com/eljojo/chronochat"},
		})
	}

	cfg := buildConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}

	keypair, err := loadKeypair(cfg, viper.GetString("secret"))
	if err != nil {
		return fmt.Errorf("signing key: %w", err)
	}
	verifier := chronochat.NewPinningVerifier()
	verifier.Pin(cfg.Username, keypair.PublicKey)
	logrus.Infof("🔑 signing as %s", chronochat.Fingerprint(keypair.PublicKey))

	clock := clockwork.NewRealClock()
	transport, err := chronochat.NewMQTTTransport(chronochat.MQTTConfig{
		Broker:   viper.GetString("mqtt-host"),
		ClientID: fmt.Sprintf("chronochat-%s-%s", cfg.Username, cfg.Session),
		Username: viper.GetString("mqtt-user"),
		Password: viper.GetString("mqtt-pass"),
	}, clock)
	if err != nil {
		return err
	}
	defer transport.Close()

	meshSync := chronochat.NewMeshSync(chronochat.MeshConfig{
		Host:     viper.GetString("mesh-host"),
		Port:     viper.GetInt("mesh-port"),
		Peers:    viper.GetStringSlice("mesh-peer"),
		Password: viper.GetString("mesh-password"),
	}, cfg.Self(), cfg.ChatPrefix(), clock)
	defer meshSync.Stop()

	display := chronochat.NewConsoleDisplay(os.Stdout)
	opts := []chronochat.Opt{
		chronochat.WithClock(clock),
		chronochat.WithKeypair(keypair),
		chronochat.WithVerifier(verifier),
		chronochat.WithDisplay(display),
	}
	if cfg.UsePersistentStorage {
		storage, err := chronochat.OpenSQLiteStorage(cfg.StoragePath)
		if err != nil {
			return err
		}
		defer storage.Close()
		opts = append(opts, chronochat.WithStorage(storage))
	}

	coordinator, err := chronochat.NewCoordinator(cfg, meshSync, transport, opts...)
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	lines := make(chan string)
	go readLines(lines)

	leave := func() {
		if err := coordinator.Leave(); err != nil && !errors.Is(err, chronochat.ErrLeft) {
			logrus.Warnf("leave: %v", err)
		}
		// give peers a chance to fetch the LEAVE
		time.Sleep(viper.GetDuration("linger"))
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return coordinator.Run(gctx)
	})
	g.Go(func() error {
		defer cancelRun()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-sigCtx.Done():
				leave()
				return nil
			case line, ok := <-lines:
				if !ok {
					leave()
					return nil
				}
				switch strings.TrimSpace(line) {
				case "":
				case "/leave", "/quit":
					leave()
					return nil
				case "/who":
					display.PrintRoster()
				default:
					if err := coordinator.Send(line); err != nil {
						logrus.Warnf("send: %v", err)
					}
				}
			}
		}
	})
	return g.Wait()
}

// readLines forwards stdin line by line and closes out on EOF.
func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}
