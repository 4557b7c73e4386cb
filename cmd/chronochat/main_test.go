package main

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eljojo/chronochat"
)

func newTestCommand(t *testing.T) *cobra.Command {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	cmd := &cobra.Command{Use: "chronochat"}
	addFlags(cmd)
	return cmd
}

func TestBuildConfig_ReadsFlags(t *testing.T) {
	cmd := newTestCommand(t)
	f := cmd.PersistentFlags()
	require.NoError(t, f.Set("username", "alice"))
	require.NoError(t, f.Set("room", "kitchen"))
	require.NoError(t, f.Set("freshness", "3s"))

	cfg := buildConfig()
	assert.Equal(t, "alice", cfg.Username.String())
	assert.Equal(t, "kitchen", cfg.Chatroom)
	assert.Equal(t, 3*time.Second, cfg.DataFreshness)
	assert.NoError(t, cfg.Validate())
}

func TestBuildConfig_FreshnessDefault(t *testing.T) {
	cmd := newTestCommand(t)
	require.NoError(t, cmd.PersistentFlags().Set("username", "alice"))

	assert.Equal(t, chronochat.DefaultConfig().DataFreshness, buildConfig().DataFreshness)
}

func TestLoadKeypair(t *testing.T) {
	cfg := chronochat.DefaultConfig()
	cfg.Username = "alice"

	a, err := loadKeypair(cfg, "hunter2")
	require.NoError(t, err)
	b, err := loadKeypair(cfg, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, a.PublicKey, b.PublicKey, "the same secret survives a restart")

	_, err = loadKeypair(cfg, "")
	assert.NoError(t, err)

	cfg.RequireVerification = true
	_, err = loadKeypair(cfg, "")
	assert.ErrorIs(t, err, errSecretRequired)
	_, err = loadKeypair(cfg, "hunter2")
	assert.NoError(t, err)
}
