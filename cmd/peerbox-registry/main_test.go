package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvName(t *testing.T) {
	require.Equal(t, "PEERBOX_REGISTRY_PORT", envName("port"))
	require.Equal(t, "PEERBOX_REGISTRY_LOG_LEVEL", envName("log-level"))
}

func TestApplyEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "registry.env")
	require.NoError(t, os.WriteFile(envFile, []byte("PEERBOX_REGISTRY_PROTOCOL=udp\n"), 0o600))
	t.Setenv("PEERBOX_REGISTRY_PORT", "7000")
	t.Setenv("PEERBOX_REGISTRY_LOG_LEVEL", "debug")
	t.Cleanup(func() { os.Unsetenv("PEERBOX_REGISTRY_PROTOCOL") })

	cmd := newRootCmd()
	flags := cmd.Flags()
	require.NoError(t, flags.Parse([]string{"--log-level", "warn"}))
	require.NoError(t, applyEnv(flags, envFile))

	port, err := flags.GetInt("port")
	require.NoError(t, err)
	require.Equal(t, 7000, port)

	protocol, err := flags.GetString("protocol")
	require.NoError(t, err)
	require.Equal(t, "udp", protocol)

	level, err := flags.GetString("log-level")
	require.NoError(t, err)
	require.Equal(t, "warn", level, "command line wins over the environment")
}

func TestApplyEnv_InvalidValue(t *testing.T) {
	t.Setenv("PEERBOX_REGISTRY_PORT", "not-a-port")
	require.Error(t, applyEnv(newRootCmd().Flags(), ""))
}
