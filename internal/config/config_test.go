package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/plumtuna/plumtuna/internal/config"
)

func TestParseAppliesDefaultsWithNoArgs(t *testing.T) {
	cfg, err := config.Parse(nil)
	require.NoError(t, err)
	require.Equal(t, 7363, cfg.HTTPPort)
	require.Equal(t, "127.0.0.1:7364", cfg.RPCAddr)
	require.Equal(t, 1, cfg.Threads)
	require.Nil(t, cfg.ContactServers)
}

func TestParseSplitsCommaSeparatedContactServers(t *testing.T) {
	cfg, err := config.Parse([]string{"--contact-server", "a:1, b:2,c:3"})
	require.NoError(t, err)
	require.Equal(t, []string{"a:1", "b:2", "c:3"}, cfg.ContactServers)
}

func TestParseFlagOverridesDefault(t *testing.T) {
	cfg, err := config.Parse([]string{"--http-port", "9999"})
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.HTTPPort)
}

func TestParseConfigFileLayersBeneathUnsetFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plumtuna.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_port = 8080
rpc_addr = "0.0.0.0:9090"
threads = 4
`), 0o644))

	cfg, err := config.Parse([]string{"--config", path})
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.HTTPPort)
	require.Equal(t, "0.0.0.0:9090", cfg.RPCAddr)
	require.Equal(t, 4, cfg.Threads)
}

func TestParseExplicitFlagWinsOverConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plumtuna.toml")
	require.NoError(t, os.WriteFile(path, []byte(`http_port = 8080`), 0o644))

	cfg, err := config.Parse([]string{"--config", path, "--http-port", "1234"})
	require.NoError(t, err)
	require.Equal(t, 1234, cfg.HTTPPort)
}

func TestParseRejectsUnknownFlag(t *testing.T) {
	_, err := config.Parse([]string{"--nope"})
	require.Error(t, err)
}

func TestParseRejectsMissingConfigFile(t *testing.T) {
	_, err := config.Parse([]string{"--config", "/nonexistent/path.toml"})
	require.Error(t, err)
}
