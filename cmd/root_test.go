package cmd

import (
	"bytes"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelpento.lv/loopvault/config"
	"github.com/michaelpento.lv/loopvault/domain"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Cleanup(func() { cfgFile, debug = "", false })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestConfigCommandPrintsDefaults(t *testing.T) {
	out, err := execute(t, "config", "--format", "json")
	require.NoError(t, err)

	var cfg config.Config
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, config.DefaultConfig().ChainID, cfg.ChainID)
	assert.Equal(t, config.DefaultConfig().Vault.MaxLoops, cfg.Vault.MaxLoops)
}

func TestConfigCommandReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chain_id: 1\n"), 0o600))

	out, err := execute(t, "--config", path, "config", "--format", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "chain_id: 1")
}

func TestConfigInitWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.toml")
	_, err := execute(t, "config", "init", path)
	require.NoError(t, err)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Fabric.Workers, cfg.Fabric.Workers)
}

func TestSimulateCommand(t *testing.T) {
	out, err := execute(t, "simulate", "--deposit", "1", "--crash-price", "1000", "--settle", "300ms")
	require.NoError(t, err)
	assert.Contains(t, out, "looped")
	assert.Contains(t, out, "crashed")
	assert.Contains(t, out, "recovered")
	assert.Contains(t, out, "inf")
	assert.NotContains(t, out, domain.InfiniteHealthFactor.String()[:12])
}

func TestFormatHealth(t *testing.T) {
	assert.Equal(t, "inf", formatHealth(domain.InfiniteHealthFactor))
	assert.Equal(t, "1.2000", formatHealth(big.NewInt(12e17)))
	assert.Equal(t, "0.0000", formatHealth(new(big.Int)))
}

func TestSimulateRejectsBadDeposit(t *testing.T) {
	_, err := execute(t, "simulate", "--deposit", "lots")
	assert.ErrorContains(t, err, "invalid --deposit")
}
