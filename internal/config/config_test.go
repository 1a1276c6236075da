package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txaccel/internal/chain"
)

const sample = `
logging:
  level: debug
signer:
  kind: key
  key_env: TEST_KEY
chains:
  - preset: megaeth
    rpc: ${TEST_RPC}
    pool:
      target_size: 40
      sign_interval: 50
  - name: local
    chain_id: 1337
    rpc: http://127.0.0.1:8545
    method: sync-ack
    contract: "0x00000000000000000000000000000000000000cc"
    selector: "0x01020304"
    fees:
      ttl: 30s
      min_priority_fee_gwei: 0.5
      fallback: true
    retry:
      max_retries: 5
`

func TestParse(t *testing.T) {
	t.Setenv("TEST_RPC", "https://megaeth.example")
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, ":8080", cfg.API.Listen)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, SignerKey, cfg.Signer.Kind)
	assert.Equal(t, time.Hour, cfg.Performance.NonceIdleTTL.Duration)
	assert.Equal(t, 30*time.Second, cfg.State.SnapshotInterval.Duration)
	assert.Empty(t, cfg.State.FeeSnapshot)
	require.Len(t, cfg.Chains, 2)
	assert.Equal(t, chain.MegaETHChainID, cfg.Chains[0].ChainID)
	assert.Equal(t, "https://megaeth.example", cfg.Chains[0].RPC)
}

func TestProfiles(t *testing.T) {
	t.Setenv("TEST_RPC", "https://megaeth.example")
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	profiles, err := cfg.Profiles()
	require.NoError(t, err)
	require.Len(t, profiles, 2)

	mega := profiles[0]
	assert.Equal(t, "megaeth", mega.Name)
	assert.Equal(t, chain.MethodLowLatency, mega.Method)
	assert.Equal(t, 40, mega.Pool.TargetSize)
	assert.Equal(t, 25, mega.Pool.BatchSize)
	assert.Equal(t, 50*time.Millisecond, mega.Pool.SignInterval)
	assert.Equal(t, chain.DefaultContract, mega.Contract)
	assert.Equal(t, chain.DefaultSelector, mega.Selector)

	local := profiles[1]
	assert.Equal(t, uint64(1337), local.ChainID)
	assert.Equal(t, chain.MethodSyncAck, local.Method)
	assert.Equal(t, [4]byte{1, 2, 3, 4}, local.Selector)
	assert.Equal(t, 30*time.Second, local.Fees.TTL)
	assert.Equal(t, int64(500000000), local.Fees.MinPriorityFee.Int64())
	assert.True(t, local.Fees.Fallback)
	assert.Equal(t, 5, local.Retry.MaxRetries)

	local = local.WithDefaults()
	require.NoError(t, local.Validate())
	assert.Equal(t, 60, local.Pool.TargetSize)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"no chains":       "signer: {kind: key}\n",
		"unknown signer":  "signer: {kind: hsm}\nchains: [{chain_id: 1, rpc: http://x}]\n",
		"rpc signer url":  "signer: {kind: rpc, account: \"0x00000000000000000000000000000000000000aa\"}\nchains: [{chain_id: 1, rpc: http://x}]\n",
		"missing rpc":     "chains: [{chain_id: 1}]\n",
		"duplicate chain": "chains: [{chain_id: 1, rpc: http://x}, {chain_id: 1, rpc: http://y}]\n",
		"bad selector":    "chains: [{chain_id: 1, rpc: http://x, selector: \"0x01\"}]\n",
		"bad method":      "chains: [{chain_id: 1, rpc: http://x, method: carrier-pigeon}]\n",
		"unknown preset":  "chains: [{preset: nope, chain_id: 1, rpc: http://x}]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestDurationAcceptsMilliseconds(t *testing.T) {
	cfg, err := Parse([]byte("chains: [{chain_id: 1, rpc: http://x, retry: {min_backoff: 250, max_backoff: 2s}}]\n"))
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Chains[0].Retry.MinBackoff.Duration)
	assert.Equal(t, 2*time.Second, cfg.Chains[0].Retry.MaxBackoff.Duration)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chains: [{preset: foundry, rpc: http://127.0.0.1:8545}]\n"), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, chain.FoundryChainID, cfg.Chains[0].ChainID)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
