package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"txaccel/internal/chain"
	"txaccel/internal/fees"
)

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	if value.Tag == "!!int" {
		var v int64
		if err := value.Decode(&v); err != nil {
			return err
		}
		d.Duration = time.Duration(v) * time.Millisecond
		return nil
	}
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = dur
	return nil
}

const (
	SignerKey      = "key"
	SignerKeystore = "keystore"
	SignerRPC      = "rpc"
)

type Config struct {
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	API struct {
		Listen    string `yaml:"listen"`
		AuthToken string `yaml:"auth_token"`
	} `yaml:"api"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`

	Signer struct {
		Kind          string `yaml:"kind"`
		KeyEnv        string `yaml:"key_env"`
		Dir           string `yaml:"dir"`
		PassphraseEnv string `yaml:"passphrase_env"`
		Account       string `yaml:"account"`
		URL           string `yaml:"url"`
	} `yaml:"signer"`

	Performance struct {
		Capacity     int      `yaml:"capacity"`
		StatsWindow  int      `yaml:"stats_window"`
		DedupeSize   int      `yaml:"dedupe_size"`
		NonceIdleTTL Duration `yaml:"nonce_idle_ttl"`
	} `yaml:"performance"`

	State struct {
		// FeeSnapshot is where cached fee quotes are kept between runs.
		// Empty disables it.
		FeeSnapshot      string   `yaml:"fee_snapshot"`
		SnapshotInterval Duration `yaml:"snapshot_interval"`
	} `yaml:"state"`

	Chains []Chain `yaml:"chains"`
}

type Chain struct {
	Name           string   `yaml:"name"`
	Preset         string   `yaml:"preset"`
	ChainID        uint64   `yaml:"chain_id"`
	RPC            string   `yaml:"rpc"`
	Method         string   `yaml:"method"`
	Contract       string   `yaml:"contract"`
	Selector       string   `yaml:"selector"`
	RequestTimeout Duration `yaml:"request_timeout"`

	Pool struct {
		TargetSize   int      `yaml:"target_size"`
		LowWaterMark float64  `yaml:"low_water_mark"`
		CriticalMark float64  `yaml:"critical_mark"`
		BatchSize    int      `yaml:"batch_size"`
		MaxPending   int      `yaml:"max_pending"`
		SignInterval Duration `yaml:"sign_interval"`
		SignRetries  int      `yaml:"sign_retries"`
	} `yaml:"pool"`

	Fees struct {
		TTL                Duration `yaml:"ttl"`
		MaxFeeMultiplier   float64  `yaml:"max_fee_multiplier"`
		MinPriorityFeeGwei float64  `yaml:"min_priority_fee_gwei"`
		GasLimit           uint64   `yaml:"gas_limit"`
		Fallback           bool     `yaml:"fallback"`
	} `yaml:"fees"`

	Retry struct {
		MaxRetries int      `yaml:"max_retries"`
		MinBackoff Duration `yaml:"min_backoff"`
		MaxBackoff Duration `yaml:"max_backoff"`
	} `yaml:"retry"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes a YAML document after expanding ${VAR} references from the
// environment.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(b))), &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.API.Listen == "" {
		c.API.Listen = ":8080"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Signer.Kind == "" {
		c.Signer.Kind = SignerKey
	}
	if c.Signer.KeyEnv == "" {
		c.Signer.KeyEnv = "TXACCEL_PRIVATE_KEY"
	}
	if c.Signer.Dir == "" {
		c.Signer.Dir = "data/keystore"
	}
	if c.Signer.PassphraseEnv == "" {
		c.Signer.PassphraseEnv = "TXACCEL_KEYSTORE_PASSPHRASE"
	}
	if c.Performance.Capacity == 0 {
		c.Performance.Capacity = 1000
	}
	if c.Performance.StatsWindow == 0 {
		c.Performance.StatsWindow = 50
	}
	if c.State.SnapshotInterval.Duration == 0 {
		c.State.SnapshotInterval = Duration{Duration: 30 * time.Second}
	}
	if c.Performance.NonceIdleTTL.Duration == 0 {
		c.Performance.NonceIdleTTL = Duration{Duration: time.Hour}
	}
	for i := range c.Chains {
		ch := &c.Chains[i]
		if ch.ChainID == 0 && ch.Preset != "" {
			if p, ok := chain.Preset(ch.Preset); ok {
				ch.ChainID = p.ChainID
			}
		}
		if ch.Contract == "" {
			ch.Contract = chain.DefaultContract.Hex()
		}
		if ch.Selector == "" {
			ch.Selector = "0x" + common.Bytes2Hex(chain.DefaultSelector[:])
		}
	}
}

func (c *Config) validate() error {
	switch c.Signer.Kind {
	case SignerKey, SignerKeystore:
	case SignerRPC:
		if c.Signer.URL == "" {
			return fmt.Errorf("signer.url is required for the rpc signer")
		}
		if !common.IsHexAddress(c.Signer.Account) {
			return fmt.Errorf("signer.account must be an address for the rpc signer")
		}
	default:
		return fmt.Errorf("unknown signer.kind %q", c.Signer.Kind)
	}
	if c.Signer.Account != "" && !common.IsHexAddress(c.Signer.Account) {
		return fmt.Errorf("invalid signer.account %q", c.Signer.Account)
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain is required")
	}
	seen := make(map[uint64]bool)
	var errs []error
	for i, ch := range c.Chains {
		label := ch.Name
		if label == "" {
			label = fmt.Sprintf("chains[%d]", i)
		}
		if ch.Preset != "" {
			if _, ok := chain.Preset(ch.Preset); !ok {
				errs = append(errs, fmt.Errorf("%s: unknown preset %q", label, ch.Preset))
			}
		}
		if ch.ChainID == 0 {
			errs = append(errs, fmt.Errorf("%s: chain_id is required", label))
		} else if seen[ch.ChainID] {
			errs = append(errs, fmt.Errorf("%s: duplicate chain_id %d", label, ch.ChainID))
		}
		seen[ch.ChainID] = true
		if ch.RPC == "" {
			errs = append(errs, fmt.Errorf("%s: rpc is required", label))
		}
		if !common.IsHexAddress(ch.Contract) {
			errs = append(errs, fmt.Errorf("%s: invalid contract %q", label, ch.Contract))
		}
		if _, err := chain.ParseSelector(ch.Selector); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", label, err))
		}
		if _, err := chain.ParseMethod(ch.Method); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", label, err))
		}
	}
	return errors.Join(errs...)
}

// Profiles converts the chain entries into profiles. Preset values fill
// whatever an entry leaves unset; the registry fills the rest.
func (c *Config) Profiles() ([]chain.Profile, error) {
	out := make([]chain.Profile, 0, len(c.Chains))
	for _, ch := range c.Chains {
		p, err := ch.Profile()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (ch Chain) Profile() (chain.Profile, error) {
	var p chain.Profile
	if ch.Preset != "" {
		base, ok := chain.Preset(ch.Preset)
		if !ok {
			return chain.Profile{}, fmt.Errorf("unknown preset %q", ch.Preset)
		}
		p = base
	}
	if ch.Name != "" {
		p.Name = ch.Name
	}
	p.ChainID = ch.ChainID
	p.Endpoint = ch.RPC
	if ch.Method != "" || ch.Preset == "" {
		method, err := chain.ParseMethod(ch.Method)
		if err != nil {
			return chain.Profile{}, err
		}
		p.Method = method
	}
	p.Contract = common.HexToAddress(ch.Contract)
	selector, err := chain.ParseSelector(ch.Selector)
	if err != nil {
		return chain.Profile{}, err
	}
	p.Selector = selector
	setDuration(&p.RequestTimeout, ch.RequestTimeout)

	setInt(&p.Pool.TargetSize, ch.Pool.TargetSize)
	setFloat(&p.Pool.LowWaterMark, ch.Pool.LowWaterMark)
	setFloat(&p.Pool.CriticalMark, ch.Pool.CriticalMark)
	setInt(&p.Pool.BatchSize, ch.Pool.BatchSize)
	setInt(&p.Pool.MaxPending, ch.Pool.MaxPending)
	setDuration(&p.Pool.SignInterval, ch.Pool.SignInterval)
	setInt(&p.Pool.SignRetries, ch.Pool.SignRetries)

	setDuration(&p.Fees.TTL, ch.Fees.TTL)
	setFloat(&p.Fees.MaxFeeMultiplier, ch.Fees.MaxFeeMultiplier)
	if ch.Fees.MinPriorityFeeGwei > 0 {
		p.Fees.MinPriorityFee = fees.GweiToWei(ch.Fees.MinPriorityFeeGwei)
	}
	if ch.Fees.GasLimit > 0 {
		p.Fees.GasLimit = ch.Fees.GasLimit
	}
	p.Fees.Fallback = ch.Fees.Fallback

	setInt(&p.Retry.MaxRetries, ch.Retry.MaxRetries)
	setDuration(&p.Retry.MinBackoff, ch.Retry.MinBackoff)
	setDuration(&p.Retry.MaxBackoff, ch.Retry.MaxBackoff)
	return p, nil
}

// SignerAccount returns the configured account, or the zero address.
func (c *Config) SignerAccount() common.Address {
	if c.Signer.Account == "" {
		return common.Address{}
	}
	return common.HexToAddress(c.Signer.Account)
}

// Secret reads the named environment variable, trimming whitespace.
func Secret(env string) string {
	return strings.TrimSpace(os.Getenv(env))
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v Duration) {
	if v.Duration != 0 {
		*dst = v.Duration
	}
}
