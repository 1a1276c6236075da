package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"txaccel/internal/config"
	"txaccel/internal/engine"
	"txaccel/internal/logging"
	"txaccel/internal/pool"
	"txaccel/internal/signer"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "txaccel",
		Short:         "pre-signed transaction pools for low latency submission",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to config file")
	cmd.AddCommand(newServeCmd(opts), newBenchCmd(opts), newKeysCmd(opts))
	return cmd
}

// runtime is what every command that talks to chains needs.
type runtime struct {
	cfg    *config.Config
	logger *zap.SugaredLogger
	engine *engine.Engine
	close  func()
}

func (o *rootOptions) load() (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// start loads the config, opens the signer and registers every configured
// chain with a new engine.
func (o *rootOptions) start(ctx context.Context) (*runtime, error) {
	cfg, logger, err := o.load()
	if err != nil {
		return nil, err
	}
	s, closeSigner, err := openSigner(cfg)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	eng, err := engine.New(engine.Options{
		Signer:       s,
		Logger:       logger,
		PerfCapacity: cfg.Performance.Capacity,
		StatsWindow:  cfg.Performance.StatsWindow,
		DedupeSize:   cfg.Performance.DedupeSize,
	})
	if err != nil {
		closeSigner()
		return nil, err
	}
	rt := &runtime{
		cfg:    cfg,
		logger: logger,
		engine: eng,
		close: func() {
			eng.Close()
			closeSigner()
			_ = logger.Sync()
		},
	}
	profiles, err := cfg.Profiles()
	if err != nil {
		rt.close()
		return nil, err
	}
	for _, p := range profiles {
		if _, err := eng.RegisterChain(ctx, p); err != nil {
			rt.close()
			return nil, fmt.Errorf("register %s: %w", p, err)
		}
	}
	logger.Infow("engine ready", "account", eng.Account(), "chains", len(profiles))
	return rt, nil
}

func openSigner(cfg *config.Config) (pool.Signer, func(), error) {
	noop := func() {}
	switch strings.ToLower(cfg.Signer.Kind) {
	case config.SignerKey:
		k, err := signer.ParseKey(config.Secret(cfg.Signer.KeyEnv))
		if err != nil {
			return nil, noop, fmt.Errorf("signer key from %s: %w", cfg.Signer.KeyEnv, err)
		}
		return k, noop, nil
	case config.SignerKeystore:
		ks, err := signer.OpenKeystore(cfg.Signer.Dir, config.Secret(cfg.Signer.PassphraseEnv), cfg.SignerAccount())
		if err != nil {
			return nil, noop, err
		}
		if len(ks.Accounts()) == 0 {
			return nil, noop, fmt.Errorf("keystore %s has no accounts, run `txaccel keys new`", ks.Dir())
		}
		return ks, noop, nil
	case config.SignerRPC:
		client, err := rpc.Dial(cfg.Signer.URL)
		if err != nil {
			return nil, noop, fmt.Errorf("signer rpc: %w", err)
		}
		return signer.NewRemote(client, cfg.SignerAccount()), client.Close, nil
	default:
		return nil, noop, errors.New("unknown signer kind " + cfg.Signer.Kind)
	}
}
