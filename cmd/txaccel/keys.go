package main

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"txaccel/internal/config"
	"txaccel/internal/signer"
)

func newKeysCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "manage the signing keystore",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "new",
		Short: "create a new key in the configured keystore",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			defer logger.Sync()
			ks, err := signer.OpenKeystore(cfg.Signer.Dir, config.Secret(cfg.Signer.PassphraseEnv), common.Address{})
			if err != nil {
				return err
			}
			addr, err := ks.CreateAccount()
			if err != nil {
				return err
			}
			logger.Infow("key created", "account", addr.Hex(), "dir", ks.Dir())
			fmt.Fprintln(cmd.OutOrStdout(), addr.Hex())
			return nil
		},
	}, &cobra.Command{
		Use:   "list",
		Short: "list the accounts in the configured keystore",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			defer logger.Sync()
			ks, err := signer.OpenKeystore(cfg.Signer.Dir, config.Secret(cfg.Signer.PassphraseEnv), common.Address{})
			if err != nil {
				return err
			}
			for _, a := range ks.Accounts() {
				fmt.Fprintln(cmd.OutOrStdout(), a.Hex())
			}
			return nil
		},
	})
	return cmd
}
