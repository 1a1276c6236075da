package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newBenchCmd(root *rootOptions) *cobra.Command {
	var (
		chainID uint64
		count   int
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "fire pre-signed transactions at one chain and report latency",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := root.start(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			if chainID == 0 {
				chains := rt.engine.Chains()
				if len(chains) != 1 {
					return fmt.Errorf("--chain is required when %d chains are configured", len(chains))
				}
				chainID = chains[0].ChainID
			}
			if err := rt.engine.WarmUp(chainID, 0); err != nil {
				return err
			}
			rt.engine.Wait()

			out := cmd.OutOrStdout()
			for i := 0; i < count; i++ {
				fireCtx, cancel := context.WithTimeout(ctx, timeout)
				started := time.Now()
				h, err := rt.engine.Fire(fireCtx, chainID)
				cancel()
				if err != nil {
					fmt.Fprintf(out, "%3d  error    %v\n", i+1, err)
					continue
				}
				fmt.Fprintf(out, "%3d  nonce=%d  %s  %s\n", i+1, h.Nonce, h.Hash.Hex(), time.Since(started).Round(time.Millisecond))
			}

			d, err := rt.engine.Diagnostics(chainID)
			if err != nil {
				return err
			}
			st := d.Performance
			fmt.Fprintf(out, "\n%s: %d/%d ok (%.0f%%), avg %s, p95 %s, grade %s\n",
				d.Chain, st.Successes, st.Count, st.SuccessRate*100,
				st.AverageLatency.Round(time.Millisecond), st.P95Latency.Round(time.Millisecond), d.Grade)
			fmt.Fprintf(out, "pool: %s\n", d.Pool)
			for _, r := range d.Recommendations {
				fmt.Fprintf(out, "  - %s\n", r)
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&chainID, "chain", 0, "chain id to fire at")
	cmd.Flags().IntVarP(&count, "count", "n", 10, "number of transactions")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "per transaction timeout")
	return cmd
}
