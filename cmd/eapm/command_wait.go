package main

import (
	"fmt"
	"time"

	"github.com/sourceplane/eapm/internal/dispatch"
	"github.com/spf13/cobra"
)

var (
	waitRunID     string
	waitStateFile string
	waitInterval  time.Duration
	waitTimeout   time.Duration
)

var waitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Wait for the batch jobs of a run to finish",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWait()
	},
}

func registerWaitCommand(root *cobra.Command) {
	root.AddCommand(waitCmd)

	waitCmd.Flags().StringVar(&waitRunID, "run", "", "Run ID")
	waitCmd.Flags().StringVar(&waitStateFile, "state", "", "State file written by 'launch --state-out'")
	waitCmd.Flags().DurationVar(&waitInterval, "interval", 0, "Poll interval (default from config)")
	waitCmd.Flags().DurationVar(&waitTimeout, "timeout", 0, "Give up after this long (default from config, 0 = never)")
}

// waitOptions takes the config durations unless overridden on the command line.
func waitOptions() (dispatch.WaitOptions, error) {
	interval, timeout, err := cfg.Wait.Durations()
	if err != nil {
		return dispatch.WaitOptions{}, err
	}
	if waitInterval > 0 {
		interval = waitInterval
	}
	if waitTimeout > 0 {
		timeout = waitTimeout
	}
	return dispatch.WaitOptions{Interval: interval, Timeout: timeout}, nil
}

func runWait() error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	dctx, err := loadDispatch(st, waitRunID, waitStateFile)
	if err != nil {
		return err
	}
	if !dctx.Cluster.IsHPC() {
		fmt.Printf("✓ Run %s on %s finished during launch (%s)\n", dctx.RunID, dctx.Cluster, dctx.Status)
		return nil
	}

	opts, err := waitOptions()
	if err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()

	r, err := reconnect(ctx, dctx)
	if err != nil {
		return err
	}
	defer r.Close()

	d := newDispatcher(r, st, dctx.LocalDir, cfg.Block)
	fmt.Printf("□ Waiting for %d batch job(s), polling every %s...\n", len(dctx.JobIDs), opts.Interval)
	if err := d.Wait(ctx, dctx, opts); err != nil {
		return err
	}

	fmt.Printf("✓ Run %s completed\n", dctx.RunID)
	return nil
}
