package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	downloadRunID     string
	downloadStateFile string
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Retrieve the results of a run into its working directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDownload()
	},
}

func registerDownloadCommand(root *cobra.Command) {
	root.AddCommand(downloadCmd)

	downloadCmd.Flags().StringVar(&downloadRunID, "run", "", "Run ID")
	downloadCmd.Flags().StringVar(&downloadStateFile, "state", "", "State file written by 'launch --state-out'")
}

func runDownload() error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	dctx, err := loadDispatch(st, downloadRunID, downloadStateFile)
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
	fmt.Printf("□ Downloading results of %s...\n", dctx.RunID)
	path, err := d.Download(ctx, dctx)
	if err != nil {
		return err
	}

	fmt.Printf("✓ Results in: %s\n", path)
	return nil
}
