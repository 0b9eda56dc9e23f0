package main

import (
	"fmt"
	"strings"

	"github.com/sourceplane/eapm/internal/render"
	"github.com/spf13/cobra"
)

var (
	runsLimit int
	runsTree  bool
)

var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "List recorded dispatches",
	Long:  "List recorded dispatches, newest first. Use 'eapm runs <id>' for the details of one run.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return listRuns(args)
	},
}

func registerRunsCommand(root *cobra.Command) {
	root.AddCommand(runsCmd)

	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Show at most this many runs (0 = all)")
	runsCmd.Flags().BoolVar(&runsTree, "tree", false, "Show runs as a tree")
}

func listRuns(args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if len(args) > 0 {
		dctx, err := st.Get(args[0])
		if err != nil {
			return err
		}
		fmt.Print(render.NewRenderer().DebugDump(dctx))
		return nil
	}

	runs, err := st.List(runsLimit)
	if err != nil {
		return err
	}

	viewer := render.NewRunViewer(runs)
	output := viewer.Table()
	if runsTree {
		output = viewer.Tree()
	}
	fmt.Println(strings.TrimRight(output, "\n"))
	return nil
}
