package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	resolveRemote  string
	resolveHost    string
	resolveProgram string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Show which cluster a remote resolves to",
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveCluster()
	},
}

func registerResolveCommand(root *cobra.Command) {
	root.AddCommand(resolveCmd)

	resolveCmd.Flags().StringVarP(&resolveRemote, "remote", "r", "local", "Remote name")
	resolveCmd.Flags().StringVar(&resolveHost, "host", "", "Host to classify (default: the configured host of --remote)")
	resolveCmd.Flags().StringVarP(&resolveProgram, "program", "p", "", "Program, checked against per-program restrictions")
}

func resolveCluster() error {
	host := resolveHost
	if host == "" {
		target, err := lookupRemote(resolveRemote)
		if err != nil {
			return err
		}
		host = target.Host
	}

	resolver := newResolver()
	tag, err := resolver.Resolve(resolveRemote, host, resolveProgram)
	if err != nil {
		return err
	}

	fmt.Printf("✓ %s (%s) → %s\n", resolveRemote, valueOr(host, "no host"), tag)
	if family, ok := resolver.Family(tag); ok {
		fmt.Printf("  Pele:    %v\n", family.Pele)
		if family.Account != "" {
			fmt.Printf("  Account: %s\n", family.Account)
		}
		if family.QOS != "" {
			fmt.Printf("  QOS:     %s\n", family.QOS)
		}
		if mods := family.Modules[resolveProgram]; len(mods) > 0 {
			fmt.Printf("  Modules: %v\n", mods)
		}
	}
	return nil
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
