package main

import (
	"fmt"

	"github.com/sourceplane/eapm/internal/loader"
	"github.com/spf13/cobra"
)

var validateJobFile string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the config and a job file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return validateFiles()
	},
}

func registerValidateCommand(root *cobra.Command) {
	root.AddCommand(validateCmd)

	validateCmd.Flags().StringVarP(&validateJobFile, "jobs-file", "f", "", "Job file path (optional)")
}

func validateFiles() error {
	// the config itself was loaded and validated before any command runs
	fmt.Printf("✓ Config is valid (%d remotes, %d families, %d workstations)\n",
		len(cfg.Remotes), len(cfg.Families), len(cfg.Workstations))

	resolver := newResolver()
	for _, r := range cfg.Remotes {
		tag, err := resolver.Resolve(r.Name, r.Host, "")
		if err != nil {
			return fmt.Errorf("remote %s: %w", r.Name, err)
		}
		fmt.Printf("  %s → %s\n", r.Name, tag)
	}

	if validateJobFile == "" {
		return nil
	}

	fmt.Println("□ Validating job file...")
	spec, err := loader.LoadJobSpec(validateJobFile)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Job file is valid: %d job(s) for %s\n", len(spec.Commands), spec.Program)

	fmt.Println("✓ All validation passed")
	return nil
}
