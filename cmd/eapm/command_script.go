package main

import (
	"fmt"

	"github.com/sourceplane/eapm/internal/dispatch"
	"github.com/sourceplane/eapm/internal/loader"
	"github.com/sourceplane/eapm/internal/materialize"
	"github.com/sourceplane/eapm/internal/model"
	"github.com/spf13/cobra"
)

var (
	scriptJobFile    string
	scriptRemote     string
	scriptJobIndices []int
	scriptProgram    string
	scriptWorkDir    string
	scriptFlowName   string
	scriptPurge      bool
)

var scriptCmd = &cobra.Command{
	Use:   "script",
	Short: "Generate the run scripts without dispatching",
	Long:  "Write the scripts 'launch' would generate for --remote into the working directory, without connecting anywhere.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return generateScripts()
	},
}

func registerScriptCommand(root *cobra.Command) {
	root.AddCommand(scriptCmd)

	scriptCmd.Flags().StringVarP(&scriptJobFile, "jobs-file", "f", "jobs.yaml", "Job file path")
	scriptCmd.Flags().StringVarP(&scriptRemote, "remote", "r", model.LocalRemoteName, "Configured remote the scripts are for")
	scriptCmd.Flags().IntSliceVarP(&scriptJobIndices, "jobs", "j", nil, "Only these jobs (1-based indices)")
	scriptCmd.Flags().StringVarP(&scriptProgram, "program", "p", "", "Program handler (default: from the job file)")
	scriptCmd.Flags().StringVarP(&scriptWorkDir, "workdir", "w", ".", "Directory to write the scripts into")
	scriptCmd.Flags().StringVar(&scriptFlowName, "flow-name", "", "Flow name (default: job file name)")
	scriptCmd.Flags().BoolVar(&scriptPurge, "module-purge", false, "Run 'module purge' before loading modules")
	addBlockFlags(scriptCmd)
}

func generateScripts() error {
	fmt.Println("□ Loading job file...")
	spec, err := loader.LoadJobSpec(scriptJobFile)
	if err != nil {
		return fmt.Errorf("failed to load job file: %w", err)
	}
	selected, err := loader.SelectJobs(spec.Commands, scriptJobIndices)
	if err != nil {
		return err
	}
	if len(selected) == 0 {
		return dispatch.ErrNoJobs
	}

	program := spec.Program
	if scriptProgram != "" {
		program = scriptProgram
	}
	settings, err := blockSettings()
	if err != nil {
		return err
	}
	workDir, err := absDir(scriptWorkDir)
	if err != nil {
		return err
	}
	target, err := lookupRemote(scriptRemote)
	if err != nil {
		return err
	}

	fmt.Println("□ Resolving cluster...")
	resolver := newResolver()
	tag, err := resolver.Resolve(target.Name, target.Host, program)
	if err != nil {
		return err
	}
	family, _ := resolver.Family(tag)

	flowName := scriptFlowName
	if flowName == "" {
		flowName = spec.Name
	}
	names := &dispatch.Dispatcher{Settings: settings, FlowName: flowName}

	fmt.Printf("□ Materializing %d job(s) for %s...\n", len(selected), tag)
	selectedSpec := model.JobSpec{Commands: selected}
	art, err := materialize.NewMaterializer(workDir).Materialize(materialize.Request{
		Jobs:        selectedSpec.Lines(),
		Cluster:     tag,
		Family:      family,
		Program:     program,
		JobName:     names.SimulationName(),
		ScriptName:  names.ScriptName(),
		Partition:   settings.Partition,
		CPUs:        settings.CPUs,
		ModulePurge: scriptPurge || spec.ModulePurge,
		Env:         settings.Environment,
	})
	if err != nil {
		return err
	}

	fmt.Printf("✓ Script: %s\n", art.Script)
	for _, f := range art.Fragments {
		fmt.Printf("  fragment: %s\n", f)
	}
	for _, s := range art.PeleScripts {
		fmt.Printf("  job script: %s\n", s)
	}
	return nil
}
