package main

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sourceplane/eapm/internal/dispatch"
	"github.com/sourceplane/eapm/internal/loader"
	"github.com/sourceplane/eapm/internal/model"
	"github.com/sourceplane/eapm/internal/render"
	"github.com/spf13/cobra"
)

var (
	launchJobFile     string
	launchRemote      string
	launchJobIndices  []int
	launchProgram     string
	launchUpload      []string
	launchModulePurge bool
	launchFlowID      string
	launchFlowName    string
	launchWorkDir     string
	launchWait        bool
	launchDownload    bool
	launchStateOut    string
)

var flowIDPattern = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Dispatch a job file to a remote",
	Long:  "Materialize the jobs of a job file, upload the working directory and run or submit them on the cluster behind --remote.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLaunch()
	},
}

func registerLaunchCommand(root *cobra.Command) {
	root.AddCommand(launchCmd)

	launchCmd.Flags().StringVarP(&launchJobFile, "jobs-file", "f", "jobs.yaml", "Job file path")
	launchCmd.Flags().StringVarP(&launchRemote, "remote", "r", model.LocalRemoteName, "Configured remote to run on")
	launchCmd.Flags().IntSliceVarP(&launchJobIndices, "jobs", "j", nil, "Run only these jobs (1-based indices)")
	launchCmd.Flags().StringVarP(&launchProgram, "program", "p", "", "Program handler (default: from the job file)")
	launchCmd.Flags().StringSliceVarP(&launchUpload, "upload", "u", nil, "Upload only these folders instead of the whole working directory")
	launchCmd.Flags().BoolVar(&launchModulePurge, "module-purge", false, "Run 'module purge' before loading modules")
	launchCmd.Flags().StringVar(&launchFlowID, "flow-id", "", "Flow ID used to name the remote folder")
	launchCmd.Flags().StringVar(&launchFlowName, "flow-name", "", "Flow name (default: job file name)")
	launchCmd.Flags().StringVarP(&launchWorkDir, "workdir", "w", ".", "Local working directory")
	launchCmd.Flags().BoolVar(&launchWait, "wait", false, "Wait for batch jobs to finish")
	launchCmd.Flags().BoolVar(&launchDownload, "download", false, "Wait, then download the results")
	launchCmd.Flags().StringVarP(&launchStateOut, "state-out", "o", "", "Also write the dispatch state to this file (json or yaml)")
	addBlockFlags(launchCmd)
}

func runLaunch() error {
	fmt.Println("□ Loading job file...")
	spec, err := loader.LoadJobSpec(launchJobFile)
	if err != nil {
		return fmt.Errorf("failed to load job file: %w", err)
	}

	selected, err := loader.SelectJobs(spec.Commands, launchJobIndices)
	if err != nil {
		return err
	}
	selectedSpec := model.JobSpec{Commands: selected}

	program := spec.Program
	if launchProgram != "" {
		program = launchProgram
	}
	uploads := spec.UploadFolders
	if len(launchUpload) > 0 {
		uploads = launchUpload
	}

	settings, err := blockSettings()
	if err != nil {
		return err
	}
	workDir, err := absDir(launchWorkDir)
	if err != nil {
		return err
	}
	target, err := lookupRemote(launchRemote)
	if err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()

	r, err := dialRemote(ctx, target)
	if err != nil {
		return err
	}
	defer r.Close()

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	flowName := launchFlowName
	if flowName == "" {
		flowName = spec.Name
	}
	d := newDispatcher(r, st, workDir, settings)
	d.FlowName = flowName
	d.FlowID = flowID(launchFlowID, flowName)

	fmt.Printf("□ Launching %d job(s) of %s...\n", len(selected), program)
	dctx, err := d.Launch(ctx, dispatch.LaunchRequest{
		Jobs:          selectedSpec.Lines(),
		Program:       program,
		UploadFolders: uploads,
		ModulePurge:   launchModulePurge || spec.ModulePurge,
	})
	if dctx != nil && launchStateOut != "" {
		if writeErr := render.NewRenderer().WriteContext(dctx, launchStateOut); writeErr != nil {
			logger.WithError(writeErr).Warn("failed to write state file")
		}
	}
	if err != nil {
		return err
	}

	fmt.Printf("✓ Run %s on %s (%s)\n", dctx.RunID, dctx.Remote.Name, dctx.Cluster)
	if len(dctx.JobIDs) > 0 {
		fmt.Printf("✓ Submitted batch job(s): %s\n", strings.Join(dctx.JobIDs, ", "))
	}
	if launchStateOut != "" {
		fmt.Printf("✓ State saved to: %s\n", launchStateOut)
	}

	if !launchWait && !launchDownload {
		return nil
	}

	if dctx.Cluster.IsHPC() {
		opts, err := waitOptions()
		if err != nil {
			return err
		}
		fmt.Println("□ Waiting for batch jobs...")
		if err := d.Wait(ctx, dctx, opts); err != nil {
			return err
		}
		fmt.Println("✓ Batch jobs completed")
	}

	if launchDownload {
		fmt.Println("□ Downloading results...")
		path, err := d.Download(ctx, dctx)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Results in: %s\n", path)
	}
	return nil
}

// flowID falls back to the flow name with anything unsafe for a folder name removed.
func flowID(explicit, flowName string) string {
	if explicit != "" {
		return explicit
	}
	id := flowIDPattern.ReplaceAllString(strings.ToLower(flowName), "")
	if id == "" {
		return "eapm"
	}
	return id
}
