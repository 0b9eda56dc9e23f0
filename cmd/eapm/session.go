package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sourceplane/eapm/internal/cluster"
	"github.com/sourceplane/eapm/internal/dispatch"
	"github.com/sourceplane/eapm/internal/loader"
	"github.com/sourceplane/eapm/internal/model"
	"github.com/sourceplane/eapm/internal/remote"
	"github.com/sourceplane/eapm/internal/render"
	"github.com/sourceplane/eapm/internal/store"
	"github.com/spf13/cobra"
)

// Block overrides shared by launch and script
var (
	blockPartition  string
	blockCPUs       int
	blockFolderName string
	blockScriptName string
	blockEnv        []string
	blockKeepRemote bool
)

func addBlockFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&blockPartition, "partition", "", "Slurm partition")
	cmd.Flags().IntVar(&blockCPUs, "cpus", 0, "CPUs per task")
	cmd.Flags().StringVar(&blockFolderName, "folder-name", "", "Simulation name (default: flow name, lower-cased, no spaces)")
	cmd.Flags().StringVar(&blockScriptName, "script-name", "", "Generated script name")
	cmd.Flags().StringArrayVar(&blockEnv, "env", nil, "Environment variable KEY=VALUE exported before the jobs (repeatable)")
	cmd.Flags().BoolVar(&blockKeepRemote, "keep-remote", false, "Keep the remote folder after download")
}

// blockSettings merges the configured block with command-line overrides.
func blockSettings() (model.Settings, error) {
	s := cfg.Block
	if blockPartition != "" {
		s.Partition = blockPartition
	}
	if blockCPUs > 0 {
		s.CPUs = blockCPUs
	}
	if blockFolderName != "" {
		s.FolderName = blockFolderName
	}
	if blockScriptName != "" {
		s.ScriptName = blockScriptName
	}
	if blockKeepRemote {
		keep := false
		s.RemoveFolderOnFinish = &keep
	}

	env := make(map[string]string, len(cfg.Block.Environment)+len(blockEnv))
	for k, v := range cfg.Block.Environment {
		env[k] = v
	}
	overrides, err := loader.ParseEnvAssignments(blockEnv)
	if err != nil {
		return s, err
	}
	for k, v := range overrides {
		env[k] = v
	}
	s.Environment = env
	return s, nil
}

func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newResolver() *cluster.Resolver {
	return cluster.NewResolver(cfg.Families, cfg.Workstations)
}

func lookupRemote(name string) (model.RemoteTarget, error) {
	target, ok := cfg.Remote(name)
	if !ok {
		return model.RemoteTarget{}, fmt.Errorf("remote %q is not configured", name)
	}
	return target, nil
}

func dialRemote(ctx context.Context, target model.RemoteTarget) (remote.Remote, error) {
	if !target.IsLocal() {
		fmt.Printf("□ Connecting to %s (%s)...\n", target.Name, target.Host)
	}
	r, err := remote.Dial(ctx, target, remote.Options{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target.Name, err)
	}
	return r, nil
}

func openStore() (*store.Store, error) {
	st, err := store.Open(cfg.State.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open dispatch state: %w", err)
	}
	return st, nil
}

func newDispatcher(r remote.Remote, st *store.Store, localDir string, settings model.Settings) *dispatch.Dispatcher {
	d := dispatch.NewDispatcher(r, newResolver(), localDir, logger)
	d.Store = st
	d.Settings = settings
	d.Tools = cfg.Tools
	d.Stdout = os.Stdout
	d.Runner.Stdout = os.Stdout
	d.Runner.Stderr = os.Stderr
	return d
}

// loadDispatch finds a dispatch by run ID, or reads it from a state file.
func loadDispatch(st *store.Store, runID, stateFile string) (*model.DispatchContext, error) {
	switch {
	case runID != "":
		return st.Get(runID)
	case stateFile != "":
		return render.NewRenderer().ReadContext(stateFile)
	default:
		return nil, fmt.Errorf("either --run or --state is required")
	}
}

// reconnect dials the remote a dispatch ran on. Credentials come from the
// config; stored contexts never carry them.
func reconnect(ctx context.Context, dctx *model.DispatchContext) (remote.Remote, error) {
	target, ok := cfg.Remote(dctx.Remote.Name)
	if !ok {
		target = dctx.Remote
	}
	return dialRemote(ctx, target)
}

func absDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("failed to access working directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("working directory %s is not a directory", abs)
	}
	return abs, nil
}
