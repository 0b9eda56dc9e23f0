package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sourceplane/eapm/internal/cluster"
	"github.com/sourceplane/eapm/internal/logging"
	"github.com/sourceplane/eapm/internal/materialize"
	"github.com/sourceplane/eapm/internal/model"
	"github.com/sourceplane/eapm/internal/remote"
	"github.com/sourceplane/eapm/internal/runner"
	"github.com/sourceplane/eapm/internal/store"
)

var (
	ErrNoJobs      = errors.New("No jobs selected")
	ErrMissingTool = errors.New("required tool not found on remote")
	ErrJobFailed   = errors.New("batch job failed")
	ErrWaitTimeout = errors.New("timed out waiting for batch jobs")
)

// LaunchRequest is what a tool block hands over for dispatch
type LaunchRequest struct {
	Jobs          []string
	Program       string
	UploadFolders []string
	ModulePurge   bool
}

// Dispatcher launches jobs against one remote and retrieves their results.
type Dispatcher struct {
	Remote   remote.Remote
	Resolver *cluster.Resolver
	Runner   *runner.Runner
	Store    *store.Store
	Settings model.Settings
	// Tools maps a program to the environment variable holding its install
	// path on the workstations.
	Tools    map[string]string
	LocalDir string
	FlowID   string
	FlowName string
	Stdout   io.Writer
	Logger   logrus.FieldLogger

	now func() time.Time
}

func NewDispatcher(r remote.Remote, resolver *cluster.Resolver, localDir string, logger logrus.FieldLogger) *Dispatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Dispatcher{
		Remote:   r,
		Resolver: resolver,
		Runner:   runner.NewRunner(localDir, io.Discard, io.Discard, logger),
		LocalDir: localDir,
		Stdout:   io.Discard,
		Logger:   logger,
		now:      time.Now,
	}
}

// SimulationName is the configured folder name or the flow name lower-cased without spaces
func (d *Dispatcher) SimulationName() string {
	if d.Settings.FolderName != "" {
		return d.Settings.FolderName
	}
	return strings.ToLower(strings.ReplaceAll(d.FlowName, " ", ""))
}

// ScriptName is the configured script name or the default
func (d *Dispatcher) ScriptName() string {
	if d.Settings.ScriptName != "" {
		return d.Settings.ScriptName
	}
	return model.DefaultScriptName
}

// Launch materializes the jobs and starts them on the resolved cluster.
// Local and workstation runs complete before Launch returns; batch jobs are
// only submitted (see Wait).
func (d *Dispatcher) Launch(ctx context.Context, req LaunchRequest) (*model.DispatchContext, error) {
	if len(req.Jobs) == 0 {
		return nil, ErrNoJobs
	}

	target := d.Remote.Target()
	tag, err := d.Resolver.Resolve(target.Name, target.Host, req.Program)
	if err != nil {
		return nil, err
	}

	dctx := &model.DispatchContext{
		RunID:                uuid.NewString(),
		FlowID:               d.FlowID,
		SimulationName:       d.SimulationName(),
		ScriptName:           d.ScriptName(),
		Program:              req.Program,
		Cluster:              tag,
		Remote:               target,
		LocalDir:             d.LocalDir,
		RemoveFolderOnFinish: d.Settings.RemoveRemote(),
		Status:               model.StatusLaunched,
	}
	logger := logging.ForRun(d.Logger, dctx.RunID).WithFields(logrus.Fields{
		"cluster": tag,
		"remote":  target.Name,
	})

	family, _ := d.Resolver.Family(tag)
	art, err := materialize.NewMaterializer(d.LocalDir).Materialize(materialize.Request{
		Jobs:        req.Jobs,
		Cluster:     tag,
		Family:      family,
		Program:     req.Program,
		JobName:     dctx.SimulationName,
		ScriptName:  dctx.ScriptName,
		Partition:   d.Settings.Partition,
		CPUs:        d.Settings.CPUs,
		ModulePurge: req.ModulePurge,
		Env:         d.Settings.Environment,
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("materialized %d job(s) into %s", len(req.Jobs), art.Script)

	if !cluster.IsRemote(tag) {
		err = d.runLocal(ctx, dctx, art)
	} else {
		err = d.runRemote(ctx, dctx, art, req, logger)
	}
	if err != nil {
		dctx.Status = model.StatusFailed
		if saveErr := d.save(dctx); saveErr != nil {
			logger.WithError(saveErr).Warn("failed to record failed dispatch")
		}
		return dctx, err
	}

	if err := d.save(dctx); err != nil {
		return dctx, err
	}
	logger.WithField("jobs", len(dctx.JobIDs)).Info("dispatch launched")
	return dctx, nil
}

func (d *Dispatcher) runLocal(ctx context.Context, dctx *model.DispatchContext, art *materialize.Artifacts) error {
	if err := d.Runner.RunScript(ctx, art.Script, d.Settings.Environment); err != nil {
		return err
	}
	dctx.Status = model.StatusCompleted
	return nil
}

func (d *Dispatcher) runRemote(ctx context.Context, dctx *model.DispatchContext, art *materialize.Artifacts, req LaunchRequest, logger logrus.FieldLogger) error {
	container := path.Join(dctx.Remote.WorkDir, fmt.Sprintf("%s_%d", d.FlowID, d.clock().Unix()))
	if _, err := d.Remote.RemoteCommand(ctx, "mkdir -p "+shellescape.Quote(container)); err != nil {
		return fmt.Errorf("failed to create remote directory %s: %w", container, err)
	}
	dctx.RemoteContainer = container
	dctx.RemoteDir = container

	if len(req.UploadFolders) > 0 {
		for _, folder := range req.UploadFolders {
			if _, err := d.Remote.SendData(ctx, d.localPath(folder), container); err != nil {
				return fmt.Errorf("failed to upload %s: %w", folder, err)
			}
		}
	} else {
		landed, err := d.Remote.SendData(ctx, d.LocalDir, container)
		if err != nil {
			return fmt.Errorf("failed to upload working directory: %w", err)
		}
		dctx.RemoteDir = landed
		dctx.UploadedFolder = true
	}
	logger.WithField("remote_dir", dctx.RemoteDir).Debug("inputs uploaded")

	if err := d.uploadScripts(ctx, dctx.ScriptName, dctx.RemoteDir); err != nil {
		return err
	}

	if dctx.Cluster == model.ClusterPowerpuff {
		return d.runWorkstation(ctx, dctx, req.Program)
	}

	var scripts []string
	if req.Program == cluster.ProgramPele {
		for _, s := range art.PeleScripts {
			scripts = append(scripts, path.Join(dctx.RemoteDir, dctx.ScriptName+"_scripts", filepath.Base(s)))
		}
	} else {
		scripts = []string{path.Join(dctx.RemoteDir, dctx.ScriptName)}
	}
	for _, script := range scripts {
		id, err := d.Remote.SubmitJob(ctx, script)
		if err != nil {
			return err
		}
		logger.WithField("job_id", id).Infof("submitted %s", path.Base(script))
		dctx.JobIDs = append(dctx.JobIDs, id)
	}
	return nil
}

// uploadScripts sends every <scriptName>* artifact next to the inputs.
func (d *Dispatcher) uploadScripts(ctx context.Context, scriptName, remoteDir string) error {
	matches, err := filepath.Glob(filepath.Join(d.LocalDir, scriptName+"*"))
	if err != nil {
		return err
	}
	sort.Strings(matches)
	for _, m := range matches {
		if _, err := d.Remote.SendData(ctx, m, remoteDir); err != nil {
			return fmt.Errorf("failed to upload %s: %w", filepath.Base(m), err)
		}
	}
	return nil
}

// runWorkstation runs the hook script over the command channel and waits for it.
func (d *Dispatcher) runWorkstation(ctx context.Context, dctx *model.DispatchContext, program string) error {
	command := "cd " + shellescape.Quote(dctx.RemoteDir)

	if toolVar, ok := d.Tools[program]; ok && toolVar != "" {
		out, err := d.Remote.RemoteCommand(ctx, "echo $"+toolVar)
		if err != nil {
			return fmt.Errorf("failed to probe %s: %w", toolVar, err)
		}
		toolPath := strings.TrimSpace(out)
		if toolPath == "" {
			return fmt.Errorf("%w: $%s is not set on %s", ErrMissingTool, toolVar, dctx.Remote.Name)
		}
		command += fmt.Sprintf(" && export %s=%s", toolVar, shellescape.Quote(toolPath))
	}
	command += " && bash " + shellescape.Quote(dctx.ScriptName)

	out, err := d.Remote.RemoteCommand(ctx, command)
	if out != "" {
		fmt.Fprint(d.Stdout, out)
	}
	if err != nil {
		return fmt.Errorf("calculation failed on %s: %w", dctx.Remote.Name, err)
	}
	dctx.Status = model.StatusCompleted
	return nil
}

func (d *Dispatcher) localPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(d.LocalDir, p)
}

func (d *Dispatcher) save(dctx *model.DispatchContext) error {
	if d.Store == nil {
		return nil
	}
	return d.Store.Save(dctx)
}

func (d *Dispatcher) setStatus(dctx *model.DispatchContext, status string) error {
	dctx.Status = status
	dctx.UpdatedAt = d.clock().UTC()
	if d.Store == nil {
		return nil
	}
	err := d.Store.UpdateStatus(dctx.RunID, status)
	if errors.Is(err, store.ErrNotFound) {
		// contexts read back from a state file may never have been stored here
		return d.Store.Save(dctx)
	}
	return err
}

func (d *Dispatcher) clock() time.Time {
	if d.now == nil {
		return time.Now()
	}
	return d.now()
}
