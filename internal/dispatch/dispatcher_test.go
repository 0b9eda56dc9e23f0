package dispatch

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourceplane/eapm/internal/cluster"
	"github.com/sourceplane/eapm/internal/model"
	"github.com/sourceplane/eapm/internal/remote"
	"github.com/sourceplane/eapm/internal/store"
	"github.com/stretchr/testify/require"
)

const workstationIP = "84.88.51.219"

func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(&bytes.Buffer{})
	return l
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func memoryStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	s, err := store.NewStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// newDispatcher wires a dispatcher whose remote is the filesystem transport.
func newDispatcher(t *testing.T, r remote.Remote, localDir string) (*Dispatcher, *bytes.Buffer) {
	t.Helper()
	d := NewDispatcher(r, cluster.NewResolver(nil, []string{workstationIP}), localDir, quietLogger())
	d.FlowID = "flow7"
	d.FlowName = "My Docking Flow"

	var stdout bytes.Buffer
	d.Stdout = &stdout
	d.Runner.Stdout = &stdout
	return d, &stdout
}

func workstation(remoteRoot string) *remote.FS {
	return remote.NewFS(model.RemoteTarget{Name: "cluster1", Host: workstationIP, WorkDir: remoteRoot}, quietLogger())
}

// batchRemote stands in for a Slurm login node: data moves through the
// filesystem, submissions and sacct queries are recorded.
type batchRemote struct {
	*remote.FS

	mu        sync.Mutex
	submitted []string
	polls     int
	sacct     func(poll int) string
}

func newBatchRemote(host, remoteRoot string) *batchRemote {
	return &batchRemote{
		FS: remote.NewFS(model.RemoteTarget{Name: "mn", Host: host, WorkDir: remoteRoot}, quietLogger()),
		sacct: func(int) string {
			return "COMPLETED\n"
		},
	}
}

func (b *batchRemote) SubmitJob(ctx context.Context, scriptPath string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitted = append(b.submitted, scriptPath)
	return strconv.Itoa(1000 + len(b.submitted)), nil
}

func (b *batchRemote) RemoteCommand(ctx context.Context, cmd string) (string, error) {
	if strings.HasPrefix(cmd, "sacct ") {
		b.mu.Lock()
		b.polls++
		poll := b.polls
		b.mu.Unlock()
		return b.sacct(poll), nil
	}
	return b.FS.RemoteCommand(ctx, cmd)
}

func TestLaunchRequiresJobs(t *testing.T) {
	d, _ := newDispatcher(t, remote.NewFS(model.RemoteTarget{Name: "local"}, nil), t.TempDir())
	_, err := d.Launch(context.Background(), LaunchRequest{Program: "generic"})
	require.ErrorIs(t, err, ErrNoJobs)
	require.EqualError(t, err, "No jobs selected")
}

func TestLaunchUnsupportedCluster(t *testing.T) {
	r := remote.NewFS(model.RemoteTarget{Name: "other", Host: "compute.example.org"}, nil)
	d, _ := newDispatcher(t, r, t.TempDir())
	_, err := d.Launch(context.Background(), LaunchRequest{Jobs: []string{"true"}, Program: "generic"})
	require.ErrorIs(t, err, cluster.ErrUnsupported)
}

func TestLaunchLocalEchoHi(t *testing.T) {
	requireBash(t)
	dir := t.TempDir()
	d, stdout := newDispatcher(t, remote.NewFS(model.RemoteTarget{Name: "local"}, nil), dir)

	dctx, err := d.Launch(context.Background(), LaunchRequest{Jobs: []string{"echo hi"}, Program: "generic"})
	require.NoError(t, err)
	require.Equal(t, model.ClusterLocal, dctx.Cluster)
	require.Equal(t, model.StatusCompleted, dctx.Status)
	require.Equal(t, "mydockingflow", dctx.SimulationName)
	require.Empty(t, dctx.RemoteDir)
	require.Contains(t, stdout.String(), "hi\n")

	script := readFile(t, filepath.Join(dir, model.DefaultScriptName))
	require.NotContains(t, script, "export ")

	before, err := os.ReadDir(dir)
	require.NoError(t, err)

	got, err := d.Download(context.Background(), dctx)
	require.NoError(t, err)
	require.Equal(t, dir, got)

	after, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Equal(t, len(before), len(after))
	require.Equal(t, model.StatusRetrieved, dctx.Status)
}

func TestLaunchLocalFailureCarriesStderr(t *testing.T) {
	requireBash(t)
	dir := t.TempDir()
	d, _ := newDispatcher(t, remote.NewFS(model.RemoteTarget{Name: "local"}, nil), dir)
	d.Store = memoryStore(t)

	dctx, err := d.Launch(context.Background(), LaunchRequest{Jobs: []string{"echo broken >&2"}, Program: "generic"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "broken")
	require.Equal(t, model.StatusFailed, dctx.Status)

	stored, err := d.Store.Get(dctx.RunID)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, stored.Status)
}

func TestWorkstationWholeFolderRoundTrip(t *testing.T) {
	requireBash(t)
	localDir := filepath.Join(t.TempDir(), "work")
	remoteRoot := t.TempDir()
	writeFile(t, filepath.Join(localDir, "input.txt"), "ligand A\n")
	writeFile(t, filepath.Join(localDir, "sub", "data.bin"), "\x00\x01\x02")

	d, _ := newDispatcher(t, workstation(remoteRoot), localDir)
	d.Store = memoryStore(t)
	d.now = func() time.Time { return time.Unix(1700000000, 0) }

	dctx, err := d.Launch(context.Background(), LaunchRequest{
		Jobs:    []string{"cat input.txt > copy.txt", "echo remote > sub/new.txt"},
		Program: "generic",
	})
	require.NoError(t, err)
	require.Equal(t, model.ClusterPowerpuff, dctx.Cluster)
	require.True(t, dctx.UploadedFolder)
	require.Equal(t, filepath.Join(remoteRoot, "flow7_1700000000"), dctx.RemoteContainer)
	require.Equal(t, filepath.Join(dctx.RemoteContainer, "work"), dctx.RemoteDir)
	require.FileExists(t, filepath.Join(dctx.RemoteDir, "copy.txt"))

	got, err := d.Download(context.Background(), dctx)
	require.NoError(t, err)
	require.Equal(t, localDir, got)

	require.Equal(t, "ligand A\n", readFile(t, filepath.Join(localDir, "input.txt")))
	require.Equal(t, "\x00\x01\x02", readFile(t, filepath.Join(localDir, "sub", "data.bin")))
	require.Equal(t, "ligand A\n", readFile(t, filepath.Join(localDir, "copy.txt")))
	require.Equal(t, "remote\n", readFile(t, filepath.Join(localDir, "sub", "new.txt")))
	require.NoDirExists(t, filepath.Join(localDir, "work"))
	require.NoDirExists(t, filepath.Join(localDir, ScratchDirName))
	require.NoDirExists(t, dctx.RemoteContainer)

	stored, err := d.Store.Get(dctx.RunID)
	require.NoError(t, err)
	require.Equal(t, model.StatusRetrieved, stored.Status)
}

func TestLocalNamedWorkstationDownloadsResults(t *testing.T) {
	requireBash(t)
	localDir := filepath.Join(t.TempDir(), "work")
	remoteRoot := t.TempDir()
	writeFile(t, filepath.Join(localDir, "input.txt"), "ligand B\n")

	r := remote.NewFS(model.RemoteTarget{Name: model.LocalRemoteName, Host: workstationIP, WorkDir: remoteRoot}, quietLogger())
	d, _ := newDispatcher(t, r, localDir)
	d.now = func() time.Time { return time.Unix(1700000000, 0) }

	dctx, err := d.Launch(context.Background(), LaunchRequest{Jobs: []string{"echo out > result.txt"}, Program: "generic"})
	require.NoError(t, err)
	require.Equal(t, model.ClusterPowerpuff, dctx.Cluster)
	require.True(t, dctx.UploadedFolder)
	require.FileExists(t, filepath.Join(dctx.RemoteDir, "result.txt"))
	require.NoFileExists(t, filepath.Join(localDir, "result.txt"))

	got, err := d.Download(context.Background(), dctx)
	require.NoError(t, err)
	require.Equal(t, localDir, got)
	require.Equal(t, "out\n", readFile(t, filepath.Join(localDir, "result.txt")))
	require.Equal(t, "ligand B\n", readFile(t, filepath.Join(localDir, "input.txt")))
	require.NoDirExists(t, filepath.Join(localDir, "work"))
	require.Equal(t, model.StatusRetrieved, dctx.Status)
}

func TestWorkstationPartialUpload(t *testing.T) {
	requireBash(t)
	localDir := filepath.Join(t.TempDir(), "work")
	remoteRoot := t.TempDir()
	writeFile(t, filepath.Join(localDir, "A", "a.txt"), "a")
	writeFile(t, filepath.Join(localDir, "B", "b.txt"), "b")
	writeFile(t, filepath.Join(localDir, "C", "c.txt"), "c")

	d, _ := newDispatcher(t, workstation(remoteRoot), localDir)
	keep := false
	d.Settings.RemoveFolderOnFinish = &keep

	dctx, err := d.Launch(context.Background(), LaunchRequest{
		Jobs:          []string{"echo done > A/result.txt"},
		Program:       "generic",
		UploadFolders: []string{"A", "B"},
	})
	require.NoError(t, err)
	require.False(t, dctx.UploadedFolder)
	require.Equal(t, dctx.RemoteContainer, dctx.RemoteDir)
	require.NoDirExists(t, filepath.Join(dctx.RemoteDir, "C"))

	_, err = d.Download(context.Background(), dctx)
	require.NoError(t, err)

	require.Equal(t, "done\n", readFile(t, filepath.Join(localDir, "A", "result.txt")))
	require.Equal(t, "b", readFile(t, filepath.Join(localDir, "B", "b.txt")))
	require.Equal(t, "c", readFile(t, filepath.Join(localDir, "C", "c.txt")))
	require.NoDirExists(t, filepath.Join(localDir, filepath.Base(dctx.RemoteContainer)))
	require.DirExists(t, dctx.RemoteContainer, "remote folder kept when removeFolderOnFinish is false")
}

func TestDownloadReplacesDirectories(t *testing.T) {
	requireBash(t)
	localDir := filepath.Join(t.TempDir(), "work")
	writeFile(t, filepath.Join(localDir, "out", "stale.txt"), "old")

	d, _ := newDispatcher(t, workstation(t.TempDir()), localDir)
	dctx, err := d.Launch(context.Background(), LaunchRequest{
		Jobs:    []string{"rm -rf out && mkdir out && echo new > out/fresh.txt"},
		Program: "generic",
	})
	require.NoError(t, err)

	// a file the remote never saw must not survive the directory replacement
	writeFile(t, filepath.Join(localDir, "out", "local-only.txt"), "x")

	_, err = d.Download(context.Background(), dctx)
	require.NoError(t, err)
	require.Equal(t, "new\n", readFile(t, filepath.Join(localDir, "out", "fresh.txt")))
	require.NoFileExists(t, filepath.Join(localDir, "out", "stale.txt"))
	require.NoFileExists(t, filepath.Join(localDir, "out", "local-only.txt"))
}

func TestDownloadCleansScratchOnError(t *testing.T) {
	localDir := t.TempDir()
	d, _ := newDispatcher(t, workstation(t.TempDir()), localDir)

	dctx := &model.DispatchContext{
		RunID:           "broken",
		Cluster:         model.ClusterPowerpuff,
		Remote:          d.Remote.Target(),
		LocalDir:        localDir,
		RemoteContainer: filepath.Join(t.TempDir(), "missing"),
	}
	_, err := d.Download(context.Background(), dctx)
	require.Error(t, err)
	require.NoDirExists(t, filepath.Join(localDir, ScratchDirName))
}

func TestWorkstationToolProbe(t *testing.T) {
	requireBash(t)

	t.Run("exported into the run", func(t *testing.T) {
		t.Setenv("EAPM_TEST_TOOL_HOME", "/opt/schrodinger")
		d, stdout := newDispatcher(t, workstation(t.TempDir()), filepath.Join(t.TempDir(), "work"))
		require.NoError(t, os.MkdirAll(d.LocalDir, 0755))
		d.Tools = map[string]string{"schrodinger": "EAPM_TEST_TOOL_HOME"}

		_, err := d.Launch(context.Background(), LaunchRequest{Jobs: []string{"echo tool=$EAPM_TEST_TOOL_HOME"}, Program: "schrodinger"})
		require.NoError(t, err)
		require.Contains(t, stdout.String(), "tool=/opt/schrodinger")
	})

	t.Run("missing tool", func(t *testing.T) {
		d, _ := newDispatcher(t, workstation(t.TempDir()), filepath.Join(t.TempDir(), "work"))
		require.NoError(t, os.MkdirAll(d.LocalDir, 0755))
		d.Tools = map[string]string{"schrodinger": "EAPM_TEST_TOOL_NEVER_SET"}

		dctx, err := d.Launch(context.Background(), LaunchRequest{Jobs: []string{"true"}, Program: "schrodinger"})
		require.ErrorIs(t, err, ErrMissingTool)
		require.Equal(t, model.StatusFailed, dctx.Status)
	})
}

func TestWorkstationJobFailure(t *testing.T) {
	requireBash(t)
	localDir := filepath.Join(t.TempDir(), "work")
	require.NoError(t, os.MkdirAll(localDir, 0755))

	d, _ := newDispatcher(t, workstation(t.TempDir()), localDir)
	_, err := d.Launch(context.Background(), LaunchRequest{Jobs: []string{"echo ok", "echo bad >&2"}, Program: "generic"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad")
}

func TestBatchSubmitAndWait(t *testing.T) {
	localDir := filepath.Join(t.TempDir(), "work")
	writeFile(t, filepath.Join(localDir, "input.txt"), "x")

	r := newBatchRemote("mn1.bsc.es", t.TempDir())
	r.sacct = func(poll int) string {
		if poll == 1 {
			return "RUNNING\nPENDING\n"
		}
		return "COMPLETED\nCOMPLETED\n"
	}
	d, _ := newDispatcher(t, r, localDir)
	d.Store = memoryStore(t)

	dctx, err := d.Launch(context.Background(), LaunchRequest{Jobs: []string{"run a", "run b"}, Program: "glide"})
	require.NoError(t, err)
	require.Equal(t, model.Cluster("marenostrum"), dctx.Cluster)
	require.Equal(t, model.StatusLaunched, dctx.Status)
	require.Equal(t, []string{"1001"}, dctx.JobIDs)
	require.Equal(t, []string{filepath.Join(dctx.RemoteDir, model.DefaultScriptName)}, r.submitted)

	script := readFile(t, filepath.Join(dctx.RemoteDir, model.DefaultScriptName))
	require.Contains(t, script, "#SBATCH --array=1-2")

	require.NoError(t, d.Wait(context.Background(), dctx, WaitOptions{Interval: 5 * time.Millisecond}))
	require.Equal(t, 2, r.polls)

	stored, err := d.Store.Get(dctx.RunID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, stored.Status)
}

func TestPeleSubmitsEachScript(t *testing.T) {
	localDir := filepath.Join(t.TempDir(), "work")
	require.NoError(t, os.MkdirAll(localDir, 0755))

	r := newBatchRemote("mn1.bsc.es", t.TempDir())
	d, _ := newDispatcher(t, r, localDir)

	dctx, err := d.Launch(context.Background(), LaunchRequest{Jobs: []string{"pele a.conf", "pele b.conf"}, Program: cluster.ProgramPele})
	require.NoError(t, err)
	require.Equal(t, []string{"1001", "1002"}, dctx.JobIDs)

	scriptsDir := filepath.Join(dctx.RemoteDir, model.DefaultScriptName+"_scripts")
	require.Equal(t, []string{
		filepath.Join(scriptsDir, "mydockingflow_1.sh"),
		filepath.Join(scriptsDir, "mydockingflow_2.sh"),
	}, r.submitted)
	for _, s := range r.submitted {
		require.FileExists(t, s)
	}
}

func TestPeleRejectedOnWorkstation(t *testing.T) {
	d, _ := newDispatcher(t, workstation(t.TempDir()), t.TempDir())
	_, err := d.Launch(context.Background(), LaunchRequest{Jobs: []string{"pele a.conf"}, Program: cluster.ProgramPele})
	require.ErrorIs(t, err, cluster.ErrPeleCluster)
}

func TestWaitOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		sacct   func(int) string
		timeout time.Duration
		wantErr error
	}{
		{
			name:    "failed job",
			sacct:   func(int) string { return "COMPLETED\nFAILED\n" },
			wantErr: ErrJobFailed,
		},
		{
			name:    "cancelled job",
			sacct:   func(int) string { return "CANCELLED by 1234\n" },
			wantErr: ErrJobFailed,
		},
		{
			name:    "never finishes",
			sacct:   func(int) string { return "PENDING\n" },
			timeout: 30 * time.Millisecond,
			wantErr: ErrWaitTimeout,
		},
		{
			name: "not yet in accounting",
			sacct: func(poll int) string {
				if poll < 3 {
					return ""
				}
				return "COMPLETED\n"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newBatchRemote("glogin1.bsc.es", t.TempDir())
			r.sacct = tt.sacct
			d, _ := newDispatcher(t, r, t.TempDir())

			dctx := &model.DispatchContext{RunID: "run", Cluster: "marenostrum", JobIDs: []string{"42"}}
			err := d.Wait(context.Background(), dctx, WaitOptions{Interval: 5 * time.Millisecond, Timeout: tt.timeout})
			if tt.wantErr == nil {
				require.NoError(t, err)
				require.Equal(t, model.StatusCompleted, dctx.Status)
				return
			}
			require.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestWaitSkipsNonBatchDispatches(t *testing.T) {
	r := newBatchRemote(workstationIP, t.TempDir())
	d, _ := newDispatcher(t, r, t.TempDir())
	dctx := &model.DispatchContext{Cluster: model.ClusterPowerpuff, Status: model.StatusCompleted}
	require.NoError(t, d.Wait(context.Background(), dctx, WaitOptions{}))
	require.Zero(t, r.polls)
}

func TestSimulationName(t *testing.T) {
	d := &Dispatcher{FlowName: "Protein Design Run"}
	require.Equal(t, "proteindesignrun", d.SimulationName())
	d.Settings.FolderName = "custom"
	require.Equal(t, "custom", d.SimulationName())
	require.Equal(t, model.DefaultScriptName, d.ScriptName())
}
