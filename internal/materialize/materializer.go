package materialize

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/sourceplane/eapm/internal/cluster"
	"github.com/sourceplane/eapm/internal/model"
)

var (
	ErrNoProgram = errors.New("no program handler for job")
	ErrNoCluster = errors.New("cannot materialize jobs for unsupported cluster")

	envKeyPattern   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	fragmentPattern = regexp.MustCompile(`_[0-9]+(\.out|\.err)?$`)
)

// Request describes what to generate for one dispatch
type Request struct {
	Jobs        []string
	Cluster     model.Cluster
	Family      model.Family
	Program     string
	JobName     string
	ScriptName  string
	Partition   string
	CPUs        int
	ModulePurge bool
	Env         map[string]string
}

// Artifacts lists what was written, as absolute paths
type Artifacts struct {
	Script      string
	Fragments   []string
	ScriptsDir  string
	PeleScripts []string
}

// Materializer writes run scripts into a working directory
type Materializer struct {
	Dir string
}

func NewMaterializer(dir string) *Materializer {
	return &Materializer{Dir: dir}
}

// Materialize generates the scripts the cluster backend needs
func (m *Materializer) Materialize(req Request) (*Artifacts, error) {
	if len(req.Jobs) == 0 {
		return nil, fmt.Errorf("nothing to materialize: empty job list")
	}
	if req.Program == "" {
		return nil, ErrNoProgram
	}
	if req.ScriptName == "" {
		req.ScriptName = model.DefaultScriptName
	}
	if req.JobName == "" {
		req.JobName = strings.TrimSuffix(req.ScriptName, filepath.Ext(req.ScriptName))
	}

	exports, err := exportLines(req.Env)
	if err != nil {
		return nil, err
	}

	if err := m.clean(req.ScriptName); err != nil {
		return nil, err
	}

	switch {
	case req.Cluster == model.ClusterLocal || req.Cluster == model.ClusterPowerpuff:
		return m.writeHook(req, exports)
	case req.Cluster.IsHPC() && req.Program == cluster.ProgramPele:
		return m.writePeleScripts(req, exports)
	case req.Cluster.IsHPC():
		return m.writeJobArray(req, exports)
	default:
		return nil, fmt.Errorf("%w: %q", ErrNoCluster, req.Cluster)
	}
}

// writeHook emits one fragment per job and the sequential runner script.
func (m *Materializer) writeHook(req Request, exports []string) (*Artifacts, error) {
	art := &Artifacts{Script: filepath.Join(m.Dir, req.ScriptName)}

	for i, job := range req.Jobs {
		path := filepath.Join(m.Dir, fmt.Sprintf("%s_%d", req.ScriptName, i))
		if err := writeScript(path, "#!/bin/bash\n"+job+"\n"); err != nil {
			return nil, err
		}
		art.Fragments = append(art.Fragments, path)
	}

	var sb strings.Builder
	sb.WriteString("#!/bin/bash\n")
	for _, line := range exports {
		sb.WriteString(line + "\n")
	}
	sb.WriteString("\n")
	sb.WriteString(HookBody(req.ScriptName))

	if err := writeScript(art.Script, sb.String()); err != nil {
		return nil, err
	}
	return art, nil
}

// writeJobArray emits a single Slurm array script, one branch per job.
func (m *Materializer) writeJobArray(req Request, exports []string) (*Artifacts, error) {
	art := &Artifacts{Script: filepath.Join(m.Dir, req.ScriptName)}

	var sb strings.Builder
	sb.WriteString(slurmHeader(req, req.JobName, req.JobName+"_%A_%a", len(req.Jobs)))
	sb.WriteString(prologue(req, exports))
	for i, job := range req.Jobs {
		fmt.Fprintf(&sb, "if [[ $SLURM_ARRAY_TASK_ID = %d ]]; then\n", i+1)
		sb.WriteString(indent(job))
		sb.WriteString("fi\n\n")
	}

	if err := writeScript(art.Script, sb.String()); err != nil {
		return nil, err
	}
	return art, nil
}

// writePeleScripts emits one standalone sbatch script per job in <script>_scripts.
func (m *Materializer) writePeleScripts(req Request, exports []string) (*Artifacts, error) {
	art := &Artifacts{ScriptsDir: filepath.Join(m.Dir, req.ScriptName+"_scripts")}
	if err := os.MkdirAll(art.ScriptsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scripts directory: %w", err)
	}

	for i, job := range req.Jobs {
		name := fmt.Sprintf("%s_%d", req.JobName, i+1)
		var sb strings.Builder
		sb.WriteString(slurmHeader(req, name, name+"_%j", 0))
		sb.WriteString(prologue(req, exports))
		sb.WriteString(job + "\n")

		path := filepath.Join(art.ScriptsDir, name+".sh")
		if err := writeScript(path, sb.String()); err != nil {
			return nil, err
		}
		art.PeleScripts = append(art.PeleScripts, path)
	}

	// Entry point that submits every per-job script by hand.
	art.Script = filepath.Join(m.Dir, req.ScriptName)
	var sb strings.Builder
	sb.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&sb, "for script in %s/*.sh; do\n    sbatch \"$script\"\ndone\n", shellescape.Quote(req.ScriptName+"_scripts"))
	if err := writeScript(art.Script, sb.String()); err != nil {
		return nil, err
	}

	return art, nil
}

// clean removes artifacts left over from a previous materialization.
func (m *Materializer) clean(scriptName string) error {
	matches, err := filepath.Glob(filepath.Join(m.Dir, globEscape(scriptName)+"_*"))
	if err != nil {
		return err
	}
	for _, path := range matches {
		base := strings.TrimPrefix(filepath.Base(path), scriptName)
		if base == "_scripts" || fragmentPattern.MatchString(base) {
			if err := os.RemoveAll(path); err != nil {
				return fmt.Errorf("failed to remove stale artifact %s: %w", path, err)
			}
		}
	}
	if err := os.Remove(filepath.Join(m.Dir, scriptName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale script: %w", err)
	}
	return nil
}

func slurmHeader(req Request, jobName, logName string, arraySize int) string {
	var sb strings.Builder
	sb.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&sb, "#SBATCH --job-name=%s\n", jobName)
	fmt.Fprintf(&sb, "#SBATCH --output=%s.out\n", logName)
	fmt.Fprintf(&sb, "#SBATCH --error=%s.err\n", logName)
	sb.WriteString("#SBATCH --ntasks=1\n")
	if req.CPUs > 0 {
		fmt.Fprintf(&sb, "#SBATCH --cpus-per-task=%d\n", req.CPUs)
	}
	if req.Partition != "" {
		fmt.Fprintf(&sb, "#SBATCH --partition=%s\n", req.Partition)
	}
	if req.Family.QOS != "" {
		fmt.Fprintf(&sb, "#SBATCH --qos=%s\n", req.Family.QOS)
	}
	if req.Family.Account != "" {
		fmt.Fprintf(&sb, "#SBATCH --account=%s\n", req.Family.Account)
	}
	if req.Family.Time != "" {
		fmt.Fprintf(&sb, "#SBATCH --time=%s\n", req.Family.Time)
	}
	if arraySize > 0 {
		fmt.Fprintf(&sb, "#SBATCH --array=1-%d\n", arraySize)
	}
	sb.WriteString("\n")
	return sb.String()
}

func prologue(req Request, exports []string) string {
	var sb strings.Builder
	if req.ModulePurge {
		sb.WriteString("module purge\n")
	}
	for _, mod := range req.Family.Modules[req.Program] {
		fmt.Fprintf(&sb, "module load %s\n", mod)
	}
	for _, line := range exports {
		sb.WriteString(line + "\n")
	}
	sb.WriteString("\n")
	return sb.String()
}

func exportLines(env map[string]string) ([]string, error) {
	keys := make([]string, 0, len(env))
	for k := range env {
		if !envKeyPattern.MatchString(k) {
			return nil, fmt.Errorf("invalid environment variable name %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("export %s=%s", k, shellescape.Quote(env[k])))
	}
	return lines, nil
}

func indent(job string) string {
	var sb strings.Builder
	for _, line := range strings.Split(strings.TrimRight(job, "\n"), "\n") {
		sb.WriteString("    " + line + "\n")
	}
	return sb.String()
}

func globEscape(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `\`, `\\`)
	return r.Replace(s)
}

func writeScript(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0755); err != nil {
		return fmt.Errorf("failed to write script %s: %w", path, err)
	}
	return nil
}
