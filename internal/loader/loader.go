package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/shlex"
	"github.com/joho/godotenv"
	"github.com/sourceplane/eapm/internal/model"
	"github.com/sourceplane/eapm/internal/schema"
	"gopkg.in/yaml.v3"
)

const (
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "text"
	DefaultWaitInterval = "30s"
)

// LoadConfig reads, validates and decodes a configuration file. An empty
// path yields the defaults.
func LoadConfig(path string) (*model.Config, error) {
	if path == "" {
		cfg := &model.Config{}
		if err := ApplyDefaults(cfg, ""); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data, filepath.Dir(path))
}

// ParseConfig decodes a configuration document. Relative file references
// (envFile) resolve against baseDir.
func ParseConfig(data []byte, baseDir string) (*model.Config, error) {
	if err := validate(data, (*schema.Validator).ValidateConfig); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := ApplyDefaults(&cfg, baseDir); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset sections and merges block.envFile into the environment
func ApplyDefaults(cfg *model.Config, baseDir string) error {
	if cfg.Families == nil {
		cfg.Families = model.DefaultFamilies()
	}
	for i := range cfg.Remotes {
		if cfg.Remotes[i].Port == 0 && !cfg.Remotes[i].IsLocal() {
			cfg.Remotes[i].Port = 22
		}
	}
	if cfg.Block.ScriptName == "" {
		cfg.Block.ScriptName = model.DefaultScriptName
	}
	if cfg.State.Database == "" {
		cfg.State.Database = DefaultDatabasePath()
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
	if cfg.Wait.Interval == "" {
		cfg.Wait.Interval = DefaultWaitInterval
	}
	if _, _, err := cfg.Wait.Durations(); err != nil {
		return err
	}

	if cfg.Block.EnvFile != "" {
		envFile := cfg.Block.EnvFile
		if !filepath.IsAbs(envFile) && baseDir != "" {
			envFile = filepath.Join(baseDir, envFile)
		}
		if err := MergeEnvFile(&cfg.Block, envFile); err != nil {
			return err
		}
	}
	return nil
}

// DefaultDatabasePath keeps dispatch state outside any working directory
// that might be uploaded whole.
func DefaultDatabasePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".eapm", "state.db")
	}
	return filepath.Join(dir, "eapm", "state.db")
}

// MergeEnvFile reads a dotenv file without touching the process environment.
// Keys already in settings.Environment win.
func MergeEnvFile(settings *model.Settings, path string) error {
	values, err := godotenv.Read(path)
	if err != nil {
		return fmt.Errorf("failed to read env file %s: %w", path, err)
	}
	if settings.Environment == nil {
		settings.Environment = make(map[string]string, len(values))
	}
	for k, v := range values {
		if _, set := settings.Environment[k]; !set {
			settings.Environment[k] = v
		}
	}
	return nil
}

// ParseEnvAssignments turns KEY=VALUE flags into a map
func ParseEnvAssignments(assignments []string) (map[string]string, error) {
	env := make(map[string]string, len(assignments))
	for _, a := range assignments {
		key, value, ok := strings.Cut(a, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid environment assignment %q, expected KEY=VALUE", a)
		}
		env[strings.TrimSpace(key)] = value
	}
	return env, nil
}

// LoadJobSpec loads and validates a job file
func LoadJobSpec(path string) (*model.JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	return ParseJobSpec(data)
}

// ParseJobSpec decodes a job document and checks every command parses as shell words
func ParseJobSpec(data []byte) (*model.JobSpec, error) {
	if err := validate(data, (*schema.Validator).ValidateJobSpec); err != nil {
		return nil, fmt.Errorf("invalid job file: %w", err)
	}

	var spec model.JobSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse job YAML: %w", err)
	}

	if err := ValidateCommands(spec.Commands); err != nil {
		return nil, err
	}
	return &spec, nil
}

// ValidateCommands rejects commands that are empty or not valid shell words
// (unbalanced quotes, dangling escapes).
func ValidateCommands(cmds []model.Command) error {
	for i, c := range cmds {
		if len(c.Args) > 0 {
			continue
		}
		words, err := shlex.Split(c.Run)
		if err != nil {
			return fmt.Errorf("job %d: cannot parse %q: %w", i+1, c.Run, err)
		}
		if len(words) == 0 {
			return fmt.Errorf("job %d: empty command", i+1)
		}
	}
	return nil
}

// SelectJobs picks jobs by 1-based index. No indices keeps every job.
func SelectJobs(cmds []model.Command, indices []int) ([]model.Command, error) {
	if len(indices) == 0 {
		return cmds, nil
	}
	selected := make([]model.Command, 0, len(indices))
	for _, i := range indices {
		if i < 1 || i > len(cmds) {
			return nil, fmt.Errorf("job index %d out of range (1-%d)", i, len(cmds))
		}
		selected = append(selected, cmds[i-1])
	}
	return selected, nil
}

func validate(data []byte, check func(*schema.Validator, interface{}) error) error {
	v, err := schema.NewValidator()
	if err != nil {
		return err
	}
	doc, err := schema.Decode(data)
	if err != nil {
		return err
	}
	return check(v, doc)
}
