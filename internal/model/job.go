package model

import (
	"strings"

	"al.essio.dev/pkg/shellescape"
)

// JobSpec is the set of commands a tool block hands over for dispatch
type JobSpec struct {
	Name          string    `yaml:"name" json:"name"`
	Program       string    `yaml:"program" json:"program"`
	Commands      []Command `yaml:"jobs" json:"jobs"`
	UploadFolders []string  `yaml:"uploadFolders,omitempty" json:"uploadFolders,omitempty"`
	ModulePurge   bool      `yaml:"modulePurge,omitempty" json:"modulePurge,omitempty"`
}

// Command is a single job entry. Either Run (a shell line) or Args (argv) is set.
type Command struct {
	Run  string   `yaml:"run,omitempty" json:"run,omitempty"`
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`
}

// UnmarshalYAML accepts both the plain string form and the {run|args} mapping.
func (c *Command) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var line string
	if err := unmarshal(&line); err == nil {
		c.Run = line
		return nil
	}

	type plain Command
	var p plain
	if err := unmarshal(&p); err != nil {
		return err
	}
	*c = Command(p)
	return nil
}

// Shell renders the command as one script line. Args are quoted.
func (c Command) Shell() string {
	if len(c.Args) > 0 {
		return shellescape.QuoteCommand(c.Args)
	}
	return strings.TrimSpace(c.Run)
}

// Lines renders every command of the spec.
func (j *JobSpec) Lines() []string {
	lines := make([]string, 0, len(j.Commands))
	for _, c := range j.Commands {
		lines = append(lines, c.Shell())
	}
	return lines
}

// RunCommands wraps plain shell lines into commands
func RunCommands(lines ...string) []Command {
	cmds := make([]Command, 0, len(lines))
	for _, l := range lines {
		cmds = append(cmds, Command{Run: l})
	}
	return cmds
}
