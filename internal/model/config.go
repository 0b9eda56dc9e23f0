package model

import (
	"fmt"
	"time"
)

// Config is the top-level eapm configuration document
type Config struct {
	Remotes      []RemoteTarget    `yaml:"remotes" json:"remotes"`
	Workstations []string          `yaml:"workstations" json:"workstations"`
	Families     []Family          `yaml:"families" json:"families"`
	Tools        map[string]string `yaml:"tools" json:"tools"`
	Block        Settings          `yaml:"block" json:"block"`
	State        StateConfig       `yaml:"state" json:"state"`
	Log          LogConfig         `yaml:"log" json:"log"`
	Wait         WaitConfig        `yaml:"wait" json:"wait"`
}

type StateConfig struct {
	Database string `yaml:"database" json:"database"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// WaitConfig durations use Go duration syntax ("30s", "2h")
type WaitConfig struct {
	Interval string `yaml:"interval" json:"interval"`
	Timeout  string `yaml:"timeout" json:"timeout"`
}

// Durations parses the interval and timeout. Empty values are zero.
func (w WaitConfig) Durations() (interval, timeout time.Duration, err error) {
	if w.Interval != "" {
		if interval, err = time.ParseDuration(w.Interval); err != nil {
			return 0, 0, fmt.Errorf("invalid wait interval %q: %w", w.Interval, err)
		}
	}
	if w.Timeout != "" {
		if timeout, err = time.ParseDuration(w.Timeout); err != nil {
			return 0, 0, fmt.Errorf("invalid wait timeout %q: %w", w.Timeout, err)
		}
	}
	return interval, timeout, nil
}

// Remote looks up a configured remote by name. "local" is always available.
func (c *Config) Remote(name string) (RemoteTarget, bool) {
	for _, r := range c.Remotes {
		if r.Name == name {
			return r, true
		}
	}
	if name == LocalRemoteName {
		return RemoteTarget{Name: LocalRemoteName}, true
	}
	return RemoteTarget{}, false
}

// DefaultFamilies are used when a config declares none
func DefaultFamilies() []Family {
	return []Family{
		{Name: "marenostrum", Contains: []string{"mn"}, Hosts: []string{"glogin1.bsc.es", "glogin2.bsc.es"}, Pele: true},
		{Name: "nord3", Contains: []string{"nord"}, Pele: true},
		{Name: "cte-power", Hosts: []string{"plogin1.bsc.es", "plogin2.bsc.es"}},
		{Name: "cte-amd", Hosts: []string{"amlogin1.bsc.es"}},
	}
}
