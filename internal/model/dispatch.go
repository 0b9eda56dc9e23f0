package model

import "time"

// Cluster tags the execution backend picked for one dispatch
type Cluster string

const (
	ClusterLocal     Cluster = "local"
	ClusterPowerpuff Cluster = "powerpuff"
)

// IsHPC reports whether the tag names a batch-scheduled family
func (c Cluster) IsHPC() bool {
	return c != "" && c != ClusterLocal && c != ClusterPowerpuff
}

// LocalRemoteName is the connection label of in-process execution
const LocalRemoteName = "local"

// RemoteTarget identifies a compute target
type RemoteTarget struct {
	Name                  string `yaml:"name" json:"name"`
	Host                  string `yaml:"host,omitempty" json:"host,omitempty"`
	User                  string `yaml:"user,omitempty" json:"user,omitempty"`
	Port                  int    `yaml:"port,omitempty" json:"port,omitempty"`
	WorkDir               string `yaml:"workDir,omitempty" json:"workDir,omitempty"`
	IdentityFile          string `yaml:"identityFile,omitempty" json:"-"`
	Password              string `yaml:"password,omitempty" json:"-"`
	KnownHosts            string `yaml:"knownHosts,omitempty" json:"-"`
	InsecureIgnoreHostKey bool   `yaml:"insecureIgnoreHostKey,omitempty" json:"-"`
}

// IsLocal reports whether the target is the local machine
func (t RemoteTarget) IsLocal() bool {
	return t.Name == LocalRemoteName
}

// Public drops credentials so the target can be written to state files
func (t RemoteTarget) Public() RemoteTarget {
	t.IdentityFile = ""
	t.Password = ""
	t.KnownHosts = ""
	t.InsecureIgnoreHostKey = false
	return t
}

// Family describes an HPC cluster family and how to recognise its login hosts
type Family struct {
	Name     string              `yaml:"name" json:"name"`
	Hosts    []string            `yaml:"hosts,omitempty" json:"hosts,omitempty"`
	Contains []string            `yaml:"contains,omitempty" json:"contains,omitempty"`
	Pele     bool                `yaml:"pele,omitempty" json:"pele,omitempty"`
	Account  string              `yaml:"account,omitempty" json:"account,omitempty"`
	QOS      string              `yaml:"qos,omitempty" json:"qos,omitempty"`
	Time     string              `yaml:"time,omitempty" json:"time,omitempty"`
	Modules  map[string][]string `yaml:"modules,omitempty" json:"modules,omitempty"`
}

// Settings holds the block variables consumed by dispatch
type Settings struct {
	Partition            string            `yaml:"partition,omitempty" json:"partition,omitempty"`
	CPUs                 int               `yaml:"cpus,omitempty" json:"cpus,omitempty"`
	FolderName           string            `yaml:"folderName,omitempty" json:"folderName,omitempty"`
	ScriptName           string            `yaml:"scriptName,omitempty" json:"scriptName,omitempty"`
	Environment          map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
	EnvFile              string            `yaml:"envFile,omitempty" json:"envFile,omitempty"`
	RemoveFolderOnFinish *bool             `yaml:"removeFolderOnFinish,omitempty" json:"removeFolderOnFinish,omitempty"`
}

// DefaultScriptName is used when no script name is configured
const DefaultScriptName = "calculation_script.sh"

// RemoveRemote resolves the removeFolderOnFinish default (true)
func (s Settings) RemoveRemote() bool {
	if s.RemoveFolderOnFinish == nil {
		return true
	}
	return *s.RemoveFolderOnFinish
}

// Dispatch statuses
const (
	StatusLaunched  = "launched"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusRetrieved = "retrieved"
)

// DispatchContext is the bookkeeping threaded from launch to retrieval
type DispatchContext struct {
	RunID                string       `yaml:"runId" json:"runId"`
	FlowID               string       `yaml:"flowId" json:"flowId"`
	SimulationName       string       `yaml:"simulationName" json:"simulationName"`
	ScriptName           string       `yaml:"scriptName" json:"scriptName"`
	Program              string       `yaml:"program" json:"program"`
	Cluster              Cluster      `yaml:"cluster" json:"cluster"`
	Remote               RemoteTarget `yaml:"remote" json:"remote"`
	LocalDir             string       `yaml:"localDir" json:"localDir"`
	RemoteDir            string       `yaml:"remoteDir,omitempty" json:"remoteDir,omitempty"`
	RemoteContainer      string       `yaml:"remoteContainer,omitempty" json:"remoteContainer,omitempty"`
	UploadedFolder       bool         `yaml:"uploadedFolder" json:"uploadedFolder"`
	JobIDs               []string     `yaml:"jobIds,omitempty" json:"jobIds,omitempty"`
	RemoveFolderOnFinish bool         `yaml:"removeFolderOnFinish" json:"removeFolderOnFinish"`
	Status               string       `yaml:"status" json:"status"`
	CreatedAt            time.Time    `yaml:"createdAt" json:"createdAt"`
	UpdatedAt            time.Time    `yaml:"updatedAt" json:"updatedAt"`
}
