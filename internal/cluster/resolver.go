package cluster

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sourceplane/eapm/internal/model"
)

// ProgramPele has its own job layout and is limited to a few families.
const ProgramPele = "pele"

var (
	ErrUnsupported = errors.New("Cluster not supported")
	ErrPeleCluster = errors.New("Pele can only be run on the allowed clusters")
)

// Resolver maps a remote connection to a cluster tag
type Resolver struct {
	families     []model.Family
	workstations map[string]bool
}

// NewResolver creates a resolver. Nil families fall back to model.DefaultFamilies.
func NewResolver(families []model.Family, workstations []string) *Resolver {
	if families == nil {
		families = model.DefaultFamilies()
	}
	ws := make(map[string]bool, len(workstations))
	for _, ip := range workstations {
		ws[strings.TrimSpace(ip)] = true
	}
	return &Resolver{
		families:     families,
		workstations: ws,
	}
}

// Resolve classifies (remoteName, remoteHost) and enforces the PELE restriction
func (r *Resolver) Resolve(remoteName, remoteHost, program string) (model.Cluster, error) {
	tag := model.ClusterLocal
	if remoteName != model.LocalRemoteName {
		tag = model.Cluster(remoteHost)
	}

	if r.workstations[remoteHost] {
		tag = model.ClusterPowerpuff
	}

	if tag != model.ClusterLocal && tag != model.ClusterPowerpuff {
		family, ok := r.match(remoteHost)
		if !ok {
			return "", fmt.Errorf("%w: %q (remote %s)", ErrUnsupported, remoteHost, remoteName)
		}
		tag = model.Cluster(family.Name)
	}

	if program == ProgramPele {
		family, ok := r.Family(tag)
		if !ok || !family.Pele {
			return "", fmt.Errorf("%w: %s (got %s)", ErrPeleCluster, strings.Join(r.peleFamilies(), ", "), tag)
		}
	}

	return tag, nil
}

// Family returns the family definition behind an HPC tag
func (r *Resolver) Family(tag model.Cluster) (model.Family, bool) {
	for _, f := range r.families {
		if model.Cluster(f.Name) == tag {
			return f, true
		}
	}
	return model.Family{}, false
}

// IsRemote is the binary local/remote test used by launch and retrieval. It goes by the
// resolved tag: a remote named local that points at a workstation is remote.
func IsRemote(tag model.Cluster) bool {
	return tag != model.ClusterLocal
}

// match finds a family by exact host first, then by substring.
func (r *Resolver) match(host string) (model.Family, bool) {
	if host == "" {
		return model.Family{}, false
	}
	for _, f := range r.families {
		for _, h := range f.Hosts {
			if h == host {
				return f, true
			}
		}
	}
	for _, f := range r.families {
		for _, sub := range f.Contains {
			if sub != "" && strings.Contains(host, sub) {
				return f, true
			}
		}
	}
	return model.Family{}, false
}

func (r *Resolver) peleFamilies() []string {
	var names []string
	for _, f := range r.families {
		if f.Pele {
			names = append(names, f.Name)
		}
	}
	return names
}
