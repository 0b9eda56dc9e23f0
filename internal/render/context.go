package render

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sourceplane/eapm/internal/model"
	"github.com/sourceplane/eapm/internal/schema"
	"gopkg.in/yaml.v3"
)

// Renderer serializes dispatch contexts to state files
type Renderer struct{}

func NewRenderer() *Renderer {
	return &Renderer{}
}

// RenderJSON renders a dispatch context as JSON
func (r *Renderer) RenderJSON(dctx *model.DispatchContext) ([]byte, error) {
	return json.MarshalIndent(dctx, "", "  ")
}

// RenderYAML renders a dispatch context as YAML. Remote credentials are left out.
func (r *Renderer) RenderYAML(dctx *model.DispatchContext) ([]byte, error) {
	public := *dctx
	public.Remote = dctx.Remote.Public()
	return yaml.Marshal(&public)
}

// WriteContext writes a state file (JSON or YAML based on extension)
func (r *Renderer) WriteContext(dctx *model.DispatchContext, path string) error {
	var data []byte
	var err error

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		data, err = r.RenderYAML(dctx)
	default:
		data, err = r.RenderJSON(dctx)
	}
	if err != nil {
		return fmt.Errorf("failed to render dispatch state: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write dispatch state to %s: %w", path, err)
	}
	return nil
}

// ReadContext loads and validates a state file written by WriteContext
func (r *Renderer) ReadContext(path string) (*model.DispatchContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dispatch state: %w", err)
	}

	v, err := schema.NewValidator()
	if err != nil {
		return nil, err
	}
	doc, err := schema.Decode(data)
	if err != nil {
		return nil, err
	}
	if err := v.ValidateContext(doc); err != nil {
		return nil, fmt.Errorf("invalid dispatch state %s: %w", path, err)
	}

	// YAML is a superset of JSON, one decoder reads both
	var dctx model.DispatchContext
	if err := yaml.Unmarshal(data, &dctx); err != nil {
		return nil, fmt.Errorf("failed to parse dispatch state: %w", err)
	}
	return &dctx, nil
}

// DebugDump outputs the bookkeeping of one dispatch
func (r *Renderer) DebugDump(dctx *model.DispatchContext) string {
	output := fmt.Sprintf("Run: %s (%s)\n", dctx.RunID, dctx.Status)
	output += fmt.Sprintf("  Flow: %s\n", dctx.FlowID)
	output += fmt.Sprintf("  Simulation: %s\n", dctx.SimulationName)
	output += fmt.Sprintf("  Program: %s\n", dctx.Program)
	output += fmt.Sprintf("  Cluster: %s\n", dctx.Cluster)
	output += fmt.Sprintf("  Remote: %s %s\n", dctx.Remote.Name, dctx.Remote.Host)
	output += fmt.Sprintf("  Local dir: %s\n", dctx.LocalDir)
	output += fmt.Sprintf("  Remote dir: %s\n", dctx.RemoteDir)
	output += fmt.Sprintf("  Uploaded folder: %v\n", dctx.UploadedFolder)
	output += fmt.Sprintf("  Jobs: %v\n", dctx.JobIDs)
	return output
}
