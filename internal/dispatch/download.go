package dispatch

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"al.essio.dev/pkg/shellescape"
	"github.com/sourceplane/eapm/internal/cluster"
	"github.com/sourceplane/eapm/internal/logging"
	"github.com/sourceplane/eapm/internal/model"
)

// ScratchDirName is the folder results are staged in before being moved into place
const ScratchDirName = ".eapm_download"

// Download brings the results of dctx back into its local working directory
// and returns that directory. For local dispatches nothing is copied.
func (d *Dispatcher) Download(ctx context.Context, dctx *model.DispatchContext) (string, error) {
	localDir := dctx.LocalDir
	if localDir == "" {
		localDir = d.LocalDir
	}
	localDir, err := filepath.Abs(localDir)
	if err != nil {
		return "", err
	}

	if !cluster.IsRemote(dctx.Cluster) {
		return localDir, d.setStatus(dctx, model.StatusRetrieved)
	}
	if dctx.RemoteContainer == "" {
		return "", fmt.Errorf("dispatch %s has no remote directory", dctx.RunID)
	}

	logger := logging.ForRun(d.Logger, dctx.RunID).WithField("remote", dctx.Remote.Name)

	scratch := filepath.Join(localDir, ScratchDirName)
	if err := os.RemoveAll(scratch); err != nil {
		return "", fmt.Errorf("failed to reset scratch folder: %w", err)
	}
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return "", fmt.Errorf("failed to create scratch folder: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			logger.WithError(err).Warn("failed to remove scratch folder")
		}
	}()

	fetched, err := d.Remote.GetData(ctx, dctx.RemoteContainer, scratch)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", dctx.RemoteContainer, err)
	}
	if dctx.UploadedFolder {
		fetched = filepath.Join(fetched, filepath.Base(localDir))
	}

	if err := moveEntries(fetched, localDir); err != nil {
		return "", err
	}
	logger.Infof("results retrieved into %s", localDir)

	if dctx.RemoveFolderOnFinish && path.Clean(dctx.RemoteContainer) != "/" {
		if _, err := d.Remote.RemoteCommand(ctx, "rm -rf "+shellescape.Quote(dctx.RemoteContainer)); err != nil {
			return "", fmt.Errorf("failed to remove remote directory %s: %w", dctx.RemoteContainer, err)
		}
		logger.Debugf("removed %s", dctx.RemoteContainer)
	}

	if err := d.setStatus(dctx, model.StatusRetrieved); err != nil {
		return "", err
	}
	return localDir, nil
}

// moveEntries moves every entry of src into dst. Existing entries are
// replaced whole; directories are not merged.
func moveEntries(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("failed to read downloaded results: %w", err)
	}
	for _, e := range entries {
		if e.Name() == ScratchDirName {
			continue
		}
		target := filepath.Join(dst, e.Name())
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("failed to replace %s: %w", target, err)
		}
		if err := os.Rename(filepath.Join(src, e.Name()), target); err != nil {
			return fmt.Errorf("failed to move %s: %w", e.Name(), err)
		}
	}
	return nil
}
