package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/sourceplane/eapm/internal/archive"
	"github.com/sourceplane/eapm/internal/model"
)

// FS executes commands and moves data on this machine. It backs the "local"
// target and any target whose work directory is reachable from here.
type FS struct {
	target model.RemoteTarget
	logger logrus.FieldLogger
}

func NewFS(target model.RemoteTarget, logger logrus.FieldLogger) *FS {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &FS{
		target: target,
		logger: logger.WithField("remote", target.Name),
	}
}

func (f *FS) Target() model.RemoteTarget { return f.target }

func (f *FS) IsLocal() bool { return f.target.IsLocal() }

func (f *FS) RemoteCommand(ctx context.Context, command string) (string, error) {
	f.logger.Debugf("running command: %s", command)

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("command %q failed: %w: %s", command, err, out)
	}
	return string(out), nil
}

func (f *FS) SendData(ctx context.Context, localPath, remoteDestDir string) (string, error) {
	return f.copyInto(ctx, localPath, remoteDestDir)
}

func (f *FS) GetData(ctx context.Context, remotePath, localDestDir string) (string, error) {
	return f.copyInto(ctx, remotePath, localDestDir)
}

func (f *FS) SubmitJob(ctx context.Context, scriptPath string) (string, error) {
	out, err := f.RemoteCommand(ctx, submitCommand(scriptPath))
	if err != nil {
		return "", fmt.Errorf("failed to submit %s: %w", scriptPath, err)
	}
	return ParseJobID(out)
}

func (f *FS) Close() error { return nil }

// copyInto streams src through a tar pipe so files and directories share one path.
func (f *FS) copyInto(ctx context.Context, src, destDir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("failed to access %s: %w", src, err)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(archive.Pack(pw, src))
	}()

	if _, err := archive.Unpack(pr, destDir); err != nil {
		pr.CloseWithError(err)
		return "", fmt.Errorf("failed to copy %s to %s: %w", src, destDir, err)
	}
	if _, err := io.Copy(io.Discard, pr); err != nil {
		return "", fmt.Errorf("failed to copy %s to %s: %w", src, destDir, err)
	}

	dest := filepath.Join(destDir, filepath.Base(filepath.Clean(src)))
	f.logger.Debugf("copied %s -> %s", src, dest)
	return dest, nil
}
