package remote

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourceplane/eapm/internal/model"
)

var ErrNotSupported = errors.New("operation not supported by transport")

// Remote is the transfer and execution layer behind a compute target
type Remote interface {
	Target() model.RemoteTarget
	IsLocal() bool

	// RemoteCommand runs cmd through a shell and returns its combined output.
	RemoteCommand(ctx context.Context, cmd string) (string, error)

	// SendData uploads a file or directory into remoteDestDir and returns
	// the path it landed at (remoteDestDir/<base of localPath>).
	SendData(ctx context.Context, localPath, remoteDestDir string) (string, error)

	// GetData is the inverse of SendData.
	GetData(ctx context.Context, remotePath, localDestDir string) (string, error)

	// SubmitJob hands a script to the batch system and returns the job ID.
	SubmitJob(ctx context.Context, scriptPath string) (string, error)

	Close() error
}

// Options tune how a remote is reached
type Options struct {
	DialTimeout time.Duration
	Logger      logrus.FieldLogger
}

// Dial opens the transport for target. The local target never opens a connection.
func Dial(ctx context.Context, target model.RemoteTarget, opts Options) (Remote, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if target.IsLocal() {
		return NewFS(target, opts.Logger), nil
	}
	return DialSSH(ctx, target, opts)
}
