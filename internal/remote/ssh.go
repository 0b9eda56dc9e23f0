package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/sirupsen/logrus"
	"github.com/sourceplane/eapm/internal/archive"
	"github.com/sourceplane/eapm/internal/model"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultSSHPort = 22

// SSH is the transport for login nodes and workstations. Data moves as a tar
// stream through the remote tar binary.
type SSH struct {
	target model.RemoteTarget
	client *ssh.Client
	logger logrus.FieldLogger
}

// DialSSH connects and authenticates against target
func DialSSH(ctx context.Context, target model.RemoteTarget, opts Options) (*SSH, error) {
	if target.Host == "" {
		return nil, fmt.Errorf("remote %s has no host", target.Name)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 30 * time.Second
	}

	config, err := clientConfig(target, opts.DialTimeout)
	if err != nil {
		return nil, err
	}

	port := target.Port
	if port == 0 {
		port = defaultSSHPort
	}
	addr := net.JoinHostPort(target.Host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}

	logger := opts.Logger.WithFields(logrus.Fields{"remote": target.Name, "host": target.Host})
	logger.Debug("ssh connection established")

	return &SSH{
		target: target,
		client: ssh.NewClient(c, chans, reqs),
		logger: logger,
	}, nil
}

func clientConfig(target model.RemoteTarget, timeout time.Duration) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	if target.IdentityFile != "" {
		key, err := os.ReadFile(expandHome(target.IdentityFile))
		if err != nil {
			return nil, fmt.Errorf("failed to read identity file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse identity file: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if target.Password != "" {
		auth = append(auth, ssh.Password(target.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("remote %s has neither identityFile nor password", target.Name)
	}

	hostKeyCallback, err := hostKeyCallback(target)
	if err != nil {
		return nil, err
	}

	user := target.User
	if user == "" {
		user = os.Getenv("USER")
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

func hostKeyCallback(target model.RemoteTarget) (ssh.HostKeyCallback, error) {
	if target.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	file := target.KnownHosts
	if file == "" {
		file = "~/.ssh/known_hosts"
	}
	cb, err := knownhosts.New(expandHome(file))
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts %s: %w", file, err)
	}
	return cb, nil
}

func (s *SSH) Target() model.RemoteTarget { return s.target }

func (s *SSH) IsLocal() bool { return false }

func (s *SSH) RemoteCommand(ctx context.Context, cmd string) (string, error) {
	var out combinedBuffer
	if err := s.run(ctx, cmd, nil, &out, &out); err != nil {
		return out.String(), fmt.Errorf("remote command %q failed: %w: %s", cmd, err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

func (s *SSH) SendData(ctx context.Context, localPath, remoteDestDir string) (string, error) {
	if _, err := os.Stat(localPath); err != nil {
		return "", fmt.Errorf("failed to access %s: %w", localPath, err)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(archive.Pack(pw, localPath))
	}()

	dest := shellescape.Quote(remoteDestDir)
	var stderr bytes.Buffer
	err := s.run(ctx, fmt.Sprintf("mkdir -p %s && tar -xf - -C %s", dest, dest), pr, io.Discard, &stderr)
	pr.Close()
	if err != nil {
		return "", fmt.Errorf("failed to upload %s to %s: %w: %s", localPath, remoteDestDir, err, strings.TrimSpace(stderr.String()))
	}

	final := path.Join(remoteDestDir, filepath.Base(filepath.Clean(localPath)))
	s.logger.Debugf("uploaded %s -> %s", localPath, final)
	return final, nil
}

func (s *SSH) GetData(ctx context.Context, remotePath, localDestDir string) (string, error) {
	remotePath = path.Clean(remotePath)
	cmd := fmt.Sprintf("tar -cf - -C %s %s",
		shellescape.Quote(path.Dir(remotePath)), shellescape.Quote(path.Base(remotePath)))

	pr, pw := io.Pipe()
	var stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		err := s.run(ctx, cmd, nil, pw, &stderr)
		pw.CloseWithError(err)
		done <- err
	}()

	_, unpackErr := archive.Unpack(pr, localDestDir)
	if unpackErr == nil {
		_, unpackErr = io.Copy(io.Discard, pr)
	}
	pr.CloseWithError(unpackErr)
	runErr := <-done

	if runErr != nil {
		return "", fmt.Errorf("failed to download %s: %w: %s", remotePath, runErr, strings.TrimSpace(stderr.String()))
	}
	if unpackErr != nil {
		return "", fmt.Errorf("failed to unpack %s: %w", remotePath, unpackErr)
	}

	final := filepath.Join(localDestDir, path.Base(remotePath))
	s.logger.Debugf("downloaded %s -> %s", remotePath, final)
	return final, nil
}

func (s *SSH) SubmitJob(ctx context.Context, scriptPath string) (string, error) {
	out, err := s.RemoteCommand(ctx, submitCommand(scriptPath))
	if err != nil {
		return "", fmt.Errorf("failed to submit %s: %w", scriptPath, err)
	}
	return ParseJobID(out)
}

func (s *SSH) Close() error {
	return s.client.Close()
}

// run executes cmd in a new session. A cancelled ctx kills the session.
func (s *SSH) run(ctx context.Context, cmd string, stdin io.Reader, stdout, stderr io.Writer) error {
	session, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	session.Stdin = stdin
	session.Stdout = stdout
	session.Stderr = stderr

	s.logger.Debugf("ssh exec: %s", cmd)
	if err := session.Start(cmd); err != nil {
		return err
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- session.Wait() }()

	select {
	case err := <-waitCh:
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("exit status %d", exitErr.ExitStatus())
		}
		return err
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		return ctx.Err()
	}
}

// combinedBuffer serialises writes from the stdout and stderr copiers.
type combinedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *combinedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *combinedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
