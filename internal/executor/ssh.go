package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/shellmcp/shellmcp/internal/observability"
	"github.com/shellmcp/shellmcp/internal/session"
)

// defaultIdentityFiles are probed in order when neither a key file nor
// a password is available.
var defaultIdentityFiles = []string{"~/.ssh/id_rsa", "~/.ssh/id_ed25519", "~/.ssh/id_ecdsa"}

// ErrNoAuthMethod means no key file exists, no password was given, and
// none of the default identity files are present.
var ErrNoAuthMethod = errors.New("no usable ssh authentication method")

// Connection is a live SSH client cached on a session and reused across
// commands until it stops accepting new sessions.
type Connection struct {
	Host     string
	Username string
	Port     int

	client *ssh.Client
}

// Close shuts down the underlying SSH client.
func (c *Connection) Close() error {
	return c.client.Close()
}

// Alive probes the connection by opening and immediately closing an SSH
// session. Success of that operation is the only accepted evidence of
// liveness; no transport state is inspected.
func (c *Connection) Alive() bool {
	sess, err := c.client.NewSession()
	if err != nil {
		return false
	}
	_ = sess.Close()
	return true
}

// DialOptions carries everything needed to establish an SSH connection.
type DialOptions struct {
	Host     string
	Username string

	// KeyFile is tried first when it exists after ~ expansion. A
	// missing file silently falls through to the next method.
	KeyFile string

	// Password is used when no key file is available.
	Password string

	// Port defaults to 22.
	Port int

	// Timeout bounds the TCP dial and handshake. Defaults to 30s.
	Timeout time.Duration
}

// Dial opens an SSH connection. Authentication tries, in order: the
// given key file if it exists, the password if given, then the default
// identity files under ~/.ssh. Unknown host keys are accepted without
// verification.
func Dial(opts DialOptions) (*Connection, error) {
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}

	auth, err := buildAuthMethods(opts.KeyFile, opts.Password)
	if err != nil {
		return nil, fmt.Errorf("ssh connection failed: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User:            opts.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         opts.Timeout,
	}

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh connection failed: %w", err)
	}

	return &Connection{
		Host:     opts.Host,
		Username: opts.Username,
		Port:     opts.Port,
		client:   client,
	}, nil
}

// buildAuthMethods resolves the authentication chain for Dial.
func buildAuthMethods(keyFile, password string) ([]ssh.AuthMethod, error) {
	if keyFile != "" {
		path := expandUser(keyFile)
		if _, err := os.Stat(path); err == nil {
			return keyAuth(path)
		}
	}
	if password != "" {
		return []ssh.AuthMethod{ssh.Password(password)}, nil
	}
	for _, candidate := range defaultIdentityFiles {
		path := expandUser(candidate)
		if _, err := os.Stat(path); err == nil {
			return keyAuth(path)
		}
	}
	return nil, ErrNoAuthMethod
}

func keyAuth(path string) ([]ssh.AuthMethod, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse key file %s: %w", path, err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

// expandUser resolves a leading ~ to the current user's home directory.
func expandUser(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}

// Remote runs commands over an established SSH connection, one SSH
// session per command.
type Remote struct {
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewRemote creates a remote executor.
func NewRemote(logger *slog.Logger, metrics *observability.Metrics) *Remote {
	if logger == nil {
		logger = slog.Default()
	}
	return &Remote{
		logger:  logger.With("component", "executor", "target", "ssh"),
		metrics: metrics,
	}
}

// Ensure returns a connection for the session, reusing the cached one
// while it still opens SSH sessions and dialing a replacement otherwise.
// The replacement is cached on the session, which closes the dead one.
func (r *Remote) Ensure(store *session.Store, sessionID string, opts DialOptions) (*Connection, error) {
	if conn, ok := store.RemoteConn(sessionID).(*Connection); ok && conn != nil && conn.Alive() {
		return conn, nil
	}

	conn, err := Dial(opts)
	if err != nil {
		return nil, err
	}
	store.SetRemoteConn(sessionID, conn)
	r.logger.Info("ssh connection established",
		"host", opts.Host,
		"username", opts.Username,
		"port", conn.Port,
		"session_id", sessionID,
	)
	return conn, nil
}

// exportPrefix renders env overrides as export statements in sorted key
// order, ready to prepend to a remote command line. sshd's AcceptEnv
// filter makes real environment passing unreliable, so the variables
// travel inside the command itself.
func exportPrefix(env map[string]string) string {
	if len(env) == 0 {
		return ""
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	exports := make([]string, 0, len(keys))
	for _, k := range keys {
		exports = append(exports, fmt.Sprintf("export %s='%s'", k, env[k]))
	}
	return strings.Join(exports, "; ") + "; "
}

// Run executes command on the remote host, one SSH session per call.
// All failures become a Result with exit code 1.
func (r *Remote) Run(ctx context.Context, conn *Connection, command string, env map[string]string) Result {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return Result{Stderr: "ssh command failed: " + err.Error(), ExitCode: 1, Duration: time.Since(start)}
	}

	full := exportPrefix(env) + command

	sess, err := conn.client.NewSession()
	if err != nil {
		duration := time.Since(start)
		r.metrics.RecordCommand("ssh", 1, duration)
		return Result{Stderr: "ssh command failed: " + err.Error(), ExitCode: 1, Duration: duration}
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	err = sess.Run(full)
	duration := time.Since(start)

	result := Result{
		Stdout:   sanitize(stdout.String()),
		Stderr:   sanitize(stderr.String()),
		ExitCode: 0,
		Duration: duration,
	}

	if err != nil {
		var exitErr *ssh.ExitError
		var missingErr *ssh.ExitMissingError
		switch {
		case errors.As(err, &exitErr):
			// The command ran and exited non-zero; keep its output.
			result.ExitCode = exitErr.ExitStatus()
		case errors.As(err, &missingErr):
			// The remote closed the session without sending a status.
			// Output is kept; the exit code mirrors what an SSH client
			// reports for a missing status.
			result.ExitCode = -1
		default:
			result = Result{
				Stderr:   "ssh command failed: " + err.Error(),
				ExitCode: 1,
				Duration: duration,
			}
		}
	}

	r.metrics.RecordCommand("ssh", result.ExitCode, duration)
	r.logger.Debug("remote command finished",
		"host", conn.Host,
		"exit_code", result.ExitCode,
		"duration_ms", duration.Milliseconds(),
	)
	return result
}
