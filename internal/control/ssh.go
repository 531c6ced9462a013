package control

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"vmforge/internal/logging"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const (
	defaultSSHPort       = 22
	defaultDialTimeout   = 10 * time.Second
	portProbeInterval    = 2 * time.Second
	portProbeDialTimeout = 5 * time.Second
)

// SSH represents an SSH connection to a machine
type SSH struct {
	client      *ssh.Client
	addr        string
	user        string
	machineName string
}

// escapeNewlines escapes newline characters for proper log formatting
func escapeNewlines(s string) string {
	return strings.ReplaceAll(s, "\n", "\\n")
}

// safeClose safely closes a resource and logs any errors
func safeClose(name string, closer func() error) {
	if err := closer(); err != nil {
		logging.Logger().Warn("failed to close resource",
			zap.String("resource", name),
			zap.Error(err))
	}
}

// NewSSH waits for the SSH port and opens a connection
func NewSSH(ctx context.Context, config Config) (*SSH, error) {
	if config.PrivateKey == "" {
		return nil, fmt.Errorf("private key must be provided")
	}
	port := config.Port
	if port == 0 {
		port = defaultSSHPort
	}
	dialTimeout := config.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = defaultDialTimeout
	}
	addr := net.JoinHostPort(config.Host, strconv.Itoa(port))

	if err := WaitForSSH(ctx, addr, config.Timeout); err != nil {
		return nil, fmt.Errorf("SSH not available: %w", err)
	}

	signer, err := ssh.ParsePrivateKey([]byte(config.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	clientConfig := &ssh.ClientConfig{
		User: config.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		// TODO: pin host keys once providers expose them through the driver
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	client, err := ssh.Dial("tcp", addr, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to dial SSH: %w", err)
	}

	logging.Logger().Info("SSH connection established",
		zap.String("user", config.User),
		zap.String("addr", addr),
		zap.String("machine", config.MachineName))

	return &SSH{
		client:      client,
		addr:        addr,
		user:        config.User,
		machineName: config.MachineName,
	}, nil
}

// Close closes the SSH connection
func (s *SSH) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// MachineName returns the machine name
func (s *SSH) MachineName() string {
	return s.machineName
}

// Run executes a command on the remote host. Cancelling ctx closes the session.
func (s *SSH) Run(ctx context.Context, command string) (string, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	defer safeClose("SSH session", session.Close)

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	logging.Logger().Debug("Executing command",
		zap.String("command", logging.Truncate(command)),
		zap.String("addr", s.addr),
		zap.String("machine", s.machineName))

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Close()
		return "", ctx.Err()
	case err = <-done:
	}

	logging.Logger().Info("Command executed",
		zap.String("command", logging.Truncate(command)),
		zap.String("addr", s.addr),
		zap.String("machine", s.machineName),
		zap.String("stdout", escapeNewlines(logging.Truncate(stdout.String()))),
		zap.String("stderr", escapeNewlines(logging.Truncate(stderr.String()))),
		zap.Bool("success", err == nil))

	if err != nil {
		return stdout.String(), fmt.Errorf("command %q failed: %w", logging.Truncate(command), err)
	}
	return stdout.String(), nil
}

// WaitForSSH waits for addr to accept TCP connections
func WaitForSSH(ctx context.Context, addr string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	dialer := net.Dialer{Timeout: portProbeDialTimeout}
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			if closeErr := conn.Close(); closeErr != nil {
				logging.Logger().Debug("failed to close connection test",
					zap.String("addr", addr),
					zap.Error(closeErr))
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("port %s not available after %v: %w", addr, timeout, err)
		case <-time.After(portProbeInterval):
		}
	}
}
