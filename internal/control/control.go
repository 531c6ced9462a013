// Package control reaches provisioned machines over SSH.
package control

import (
	"context"
	"time"
)

// Controller defines the interface for remote system control
type Controller interface {
	// Close closes the connection
	Close() error

	// Run executes a command on the remote host and returns its stdout
	Run(ctx context.Context, command string) (string, error)

	// MachineName returns the deployment machine name
	MachineName() string
}

// Config defines configuration for creating controllers
type Config struct {
	Host        string
	Port        int
	User        string
	PrivateKey  string        // PEM-encoded private key content
	Timeout     time.Duration // how long to wait for the port to open
	DialTimeout time.Duration // SSH handshake timeout
	MachineName string
}

// NewController creates a new controller based on the config
func NewController(ctx context.Context, config Config) (Controller, error) {
	return NewSSH(ctx, config)
}
