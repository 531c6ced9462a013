package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// DefaultBaseImage is the image every backend boots new machines from
// unless providers.<type>.base_image says otherwise.
const DefaultBaseImage = "nixos-base"

// DefaultCloudSigmaKey is the CloudSigma public key reference attached to new servers.
const DefaultCloudSigmaKey = "04865e9c-844a-460a-9dc7-a76851f99160"

// Config contains application configuration
type Config struct {
	State     StateConfig               `yaml:"state"`
	Poll      PollConfig                `yaml:"poll"`
	API       APIConfig                 `yaml:"api"`
	SSH       SSHConfig                 `yaml:"ssh"`
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// StateConfig selects where machine state is persisted
type StateConfig struct {
	// Path of the JSON state file, used when etcd is not configured
	Path string `yaml:"path"`
	// Deployment namespaces state records
	Deployment string     `yaml:"deployment"`
	Etcd       EtcdConfig `yaml:"etcd"`
}

// EtcdConfig contains etcd connection parameters
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// PollConfig bounds the wait for a machine to report running
type PollConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// APIConfig tunes provider HTTP clients
type APIConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
}

// SSHConfig contains parameters for reaching deployed machines
type SSHConfig struct {
	User    string        `yaml:"user"`
	Port    int           `yaml:"port"`
	KeyDir  string        `yaml:"key_dir"`
	Timeout time.Duration `yaml:"timeout"`
}

// ProviderConfig holds per-backend settings that are not part of a machine declaration
type ProviderConfig struct {
	BaseImage  string   `yaml:"base_image"`
	PublicKeys []string `yaml:"public_keys"`
	// Endpoint overrides the provider API base URL
	Endpoint string `yaml:"endpoint"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		State: StateConfig{
			Path:       "vmforge-state.json",
			Deployment: "default",
			Etcd: EtcdConfig{
				DialTimeout: 5 * time.Second,
			},
		},
		Poll: PollConfig{
			Interval: time.Second,
			Timeout:  10 * time.Minute,
		},
		API: APIConfig{
			Timeout: 30 * time.Second,
		},
		SSH: SSHConfig{
			User:    "root",
			Port:    22,
			KeyDir:  ".vmforge",
			Timeout: 2 * time.Minute,
		},
		Providers: map[string]ProviderConfig{
			"cloudsigma": {
				BaseImage:  DefaultBaseImage,
				PublicKeys: []string{DefaultCloudSigmaKey},
			},
		},
	}
}

// Provider returns the settings for a backend type with defaults filled in
func (c *Config) Provider(typ string) ProviderConfig {
	p := c.Providers[typ]
	if p.BaseImage == "" {
		p.BaseImage = DefaultBaseImage
	}
	if typ == "cloudsigma" && p.PublicKeys == nil {
		p.PublicKeys = []string{DefaultCloudSigmaKey}
	}
	return p
}

// Path returns the config file location: explicit path, then VMFORGE_CONFIG, then vmforge.yaml
func Path(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv("VMFORGE_CONFIG"); p != "" {
		return p
	}
	return "vmforge.yaml"
}

// Load loads configuration from a YAML file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Expand environment variables in string fields
	config.State.Path = os.ExpandEnv(config.State.Path)
	config.State.Deployment = os.ExpandEnv(config.State.Deployment)
	config.SSH.KeyDir = os.ExpandEnv(config.SSH.KeyDir)
	for i, ep := range config.State.Etcd.Endpoints {
		config.State.Etcd.Endpoints[i] = os.ExpandEnv(ep)
	}
	for typ, p := range config.Providers {
		p.BaseImage = os.ExpandEnv(p.BaseImage)
		p.Endpoint = os.ExpandEnv(p.Endpoint)
		for i, k := range p.PublicKeys {
			p.PublicKeys[i] = os.ExpandEnv(k)
		}
		config.Providers[typ] = p
	}

	// Override with environment variables if set
	if endpoints := os.Getenv("VMFORGE_ETCD_ENDPOINTS"); endpoints != "" {
		config.State.Etcd.Endpoints = strings.Split(endpoints, ",")
	}
	if statePath := os.Getenv("VMFORGE_STATE_PATH"); statePath != "" {
		config.State.Path = statePath
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.State.Deployment == "" {
		return fmt.Errorf("state.deployment must not be empty")
	}
	if len(c.State.Etcd.Endpoints) == 0 && c.State.Path == "" {
		return fmt.Errorf("either state.path or state.etcd.endpoints is required")
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be positive, got %s", c.Poll.Interval)
	}
	if c.Poll.Timeout < c.Poll.Interval {
		return fmt.Errorf("poll.timeout (%s) must not be shorter than poll.interval (%s)", c.Poll.Timeout, c.Poll.Interval)
	}
	if c.API.Retries < 0 {
		return fmt.Errorf("api.retries must not be negative")
	}
	if c.SSH.Port <= 0 || c.SSH.Port > 65535 {
		return fmt.Errorf("ssh.port out of range: %d", c.SSH.Port)
	}
	return nil
}
