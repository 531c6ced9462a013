package provisioning

import (
	"context"
	"fmt"
	"sort"

	"vmforge/internal/config"
	"vmforge/internal/machine"
)

var schemas = map[string]machine.Schema{
	ProviderCloudSigma:   {UsernameLeaf: "username", PasswordLeaf: "password"},
	ProviderDigitalOcean: {PasswordLeaf: "token"},
	ProviderAWS:          {UsernameLeaf: "accessKeyId", PasswordLeaf: "secretAccessKey"},
	ProviderGCP:          {UsernameLeaf: "project", PasswordLeaf: "credentialsFile"},
	ProviderYandexCloud:  {UsernameLeaf: "folderId", PasswordLeaf: "token"},
	ProviderHetzner:      {PasswordLeaf: "token"},
}

// SchemaFor returns the credential leaf names of a backend type
func SchemaFor(typ string) (machine.Schema, error) {
	s, ok := schemas[typ]
	if !ok {
		return machine.Schema{}, fmt.Errorf("unsupported provider type: %s", typ)
	}
	return s, nil
}

// Types lists the supported backend types
func Types() []string {
	types := make([]string, 0, len(schemas))
	for t := range schemas {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// NewDriver opens a provider session for the definition (factory pattern).
func NewDriver(ctx context.Context, defn machine.Definition, cfg *config.Config) (machine.Driver, error) {
	p := cfg.Provider(defn.Type)

	switch defn.Type {
	case ProviderCloudSigma:
		return NewCloudSigmaDriver(defn.Username, defn.Password, defn.Region, p, cfg.API)
	case ProviderDigitalOcean:
		return NewDODriver(defn.Password, p)
	case ProviderAWS:
		return NewAWSDriver(ctx, defn.Region, defn.Username, defn.Password, p)
	case ProviderGCP:
		return NewGCPDriver(ctx, defn.Username, defn.Password, defn.Region, cfg.SSH.User, p)
	case ProviderYandexCloud:
		return NewYcDriver(ctx, defn.Password, defn.Username, defn.Region, cfg.SSH.User, p)
	case ProviderHetzner:
		return NewHetznerDriver(defn.Password, p)
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", defn.Type)
	}
}

// NewOpener binds NewDriver to the tool configuration
func NewOpener(cfg *config.Config) machine.Opener {
	return func(ctx context.Context, defn machine.Definition) (machine.Driver, error) {
		return NewDriver(ctx, defn, cfg)
	}
}

// MachineOptions builds the reconciliation options for a backend type
func MachineOptions(cfg *config.Config, typ string) machine.Options {
	p := cfg.Provider(typ)
	return machine.Options{
		BaseImage:  p.BaseImage,
		PublicKeys: p.PublicKeys,
		Poll: machine.PollConfig{
			Interval: cfg.Poll.Interval,
			Timeout:  cfg.Poll.Timeout,
		},
	}
}
