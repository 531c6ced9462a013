package ssh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"vmforge/internal/config"
	"vmforge/internal/logging"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// KeyProvider defines the interface for deployment SSH key management
type KeyProvider interface {
	// GetOrCreate retrieves existing keys or creates new ones
	GetOrCreate(ctx context.Context) (*KeyPair, error)
	// Save saves the key pair to storage
	Save(ctx context.Context, keyPair *KeyPair) error
	// Close closes any connections
	Close() error
}

// storedKeyPair represents the JSON structure stored in etcd
type storedKeyPair struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

// EtcdKeyProvider stores a deployment's SSH key in etcd
type EtcdKeyProvider struct {
	client *clientv3.Client
	key    string
}

// NewEtcdKeyProvider creates a new etcd-based key provider
func NewEtcdKeyProvider(endpoints []string, dialTimeout time.Duration, deployment string) (*EtcdKeyProvider, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &EtcdKeyProvider{
		client: cli,
		key:    fmt.Sprintf("/deployments/%s/ssh_key", deployment),
	}, nil
}

// GetOrCreate retrieves existing keys from etcd or creates new ones
func (p *EtcdKeyProvider) GetOrCreate(ctx context.Context) (*KeyPair, error) {
	resp, err := p.client.Get(ctx, p.key)
	if err != nil {
		return nil, fmt.Errorf("failed to get SSH keys from etcd: %w", err)
	}

	if len(resp.Kvs) > 0 {
		var stored storedKeyPair
		if err := json.Unmarshal(resp.Kvs[0].Value, &stored); err != nil {
			return nil, fmt.Errorf("failed to unmarshal SSH keys: %w", err)
		}
		logging.Logger().Debug("Using existing SSH keys from etcd", zap.String("key", p.key))
		return &KeyPair{
			PrivateKey: stored.PrivateKey,
			PublicKey:  stored.PublicKey,
		}, nil
	}

	logging.Logger().Info("No SSH keys found in etcd, generating new key pair", zap.String("key", p.key))
	keyPair, err := GenerateKeyPairInMemory()
	if err != nil {
		return nil, fmt.Errorf("failed to generate SSH key pair: %w", err)
	}

	// Create-if-absent so concurrent runs agree on one key
	data, err := json.Marshal(storedKeyPair{PrivateKey: keyPair.PrivateKey, PublicKey: keyPair.PublicKey})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal SSH keys: %w", err)
	}
	txn, err := p.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(p.key), "=", 0)).
		Then(clientv3.OpPut(p.key, string(data))).
		Else(clientv3.OpGet(p.key)).
		Commit()
	if err != nil {
		return nil, fmt.Errorf("failed to save SSH keys to etcd: %w", err)
	}
	if !txn.Succeeded {
		return p.GetOrCreate(ctx)
	}
	return keyPair, nil
}

// Save saves the key pair to etcd
func (p *EtcdKeyProvider) Save(ctx context.Context, keyPair *KeyPair) error {
	data, err := json.Marshal(storedKeyPair{
		PrivateKey: keyPair.PrivateKey,
		PublicKey:  keyPair.PublicKey,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal SSH keys: %w", err)
	}
	if _, err := p.client.Put(ctx, p.key, string(data)); err != nil {
		return fmt.Errorf("failed to save SSH keys to etcd: %w", err)
	}
	return nil
}

// Close closes the etcd client
func (p *EtcdKeyProvider) Close() error {
	return p.client.Close()
}

// FileKeyProvider keeps a deployment's SSH key pair in a directory
type FileKeyProvider struct {
	privateKeyPath string
	publicKeyPath  string
}

// NewFileKeyProvider creates a key provider rooted at keyDir
func NewFileKeyProvider(keyDir, deployment string) *FileKeyProvider {
	return &FileKeyProvider{
		privateKeyPath: filepath.Join(keyDir, deployment+"_key"),
		publicKeyPath:  filepath.Join(keyDir, deployment+"_key.pub"),
	}
}

// PrivateKeyPath is where the PEM private key lives
func (p *FileKeyProvider) PrivateKeyPath() string { return p.privateKeyPath }

// GetOrCreate gets the existing key pair or generates a new one if it doesn't
// exist. A missing public key is regenerated from the private key.
func (p *FileKeyProvider) GetOrCreate(ctx context.Context) (*KeyPair, error) {
	privateKeyBytes, err := os.ReadFile(p.privateKeyPath)
	switch {
	case err == nil:
		if publicKeyBytes, err := os.ReadFile(p.publicKeyPath); err == nil {
			return &KeyPair{PrivateKey: string(privateKeyBytes), PublicKey: string(publicKeyBytes)}, nil
		}
		keyPair, err := keyPairFromPrivate(privateKeyBytes)
		if err != nil {
			return nil, err
		}
		if err := p.writePublic(keyPair); err != nil {
			return nil, err
		}
		return keyPair, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	logging.Logger().Info("Generating SSH key pair", zap.String("path", p.privateKeyPath))
	keyPair, err := GenerateKeyPairInMemory()
	if err != nil {
		return nil, fmt.Errorf("failed to generate SSH key pair: %w", err)
	}
	if err := p.Save(ctx, keyPair); err != nil {
		return nil, err
	}
	return keyPair, nil
}

// Save writes both halves of the key pair
func (p *FileKeyProvider) Save(_ context.Context, keyPair *KeyPair) error {
	if err := os.MkdirAll(filepath.Dir(p.privateKeyPath), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(p.privateKeyPath, []byte(keyPair.PrivateKey), 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return p.writePublic(keyPair)
}

func (p *FileKeyProvider) writePublic(keyPair *KeyPair) error {
	if err := os.WriteFile(p.publicKeyPath, []byte(keyPair.PublicKey), 0644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	return nil
}

// Close is a no-op for the file provider
func (p *FileKeyProvider) Close() error {
	return nil
}

// NewKeyProvider picks etcd when endpoints are configured and the key
// directory otherwise, mirroring where machine state is stored.
func NewKeyProvider(ctx context.Context, stateCfg config.StateConfig, sshCfg config.SSHConfig) (KeyProvider, error) {
	if len(stateCfg.Etcd.Endpoints) == 0 {
		logging.Logger().Debug("No etcd endpoints configured, using file key provider",
			zap.String("dir", sshCfg.KeyDir))
		return NewFileKeyProvider(sshCfg.KeyDir, stateCfg.Deployment), nil
	}

	provider, err := NewEtcdKeyProvider(stateCfg.Etcd.Endpoints, stateCfg.Etcd.DialTimeout, stateCfg.Deployment)
	if err != nil {
		return nil, err
	}

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := provider.client.Get(pingCtx, "/test_connection"); err != nil {
		provider.Close()
		return nil, fmt.Errorf("etcd connection test failed: %w", err)
	}

	logging.Logger().Info("Connected to etcd for SSH key storage",
		zap.Strings("endpoints", stateCfg.Etcd.Endpoints))
	return provider, nil
}
