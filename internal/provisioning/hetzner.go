package provisioning

import (
	"context"
	"fmt"
	"strconv"

	"vmforge/internal/config"
	"vmforge/internal/machine"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
)

// hetznerServerTypes are the shared-vCPU types, smallest first
var hetznerServerTypes = []struct {
	name   string
	cores  int
	memGB  int64
	diskGB int
}{
	{"cx22", 2, 4, 40},
	{"cx32", 4, 8, 80},
	{"cx42", 8, 16, 160},
	{"cx52", 16, 32, 320},
}

// HetznerDriver implements machine.Driver for Hetzner Cloud
type HetznerDriver struct {
	client *hcloud.Client
}

// NewHetznerDriver creates a new instance of HetznerDriver
func NewHetznerDriver(token string, p config.ProviderConfig) (*HetznerDriver, error) {
	if token == "" {
		return nil, fmt.Errorf("hetzner token is required")
	}
	opts := []hcloud.ClientOption{
		hcloud.WithToken(token),
		hcloud.WithApplication("vmforge", ""),
	}
	if p.Endpoint != "" {
		opts = append(opts, hcloud.WithEndpoint(p.Endpoint))
	}
	return &HetznerDriver{client: hcloud.NewClient(opts...)}, nil
}

func (p *HetznerDriver) Provider() string { return ProviderHetzner }

// ListImages lists the project's snapshots. Snapshots have no name, so
// their description is used instead.
func (p *HetznerDriver) ListImages(ctx context.Context) ([]machine.Image, error) {
	all, err := p.client.Image.AllWithOpts(ctx, hcloud.ImageListOpts{
		Type: []hcloud.ImageType{hcloud.ImageTypeSnapshot},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}

	images := make([]machine.Image, 0, len(all))
	for _, img := range all {
		name := img.Name
		if name == "" {
			name = img.Description
		}
		images = append(images, machine.Image{ID: strconv.FormatInt(img.ID, 10), Name: name})
	}
	return images, nil
}

// CreateNode creates a server from a snapshot
func (p *HetznerDriver) CreateNode(ctx context.Context, spec machine.NodeSpec) (*machine.Node, error) {
	imageID, err := strconv.ParseInt(spec.Image.ID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid image ID %q: %w", spec.Image.ID, err)
	}

	keys, err := p.resolveSSHKeys(ctx, spec.PublicKeys)
	if err != nil {
		return nil, err
	}

	opts := hcloud.ServerCreateOpts{
		Name:       spec.Name,
		ServerType: &hcloud.ServerType{Name: mapResourcesToServerType(spec.CPU, memoryGB(spec.RAM), spec.Disk)},
		Image:      &hcloud.Image{ID: imageID},
		SSHKeys:    keys,
	}
	if spec.Region != "" {
		opts.Location = &hcloud.Location{Name: spec.Region}
	}

	result, _, err := p.client.Server.Create(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	return toHetznerNode(result.Server), nil
}

// GetNode reads a server by ID
func (p *HetznerDriver) GetNode(ctx context.Context, id string) (*machine.Node, error) {
	serverID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid server ID %q: %w", id, err)
	}
	server, _, err := p.client.Server.GetByID(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to get server: %w", err)
	}
	if server == nil {
		return nil, fmt.Errorf("server %s not found", id)
	}
	return toHetznerNode(server), nil
}

// StartNode powers a server on
func (p *HetznerDriver) StartNode(ctx context.Context, id string) error {
	serverID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid server ID %q: %w", id, err)
	}
	if _, _, err := p.client.Server.Poweron(ctx, &hcloud.Server{ID: serverID}); err != nil {
		if hcloud.IsError(err, hcloud.ErrorCodeNotFound) {
			return fmt.Errorf("server %s not found: %w", id, err)
		}
		return fmt.Errorf("failed to power on server: %w", err)
	}
	return nil
}

func (p *HetznerDriver) Close() error { return nil }

// resolveSSHKeys resolves SSH key names/IDs to SSH key objects.
func (p *HetznerDriver) resolveSSHKeys(ctx context.Context, refs []string) ([]*hcloud.SSHKey, error) {
	var keys []*hcloud.SSHKey
	for _, ref := range refs {
		key, _, err := p.client.SSHKey.Get(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("failed to get ssh key %s: %w", ref, err)
		}
		if key == nil {
			return nil, fmt.Errorf("ssh key not found: %s", ref)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func mapResourcesToServerType(cores int, memory int64, disk int) string {
	for _, st := range hetznerServerTypes {
		if cores <= st.cores && memory <= st.memGB && disk <= st.diskGB {
			return st.name
		}
	}
	return hetznerServerTypes[len(hetznerServerTypes)-1].name
}

func toHetznerNode(s *hcloud.Server) *machine.Node {
	node := &machine.Node{
		ID:    strconv.FormatInt(s.ID, 10),
		Name:  s.Name,
		State: mapHetznerStatus(s.Status),
	}
	if ip := s.PublicNet.IPv4.IP; ip != nil && !ip.IsUnspecified() {
		node.PublicIPs = []string{ip.String()}
	}
	for _, pn := range s.PrivateNet {
		if pn.IP != nil {
			node.PrivateIPs = append(node.PrivateIPs, pn.IP.String())
		}
	}
	return node
}

func mapHetznerStatus(status hcloud.ServerStatus) machine.NodeState {
	switch status {
	case hcloud.ServerStatusRunning:
		return machine.NodeRunning
	case hcloud.ServerStatusInitializing, hcloud.ServerStatusStarting,
		hcloud.ServerStatusStopping, hcloud.ServerStatusRebuilding, hcloud.ServerStatusMigrating:
		return machine.NodePending
	case hcloud.ServerStatusOff:
		return machine.NodeStopped
	}
	return machine.NodeUnknown
}
