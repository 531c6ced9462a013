package provisioning

import (
	"context"
	"fmt"
	"strconv"

	"vmforge/internal/config"
	"vmforge/internal/machine"

	"github.com/digitalocean/godo"
)

// DODriver implements machine.Driver for DigitalOcean
type DODriver struct {
	client *godo.Client
}

// NewDODriver creates a new instance of DODriver
func NewDODriver(token string, p config.ProviderConfig) (*DODriver, error) {
	if token == "" {
		return nil, fmt.Errorf("digitalocean token is required")
	}
	client := godo.NewFromToken(token)
	if p.Endpoint != "" {
		if err := godo.SetBaseURL(p.Endpoint)(client); err != nil {
			return nil, fmt.Errorf("invalid endpoint: %w", err)
		}
	}
	return &DODriver{
		client: client,
	}, nil
}

func (p *DODriver) Provider() string { return ProviderDigitalOcean }

// ListImages lists the account's snapshots and custom images
func (p *DODriver) ListImages(ctx context.Context) ([]machine.Image, error) {
	var images []machine.Image
	opt := &godo.ListOptions{PerPage: 200}
	for {
		page, resp, err := p.client.Images.ListUser(ctx, opt)
		if err != nil {
			return nil, fmt.Errorf("failed to list images: %w", err)
		}
		for _, img := range page {
			images = append(images, machine.Image{ID: strconv.Itoa(img.ID), Name: img.Name})
		}
		if resp.Links == nil || resp.Links.IsLastPage() {
			return images, nil
		}
		current, err := resp.Links.CurrentPage()
		if err != nil {
			return nil, fmt.Errorf("failed to paginate images: %w", err)
		}
		opt.Page = current + 1
	}
}

// CreateNode creates a droplet from a user image
func (p *DODriver) CreateNode(ctx context.Context, spec machine.NodeSpec) (*machine.Node, error) {
	imageID, err := strconv.Atoi(spec.Image.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid image ID %q: %w", spec.Image.ID, err)
	}

	keys := make([]godo.DropletCreateSSHKey, 0, len(spec.PublicKeys))
	for _, k := range spec.PublicKeys {
		if id, err := strconv.Atoi(k); err == nil {
			keys = append(keys, godo.DropletCreateSSHKey{ID: id})
		} else {
			keys = append(keys, godo.DropletCreateSSHKey{Fingerprint: k})
		}
	}

	createRequest := &godo.DropletCreateRequest{
		Name:   spec.Name,
		Region: spec.Region,
		Size:   p.mapResourcesToSize(spec.CPU, memoryGB(spec.RAM)),
		Image: godo.DropletCreateImage{
			ID: imageID,
		},
		SSHKeys: keys,
	}

	droplet, _, err := p.client.Droplets.Create(ctx, createRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to create droplet: %w", err)
	}
	return toDONode(droplet), nil
}

// GetNode reads a droplet by ID
func (p *DODriver) GetNode(ctx context.Context, id string) (*machine.Node, error) {
	dropletID, err := strconv.Atoi(id)
	if err != nil {
		return nil, fmt.Errorf("invalid droplet ID %q: %w", id, err)
	}
	d, _, err := p.client.Droplets.Get(ctx, dropletID)
	if err != nil {
		return nil, fmt.Errorf("failed to get droplet: %w", err)
	}
	return toDONode(d), nil
}

// StartNode powers a droplet on
func (p *DODriver) StartNode(ctx context.Context, id string) error {
	dropletID, err := strconv.Atoi(id)
	if err != nil {
		return fmt.Errorf("invalid droplet ID %q: %w", id, err)
	}
	if _, _, err := p.client.DropletActions.PowerOn(ctx, dropletID); err != nil {
		return fmt.Errorf("failed to power on droplet: %w", err)
	}
	return nil
}

func (p *DODriver) Close() error { return nil }

func (p *DODriver) mapResourcesToSize(cores int, memory int64) string {
	if cores <= 1 && memory <= 1 {
		return "s-1vcpu-1gb"
	}
	if cores <= 1 && memory <= 2 {
		return "s-1vcpu-2gb"
	}
	if cores <= 2 && memory <= 4 {
		return "s-2vcpu-4gb"
	}
	if cores <= 4 && memory <= 8 {
		return "s-4vcpu-8gb"
	}
	return "s-8vcpu-16gb"
}

func toDONode(d *godo.Droplet) *machine.Node {
	node := &machine.Node{
		ID:    strconv.Itoa(d.ID),
		Name:  d.Name,
		State: mapDOStatus(d.Status),
	}
	if ip, err := d.PublicIPv4(); err == nil && ip != "" {
		node.PublicIPs = []string{ip}
	}
	if ip, err := d.PrivateIPv4(); err == nil && ip != "" {
		node.PrivateIPs = []string{ip}
	}
	return node
}

func mapDOStatus(status string) machine.NodeState {
	switch status {
	case "active":
		return machine.NodeRunning
	case "new":
		return machine.NodePending
	case "off":
		return machine.NodeStopped
	}
	return machine.NodeUnknown
}
