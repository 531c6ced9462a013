package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vmforge/internal/config"
	"vmforge/internal/machine"

	"google.golang.org/api/compute/v1"
	"google.golang.org/api/option"
)

const gcpOperationWait = 5 * time.Minute

// GCPDriver implements machine.Driver for Google Compute Engine. Nodes are
// addressed by instance name within the zone.
type GCPDriver struct {
	service   *compute.Service
	projectID string
	zone      string
	username  string
}

// NewGCPDriver creates a new instance of GCPDriver
func NewGCPDriver(ctx context.Context, projectID, credentialsFile, zone, username string, p config.ProviderConfig) (*GCPDriver, error) {
	if projectID == "" {
		return nil, fmt.Errorf("gcp project is required")
	}

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, credentialsFile))
	}
	if p.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(p.Endpoint))
	}

	service, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute service: %w", err)
	}

	return &GCPDriver{
		service:   service,
		projectID: projectID,
		zone:      zone,
		username:  username,
	}, nil
}

func (p *GCPDriver) Provider() string { return ProviderGCP }

// ListImages lists the project's own images
func (p *GCPDriver) ListImages(ctx context.Context) ([]machine.Image, error) {
	var images []machine.Image
	err := p.service.Images.List(p.projectID).Pages(ctx, func(page *compute.ImageList) error {
		for _, img := range page.Items {
			images = append(images, machine.Image{ID: img.SelfLink, Name: img.Name})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	return images, nil
}

// CreateNode inserts an instance with a custom machine type
func (p *GCPDriver) CreateNode(ctx context.Context, spec machine.NodeSpec) (*machine.Node, error) {
	rb := &compute.Instance{
		Name:         spec.Name,
		MachineType:  fmt.Sprintf("zones/%s/machineTypes/%s", p.zone, customMachineType(spec.CPU, spec.RAM)),
		CanIpForward: false,
		Disks: []*compute.AttachedDisk{
			{
				AutoDelete: true,
				Boot:       true,
				Type:       "PERSISTENT",
				InitializeParams: &compute.AttachedDiskInitializeParams{
					SourceImage: spec.Image.ID,
					DiskSizeGb:  int64(spec.Disk),
				},
			},
		},
		NetworkInterfaces: []*compute.NetworkInterface{
			{
				AccessConfigs: []*compute.AccessConfig{
					{
						Type: "ONE_TO_ONE_NAT",
						Name: "External NAT",
					},
				},
				Network: "global/networks/default",
			},
		},
	}

	if len(spec.PublicKeys) > 0 {
		userData, err := GenerateCloudConfig(p.username, spec.PublicKeys)
		if err != nil {
			return nil, fmt.Errorf("failed to generate cloud-config: %w", err)
		}
		rb.Metadata = &compute.Metadata{
			Items: []*compute.MetadataItems{
				{
					Key:   "user-data",
					Value: &userData,
				},
			},
		}
	}

	op, err := p.service.Instances.Insert(p.projectID, p.zone, rb).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to insert instance: %w", err)
	}
	node := &machine.Node{ID: spec.Name, Name: spec.Name, State: machine.NodePending}
	if err := p.waitForOperation(ctx, op.Name); err != nil {
		var opErr *gcpOperationError
		if errors.As(err, &opErr) {
			return nil, fmt.Errorf("insert operation failed: %w", err)
		}
		// The insert was accepted and may still complete
		return node, fmt.Errorf("insert operation failed: %w", err)
	}
	return node, nil
}

// GetNode reads an instance by name
func (p *GCPDriver) GetNode(ctx context.Context, id string) (*machine.Node, error) {
	instance, err := p.service.Instances.Get(p.projectID, p.zone, id).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	node := &machine.Node{
		ID:    instance.Name,
		Name:  instance.Name,
		State: mapGCPStatus(instance.Status),
	}
	for _, ni := range instance.NetworkInterfaces {
		if ni.NetworkIP != "" {
			node.PrivateIPs = append(node.PrivateIPs, ni.NetworkIP)
		}
		for _, ac := range ni.AccessConfigs {
			if ac.NatIP != "" {
				node.PublicIPs = append(node.PublicIPs, ac.NatIP)
			}
		}
	}
	return node, nil
}

// StartNode starts a terminated instance
func (p *GCPDriver) StartNode(ctx context.Context, id string) error {
	if _, err := p.service.Instances.Start(p.projectID, p.zone, id).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to start instance: %w", err)
	}
	return nil
}

func (p *GCPDriver) Close() error { return nil }

func (p *GCPDriver) waitForOperation(ctx context.Context, opName string) error {
	ctx, cancel := context.WithTimeout(ctx, gcpOperationWait)
	defer cancel()

	for {
		op, err := p.service.ZoneOperations.Get(p.projectID, p.zone, opName).Context(ctx).Do()
		if err != nil {
			return err
		}
		if op.Status == "DONE" {
			if op.Error != nil && len(op.Error.Errors) > 0 {
				return &gcpOperationError{Name: opName, Message: op.Error.Errors[0].Message}
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for operation %s: %w", opName, ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
}

// gcpOperationError is an operation that finished with an error
type gcpOperationError struct {
	Name    string
	Message string
}

func (e *gcpOperationError) Error() string {
	return fmt.Sprintf("operation %s error: %s", e.Name, e.Message)
}

// customMachineType builds a custom-CPUS-MEMORY type name. Custom types take
// one or an even number of vCPUs and memory in multiples of 256 MiB.
func customMachineType(cores, ramMiB int) string {
	if cores < 1 {
		cores = 1
	}
	if cores > 1 && cores%2 != 0 {
		cores++
	}
	mem := (ramMiB + 255) / 256 * 256
	if mem < 256 {
		mem = 256
	}
	return fmt.Sprintf("custom-%d-%d", cores, mem)
}

func mapGCPStatus(status string) machine.NodeState {
	switch status {
	case "RUNNING":
		return machine.NodeRunning
	case "PROVISIONING", "STAGING", "STOPPING", "SUSPENDING", "REPAIRING":
		return machine.NodePending
	case "TERMINATED", "STOPPED", "SUSPENDED":
		return machine.NodeStopped
	}
	return machine.NodeUnknown
}
