package provisioning

import (
	"context"
	"fmt"

	"vmforge/internal/config"
	"vmforge/internal/logging"
	"vmforge/internal/machine"

	"github.com/yandex-cloud/go-genproto/yandex/cloud/compute/v1"
	"github.com/yandex-cloud/go-genproto/yandex/cloud/vpc/v1"
	ycsdk "github.com/yandex-cloud/go-sdk"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// YcDriver implements machine.Driver for Yandex Cloud
type YcDriver struct {
	sdk      *ycsdk.SDK
	folderID string
	zone     string
	username string
}

// NewYcDriver creates a new instance of YcDriver
func NewYcDriver(ctx context.Context, iamToken, folderID, zone, username string, p config.ProviderConfig) (*YcDriver, error) {
	if iamToken == "" || folderID == "" {
		return nil, fmt.Errorf("yandex token and folderId are required")
	}

	cfg := ycsdk.Config{
		Credentials: ycsdk.NewIAMTokenCredentials(iamToken),
	}
	if p.Endpoint != "" {
		cfg.Endpoint = p.Endpoint
	}
	sdk, err := ycsdk.Build(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create SDK: %w", err)
	}

	return &YcDriver{
		sdk:      sdk,
		folderID: folderID,
		zone:     zone,
		username: username,
	}, nil
}

func (p *YcDriver) Provider() string { return ProviderYandexCloud }

// ListImages lists the folder's images
func (p *YcDriver) ListImages(ctx context.Context) ([]machine.Image, error) {
	var images []machine.Image
	req := &compute.ListImagesRequest{FolderId: p.folderID, PageSize: 1000}
	for {
		resp, err := p.sdk.Compute().Image().List(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("failed to list images: %w", err)
		}
		for _, img := range resp.Images {
			images = append(images, machine.Image{ID: img.Id, Name: img.Name})
		}
		if resp.NextPageToken == "" {
			return images, nil
		}
		req.PageToken = resp.NextPageToken
	}
}

// CreateNode creates an instance and waits for the create operation
func (p *YcDriver) CreateNode(ctx context.Context, spec machine.NodeSpec) (*machine.Node, error) {
	subnetID, err := p.findSubnet(ctx, p.zone)
	if err != nil {
		return nil, err
	}

	request := &compute.CreateInstanceRequest{
		FolderId:   p.folderID,
		Name:       spec.Name,
		ZoneId:     p.zone,
		PlatformId: "standard-v3",
		ResourcesSpec: &compute.ResourcesSpec{
			Cores:  int64(spec.CPU),
			Memory: int64(spec.RAM) * mib,
		},
		BootDiskSpec: &compute.AttachedDiskSpec{
			AutoDelete: true,
			Disk: &compute.AttachedDiskSpec_DiskSpec_{
				DiskSpec: &compute.AttachedDiskSpec_DiskSpec{
					TypeId: "network-hdd",
					Size:   int64(spec.Disk) * gib,
					Source: &compute.AttachedDiskSpec_DiskSpec_ImageId{
						ImageId: spec.Image.ID,
					},
				},
			},
		},
		NetworkInterfaceSpecs: []*compute.NetworkInterfaceSpec{
			{
				SubnetId: subnetID,
				PrimaryV4AddressSpec: &compute.PrimaryAddressSpec{
					OneToOneNatSpec: &compute.OneToOneNatSpec{
						IpVersion: compute.IpVersion_IPV4,
					},
				},
			},
		},
	}
	if len(spec.PublicKeys) > 0 {
		userData, err := GenerateCloudConfig(p.username, spec.PublicKeys)
		if err != nil {
			return nil, fmt.Errorf("failed to generate cloud-config: %w", err)
		}
		request.Metadata = map[string]string{"user-data": userData}
	}

	op, err := p.sdk.WrapOperation(p.sdk.Compute().Instance().Create(ctx, request))
	if err != nil {
		return nil, fmt.Errorf("failed to create VM: %w", err)
	}
	if err := op.Wait(ctx); err != nil {
		if op.Done() {
			return nil, fmt.Errorf("create operation failed: %w", err)
		}
		// The operation was accepted and may still complete
		if meta, metaErr := op.Metadata(); metaErr == nil {
			if m, ok := meta.(*compute.CreateInstanceMetadata); ok && m.GetInstanceId() != "" {
				return &machine.Node{ID: m.GetInstanceId(), Name: spec.Name, State: machine.NodePending},
					fmt.Errorf("failed to wait for operation: %w", err)
			}
		}
		return nil, fmt.Errorf("failed to wait for operation: %w", err)
	}

	resp, err := op.Response()
	if err != nil {
		return nil, fmt.Errorf("failed to get response: %w", err)
	}
	instance, ok := resp.(*compute.Instance)
	if !ok {
		return nil, fmt.Errorf("unexpected create response %T", resp)
	}
	return toYcNode(instance), nil
}

// GetNode reads an instance by ID
func (p *YcDriver) GetNode(ctx context.Context, id string) (*machine.Node, error) {
	instance, err := p.sdk.Compute().Instance().Get(ctx, &compute.GetInstanceRequest{InstanceId: id})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("instance %s not found: %w", id, err)
		}
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return toYcNode(instance), nil
}

// StartNode starts a stopped instance
func (p *YcDriver) StartNode(ctx context.Context, id string) error {
	op, err := p.sdk.WrapOperation(p.sdk.Compute().Instance().Start(ctx, &compute.StartInstanceRequest{InstanceId: id}))
	if err != nil {
		if status.Code(err) == codes.FailedPrecondition {
			logging.Logger().Warn("instance is not in a startable state", zap.String("instance_id", id), zap.Error(err))
		}
		return fmt.Errorf("failed to start VM: %w", err)
	}
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("failed to wait for operation: %w", err)
	}
	return nil
}

// Close shuts the SDK's gRPC connections down
func (p *YcDriver) Close() error {
	return p.sdk.Shutdown(context.Background())
}

// findSubnet finds a subnet in the specified zone
func (p *YcDriver) findSubnet(ctx context.Context, zone string) (string, error) {
	resp, err := p.sdk.VPC().Subnet().List(ctx, &vpc.ListSubnetsRequest{
		FolderId: p.folderID,
		PageSize: 100,
	})
	if err != nil {
		return "", fmt.Errorf("failed to list subnets: %w", err)
	}

	for _, subnet := range resp.Subnets {
		if subnet.ZoneId == zone {
			return subnet.Id, nil
		}
	}
	return "", fmt.Errorf("no subnet found in zone %s", zone)
}

func toYcNode(inst *compute.Instance) *machine.Node {
	node := &machine.Node{
		ID:    inst.GetId(),
		Name:  inst.GetName(),
		State: mapYcStatus(inst.GetStatus()),
	}
	for _, ni := range inst.GetNetworkInterfaces() {
		addr := ni.GetPrimaryV4Address()
		if ip := addr.GetAddress(); ip != "" {
			node.PrivateIPs = append(node.PrivateIPs, ip)
		}
		if ip := addr.GetOneToOneNat().GetAddress(); ip != "" {
			node.PublicIPs = append(node.PublicIPs, ip)
		}
	}
	return node
}

func mapYcStatus(s compute.Instance_Status) machine.NodeState {
	switch s {
	case compute.Instance_RUNNING:
		return machine.NodeRunning
	case compute.Instance_PROVISIONING, compute.Instance_STARTING,
		compute.Instance_STOPPING, compute.Instance_RESTARTING, compute.Instance_UPDATING:
		return machine.NodePending
	case compute.Instance_STOPPED:
		return machine.NodeStopped
	}
	return machine.NodeUnknown
}
