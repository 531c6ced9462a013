package provisioning

import (
	"context"
	"fmt"

	"vmforge/internal/config"
	"vmforge/internal/machine"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// ec2API is the subset of the EC2 client the driver uses
type ec2API interface {
	DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	StartInstances(ctx context.Context, in *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
}

// AWSDriver implements machine.Driver for AWS EC2
type AWSDriver struct {
	client ec2API
	// rootDevices maps AMI IDs to their root device names
	rootDevices map[string]string
}

// NewAWSDriver creates a new instance of AWSDriver
func NewAWSDriver(ctx context.Context, region, accessKey, secretKey string, p config.ProviderConfig) (*AWSDriver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := ec2.NewFromConfig(cfg, func(o *ec2.Options) {
		if p.Endpoint != "" {
			o.BaseEndpoint = aws.String(p.Endpoint)
		}
	})
	return &AWSDriver{
		client:      client,
		rootDevices: make(map[string]string),
	}, nil
}

func (p *AWSDriver) Provider() string { return ProviderAWS }

// ListImages lists AMIs owned by the account
func (p *AWSDriver) ListImages(ctx context.Context) ([]machine.Image, error) {
	out, err := p.client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{"self"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe images: %w", err)
	}

	images := make([]machine.Image, 0, len(out.Images))
	for _, img := range out.Images {
		id := aws.ToString(img.ImageId)
		if dev := aws.ToString(img.RootDeviceName); dev != "" {
			p.rootDevices[id] = dev
		}
		images = append(images, machine.Image{ID: id, Name: aws.ToString(img.Name)})
	}
	return images, nil
}

// CreateNode launches one instance from the image
func (p *AWSDriver) CreateNode(ctx context.Context, spec machine.NodeSpec) (*machine.Node, error) {
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(spec.Image.ID),
		InstanceType: p.mapResourcesToInstanceType(spec.CPU, memoryGB(spec.RAM)),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags: []types.Tag{
					{Key: aws.String("Name"), Value: aws.String(spec.Name)},
				},
			},
		},
	}
	if len(spec.PublicKeys) > 0 {
		input.KeyName = aws.String(spec.PublicKeys[0])
	}
	if dev, ok := p.rootDevices[spec.Image.ID]; ok && spec.Disk > 0 {
		input.BlockDeviceMappings = []types.BlockDeviceMapping{
			{
				DeviceName: aws.String(dev),
				Ebs: &types.EbsBlockDevice{
					VolumeSize:          aws.Int32(int32(spec.Disk)),
					DeleteOnTermination: aws.Bool(true),
				},
			},
		}
	}

	output, err := p.client.RunInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to run instance: %w", err)
	}
	if len(output.Instances) == 0 {
		return nil, fmt.Errorf("run instances returned no instance")
	}
	return toAWSNode(output.Instances[0]), nil
}

// GetNode describes one instance
func (p *AWSDriver) GetNode(ctx context.Context, id string) (*machine.Node, error) {
	desc, err := p.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe instance: %w", err)
	}
	if len(desc.Reservations) == 0 || len(desc.Reservations[0].Instances) == 0 {
		return nil, fmt.Errorf("instance %s not found", id)
	}
	return toAWSNode(desc.Reservations[0].Instances[0]), nil
}

// StartNode starts a stopped instance
func (p *AWSDriver) StartNode(ctx context.Context, id string) error {
	_, err := p.client.StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		return fmt.Errorf("failed to start instance: %w", err)
	}
	return nil
}

func (p *AWSDriver) Close() error { return nil }

func (p *AWSDriver) mapResourcesToInstanceType(cores int, memory int64) types.InstanceType {
	if cores <= 1 && memory <= 1 {
		return types.InstanceTypeT3Micro
	}
	if cores <= 2 && memory <= 2 {
		return types.InstanceTypeT3Small
	}
	if cores <= 2 && memory <= 4 {
		return types.InstanceTypeT3Medium
	}
	if cores <= 2 && memory <= 8 {
		return types.InstanceTypeT3Large
	}
	return types.InstanceTypeT3Xlarge
}

func toAWSNode(inst types.Instance) *machine.Node {
	node := &machine.Node{
		ID:    aws.ToString(inst.InstanceId),
		State: machine.NodeUnknown,
	}
	for _, tag := range inst.Tags {
		if aws.ToString(tag.Key) == "Name" {
			node.Name = aws.ToString(tag.Value)
		}
	}
	if inst.State != nil {
		node.State = mapAWSState(inst.State.Name)
	}
	if ip := aws.ToString(inst.PublicIpAddress); ip != "" {
		node.PublicIPs = []string{ip}
	}
	if ip := aws.ToString(inst.PrivateIpAddress); ip != "" {
		node.PrivateIPs = []string{ip}
	}
	return node
}

func mapAWSState(name types.InstanceStateName) machine.NodeState {
	switch name {
	case types.InstanceStateNameRunning:
		return machine.NodeRunning
	case types.InstanceStateNamePending, types.InstanceStateNameStopping:
		return machine.NodePending
	case types.InstanceStateNameStopped:
		return machine.NodeStopped
	}
	return machine.NodeUnknown
}
