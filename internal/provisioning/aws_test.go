package provisioning

import (
	"context"
	"testing"

	"vmforge/internal/machine"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEC2 struct {
	run     *ec2.RunInstancesInput
	started []string
	inst    types.Instance
}

func (f *fakeEC2) DescribeImages(_ context.Context, in *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	return &ec2.DescribeImagesOutput{Images: []types.Image{
		{ImageId: aws.String("ami-1"), Name: aws.String("nixos-base"), RootDeviceName: aws.String("/dev/xvda")},
		{ImageId: aws.String("ami-2"), Name: aws.String("other")},
	}}, nil
}

func (f *fakeEC2) RunInstances(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.run = in
	return &ec2.RunInstancesOutput{Instances: []types.Instance{{
		InstanceId: aws.String("i-123"),
		State:      &types.InstanceState{Name: types.InstanceStateNamePending},
	}}}, nil
}

func (f *fakeEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return &ec2.DescribeInstancesOutput{Reservations: []types.Reservation{{Instances: []types.Instance{f.inst}}}}, nil
}

func (f *fakeEC2) StartInstances(_ context.Context, in *ec2.StartInstancesInput, _ ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
	f.started = append(f.started, in.InstanceIds...)
	return &ec2.StartInstancesOutput{}, nil
}

func TestAWSDriver_mapResourcesToInstanceType(t *testing.T) {
	p := &AWSDriver{}
	tests := []struct {
		cores  int
		memory int64
		want   types.InstanceType
	}{
		{1, 1, types.InstanceTypeT3Micro},
		{2, 2, types.InstanceTypeT3Small},
		{2, 4, types.InstanceTypeT3Medium},
		{2, 8, types.InstanceTypeT3Large},
		{4, 16, types.InstanceTypeT3Xlarge},
	}
	for _, tt := range tests {
		if got := p.mapResourcesToInstanceType(tt.cores, tt.memory); got != tt.want {
			t.Errorf("mapResourcesToInstanceType(%v, %v) = %v, want %v", tt.cores, tt.memory, got, tt.want)
		}
	}
}

func TestAWSDriver_CreateNode(t *testing.T) {
	fake := &fakeEC2{}
	d := &AWSDriver{client: fake, rootDevices: map[string]string{}}
	ctx := context.Background()

	images, err := d.ListImages(ctx)
	require.NoError(t, err)
	require.Len(t, images, 2)

	node, err := d.CreateNode(ctx, machine.NodeSpec{
		Name:       "web",
		CPU:        2,
		RAM:        2048,
		Disk:       30,
		Image:      images[0],
		PublicKeys: []string{"deploy-key"},
	})
	require.NoError(t, err)
	assert.Equal(t, "i-123", node.ID)
	assert.Equal(t, machine.NodePending, node.State)

	require.NotNil(t, fake.run)
	assert.Equal(t, "ami-1", aws.ToString(fake.run.ImageId))
	assert.Equal(t, types.InstanceTypeT3Small, fake.run.InstanceType)
	assert.Equal(t, "deploy-key", aws.ToString(fake.run.KeyName))
	require.Len(t, fake.run.BlockDeviceMappings, 1)
	assert.Equal(t, "/dev/xvda", aws.ToString(fake.run.BlockDeviceMappings[0].DeviceName))
	assert.Equal(t, int32(30), aws.ToInt32(fake.run.BlockDeviceMappings[0].Ebs.VolumeSize))
}

func TestAWSDriver_GetNode(t *testing.T) {
	fake := &fakeEC2{inst: types.Instance{
		InstanceId:       aws.String("i-123"),
		State:            &types.InstanceState{Name: types.InstanceStateNameRunning},
		PublicIpAddress:  aws.String("203.0.113.5"),
		PrivateIpAddress: aws.String("10.0.0.5"),
		Tags:             []types.Tag{{Key: aws.String("Name"), Value: aws.String("web")}},
	}}
	d := &AWSDriver{client: fake, rootDevices: map[string]string{}}

	node, err := d.GetNode(context.Background(), "i-123")
	require.NoError(t, err)
	assert.Equal(t, machine.NodeRunning, node.State)
	assert.Equal(t, "web", node.Name)
	assert.Equal(t, []string{"203.0.113.5"}, node.PublicIPs)
	assert.Equal(t, []string{"10.0.0.5"}, node.PrivateIPs)

	require.NoError(t, d.StartNode(context.Background(), "i-123"))
	assert.Equal(t, []string{"i-123"}, fake.started)
}

func TestMapAWSState(t *testing.T) {
	tests := []struct {
		in   types.InstanceStateName
		want machine.NodeState
	}{
		{types.InstanceStateNamePending, machine.NodePending},
		{types.InstanceStateNameRunning, machine.NodeRunning},
		{types.InstanceStateNameStopping, machine.NodePending},
		{types.InstanceStateNameStopped, machine.NodeStopped},
		{types.InstanceStateNameTerminated, machine.NodeUnknown},
	}
	for _, tt := range tests {
		if got := mapAWSState(tt.in); got != tt.want {
			t.Errorf("mapAWSState(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
