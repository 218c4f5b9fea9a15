package compute

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/buildfleet/pkg/fleet"
)

type mockEC2Client struct {
	DescribeInstancesFunc func(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	RunInstancesFunc      func(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeImagesFunc    func(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	DeregisterImageFunc   func(ctx context.Context, params *ec2.DeregisterImageInput, optFns ...func(*ec2.Options)) (*ec2.DeregisterImageOutput, error)
	DeleteSnapshotFunc    func(ctx context.Context, params *ec2.DeleteSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSnapshotOutput, error)
}

func (m *mockEC2Client) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return m.DescribeInstancesFunc(ctx, params, optFns...)
}

func (m *mockEC2Client) RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	return m.RunInstancesFunc(ctx, params, optFns...)
}

func (m *mockEC2Client) DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	return m.DescribeImagesFunc(ctx, params, optFns...)
}

func (m *mockEC2Client) DeregisterImage(ctx context.Context, params *ec2.DeregisterImageInput, optFns ...func(*ec2.Options)) (*ec2.DeregisterImageOutput, error) {
	return m.DeregisterImageFunc(ctx, params, optFns...)
}

func (m *mockEC2Client) DeleteSnapshot(ctx context.Context, params *ec2.DeleteSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSnapshotOutput, error) {
	return m.DeleteSnapshotFunc(ctx, params, optFns...)
}

type mockSTSClient struct {
	GetCallerIdentityFunc func(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

func (m *mockSTSClient) GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	return m.GetCallerIdentityFunc(ctx, params, optFns...)
}

// ══════════════════════════════════════════════════════════════════════════════
// Instances
// ══════════════════════════════════════════════════════════════════════════════

func TestDescribeInstance(t *testing.T) {
	mock := &mockEC2Client{
		DescribeInstancesFunc: func(_ context.Context, params *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
			assert.Equal(t, []string{"i-123"}, params.InstanceIds)
			return &ec2.DescribeInstancesOutput{
				Reservations: []ec2types.Reservation{{
					Instances: []ec2types.Instance{{
						InstanceId:       aws.String("i-123"),
						State:            &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
						PublicIpAddress:  aws.String("54.1.2.3"),
						PublicDnsName:    aws.String("ec2-54-1-2-3.compute-1.amazonaws.com"),
						PrivateIpAddress: aws.String("10.0.1.7"),
						Tags:             []ec2types.Tag{{Key: aws.String("Name"), Value: aws.String("ci-worker")}},
					}},
				}},
			}, nil
		},
	}

	c := NewWithClients("us-east-1", mock, nil)
	inst, err := c.DescribeInstance(context.Background(), "i-123")

	require.NoError(t, err)
	assert.Equal(t, fleet.StateRunning, inst.State)
	assert.Equal(t, "54.1.2.3", inst.PublicIP)
	assert.Equal(t, "10.0.1.7", inst.PrivateIP)
	assert.Equal(t, "ci-worker", inst.Name())
}

func TestDescribeInstance_NotYetVisible(t *testing.T) {
	mock := &mockEC2Client{
		DescribeInstancesFunc: func(_ context.Context, _ *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound", Message: "does not exist"}
		},
	}

	c := NewWithClients("us-east-1", mock, nil)
	_, err := c.DescribeInstance(context.Background(), "i-123")

	require.Error(t, err)
	assert.True(t, fleet.IsRetryable(err))
}

func TestDescribeInstance_EmptyResponseIsRetryable(t *testing.T) {
	mock := &mockEC2Client{
		DescribeInstancesFunc: func(_ context.Context, _ *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
			return &ec2.DescribeInstancesOutput{}, nil
		},
	}

	c := NewWithClients("us-east-1", mock, nil)
	_, err := c.DescribeInstance(context.Background(), "i-123")

	require.Error(t, err)
	assert.True(t, fleet.IsRetryable(err))
}

func TestDescribeInstance_FatalError(t *testing.T) {
	mock := &mockEC2Client{
		DescribeInstancesFunc: func(_ context.Context, _ *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "UnauthorizedOperation", Message: "denied"}
		},
	}

	c := NewWithClients("us-east-1", mock, nil)
	_, err := c.DescribeInstance(context.Background(), "i-123")

	require.Error(t, err)
	assert.False(t, fleet.IsRetryable(err))

	var qe *fleet.QueryError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, "UnauthorizedOperation", qe.Code)
	assert.Equal(t, "DescribeInstances", qe.Op)
}

func TestRunInstance(t *testing.T) {
	var captured *ec2.RunInstancesInput
	mock := &mockEC2Client{
		RunInstancesFunc: func(_ context.Context, params *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
			captured = params
			return &ec2.RunInstancesOutput{
				Instances: []ec2types.Instance{{
					InstanceId: aws.String("i-new"),
					State:      &ec2types.InstanceState{Name: ec2types.InstanceStateNamePending},
				}},
			}, nil
		},
	}

	c := NewWithClients("us-east-1", mock, nil)
	inst, err := c.RunInstance(context.Background(), fleet.LaunchSpec{
		ImageID:        "ami-123",
		InstanceType:   "t2.medium",
		KeyName:        "ci",
		SecurityGroups: []string{"ci-workers", "sg-0abc"},
		Tags:           map[string]string{"Name": "CI Slave"},
	})

	require.NoError(t, err)
	assert.Equal(t, "i-new", inst.ID)
	assert.Equal(t, fleet.StatePending, inst.State)

	require.NotNil(t, captured)
	assert.Equal(t, "ami-123", aws.ToString(captured.ImageId))
	assert.Equal(t, int32(1), aws.ToInt32(captured.MinCount))
	assert.Equal(t, int32(1), aws.ToInt32(captured.MaxCount))
	assert.Equal(t, ec2types.InstanceType("t2.medium"), captured.InstanceType)
	assert.Equal(t, []string{"ci-workers"}, captured.SecurityGroups)
	assert.Equal(t, []string{"sg-0abc"}, captured.SecurityGroupIds)
	require.Len(t, captured.TagSpecifications, 2)
	assert.Equal(t, ec2types.ResourceTypeInstance, captured.TagSpecifications[0].ResourceType)
	assert.Equal(t, ec2types.ResourceTypeVolume, captured.TagSpecifications[1].ResourceType)
}

func TestRunInstance_RequiresImage(t *testing.T) {
	c := NewWithClients("us-east-1", &mockEC2Client{}, nil)
	_, err := c.RunInstance(context.Background(), fleet.LaunchSpec{})

	require.Error(t, err)
	assert.ErrorIs(t, err, fleet.ErrInvalidConfig)
}

// ══════════════════════════════════════════════════════════════════════════════
// Images
// ══════════════════════════════════════════════════════════════════════════════

func TestListImages(t *testing.T) {
	calls := 0
	mock := &mockEC2Client{
		DescribeImagesFunc: func(_ context.Context, params *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
			calls++
			assert.Equal(t, []string{"self"}, params.Owners)
			require.Len(t, params.Filters, 1)
			assert.Equal(t, "tag-key", aws.ToString(params.Filters[0].Name))
			assert.Equal(t, []string{"Name"}, params.Filters[0].Values)

			if params.NextToken == nil {
				return &ec2.DescribeImagesOutput{
					Images: []ec2types.Image{{
						ImageId: aws.String("ami-1"),
						Tags:    []ec2types.Tag{{Key: aws.String("Name"), Value: aws.String("CI Slave 2023-05-01 #0001")}},
						BlockDeviceMappings: []ec2types.BlockDeviceMapping{
							{DeviceName: aws.String("/dev/sdb"), Ebs: &ec2types.EbsBlockDevice{SnapshotId: aws.String("snap-data")}},
							{DeviceName: aws.String("/dev/sda1"), Ebs: &ec2types.EbsBlockDevice{SnapshotId: aws.String("snap-root")}},
						},
					}},
					NextToken: aws.String("page-2"),
				}, nil
			}
			return &ec2.DescribeImagesOutput{
				Images: []ec2types.Image{{
					ImageId: aws.String("ami-2"),
					Tags:    []ec2types.Tag{{Key: aws.String("Name"), Value: aws.String("CI Slave 2023-05-02 #0002")}},
					BlockDeviceMappings: []ec2types.BlockDeviceMapping{
						{DeviceName: aws.String("/dev/sdc"), VirtualName: aws.String("ephemeral0")},
					},
				}},
			}, nil
		},
	}

	c := NewWithClients("us-east-1", mock, nil)
	images, err := c.ListImages(context.Background(), "Name", "/dev/sda1")

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	require.Len(t, images, 2)
	assert.Equal(t, "ami-1", images[0].ImageID)
	assert.Equal(t, "snap-root", images[0].SnapshotID)
	assert.Equal(t, "CI Slave 2023-05-01 #0001", images[0].TagValue)
	assert.Equal(t, map[string]string{"Name": "CI Slave 2023-05-01 #0001"}, images[0].Tags)
	assert.Equal(t, "ami-2", images[1].ImageID)
	assert.Empty(t, images[1].SnapshotID)
}

func TestListImages_Error(t *testing.T) {
	mock := &mockEC2Client{
		DescribeImagesFunc: func(_ context.Context, _ *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
			return nil, errors.New("access denied")
		},
	}

	c := NewWithClients("us-east-1", mock, nil)
	_, err := c.ListImages(context.Background(), "Name", "/dev/sda1")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
	assert.False(t, fleet.IsRetryable(err))
}

func TestDeregisterAndDeleteSnapshot(t *testing.T) {
	mock := &mockEC2Client{
		DeregisterImageFunc: func(_ context.Context, params *ec2.DeregisterImageInput, _ ...func(*ec2.Options)) (*ec2.DeregisterImageOutput, error) {
			assert.Equal(t, "ami-1", aws.ToString(params.ImageId))
			return &ec2.DeregisterImageOutput{}, nil
		},
		DeleteSnapshotFunc: func(_ context.Context, _ *ec2.DeleteSnapshotInput, _ ...func(*ec2.Options)) (*ec2.DeleteSnapshotOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "RequestLimitExceeded", Message: "slow down"}
		},
	}

	c := NewWithClients("us-east-1", mock, nil)
	require.NoError(t, c.DeregisterImage(context.Background(), "ami-1"))

	err := c.DeleteSnapshot(context.Background(), "snap-1")
	require.Error(t, err)
	assert.True(t, fleet.IsRetryable(err))
}

func TestAccountID(t *testing.T) {
	stsMock := &mockSTSClient{
		GetCallerIdentityFunc: func(_ context.Context, _ *sts.GetCallerIdentityInput, _ ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
			return &sts.GetCallerIdentityOutput{Account: aws.String("123456789012")}, nil
		},
	}

	c := NewWithClients("us-east-1", &mockEC2Client{}, stsMock)
	account, err := c.AccountID(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "123456789012", account)
}
