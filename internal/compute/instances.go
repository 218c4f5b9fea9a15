package compute

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/yairfalse/buildfleet/pkg/fleet"
)

// DescribeInstance returns the current state of a single instance.
func (c *Client) DescribeInstance(ctx context.Context, id string) (*fleet.Instance, error) {
	output, err := c.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		return nil, classifyWith("DescribeInstances", err, describeRetryableCodes)
	}

	for _, reservation := range output.Reservations {
		for _, instance := range reservation.Instances {
			if aws.ToString(instance.InstanceId) == id {
				inst := convertInstance(instance)
				return &inst, nil
			}
		}
	}

	// Not yet visible is the same condition EC2 reports as InvalidInstanceID.NotFound.
	return nil, &fleet.QueryError{
		Op:        "DescribeInstances",
		Code:      "InvalidInstanceID.NotFound",
		Retryable: true,
		Err:       fmt.Errorf("instance %s not in response", id),
	}
}

// RunInstance launches exactly one instance from spec.
func (c *Client) RunInstance(ctx context.Context, spec fleet.LaunchSpec) (*fleet.Instance, error) {
	if spec.ImageID == "" {
		return nil, &fleet.ConfigError{Field: "launch.image_id", Reason: "required"}
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(spec.ImageID),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		InstanceType: ec2types.InstanceType(spec.InstanceType),
	}
	if spec.KeyName != "" {
		input.KeyName = aws.String(spec.KeyName)
	}
	if spec.SubnetID != "" {
		input.SubnetId = aws.String(spec.SubnetID)
	}
	for _, sg := range spec.SecurityGroups {
		if strings.HasPrefix(sg, "sg-") {
			input.SecurityGroupIds = append(input.SecurityGroupIds, sg)
		} else {
			input.SecurityGroups = append(input.SecurityGroups, sg)
		}
	}
	if len(spec.Tags) > 0 {
		tags := toEC2Tags(spec.Tags)
		input.TagSpecifications = []ec2types.TagSpecification{
			{ResourceType: ec2types.ResourceTypeInstance, Tags: tags},
			{ResourceType: ec2types.ResourceTypeVolume, Tags: tags},
		}
	}

	output, err := c.ec2Client.RunInstances(ctx, input)
	if err != nil {
		return nil, classify("RunInstances", err)
	}
	if len(output.Instances) != 1 {
		return nil, &fleet.QueryError{
			Op:  "RunInstances",
			Err: fmt.Errorf("expected 1 instance, got %d", len(output.Instances)),
		}
	}

	inst := convertInstance(output.Instances[0])
	return &inst, nil
}

func convertInstance(instance ec2types.Instance) fleet.Instance {
	inst := fleet.Instance{
		ID:        aws.ToString(instance.InstanceId),
		PublicIP:  aws.ToString(instance.PublicIpAddress),
		PublicDNS: aws.ToString(instance.PublicDnsName),
		PrivateIP: aws.ToString(instance.PrivateIpAddress),
		Tags:      make(map[string]string, len(instance.Tags)),
	}
	if instance.State != nil {
		inst.State = fleet.InstanceState(instance.State.Name)
	}
	if instance.LaunchTime != nil {
		inst.LaunchTime = *instance.LaunchTime
	}
	for _, tag := range instance.Tags {
		inst.Tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	return inst
}

func toEC2Tags(tags map[string]string) []ec2types.Tag {
	out := make([]ec2types.Tag, 0, len(tags))
	for k, v := range tags {
		out = append(out, ec2types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return out
}
