package compute

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/yairfalse/buildfleet/pkg/fleet"
)

// ListImages returns every image owned by the account that carries tagKey.
// SnapshotID is filled from the block device mapping named device, if any.
func (c *Client) ListImages(ctx context.Context, tagKey, device string) ([]fleet.TaggedImage, error) {
	var images []fleet.TaggedImage
	var nextToken *string

	for {
		output, err := c.ec2Client.DescribeImages(ctx, &ec2.DescribeImagesInput{
			Owners: []string{"self"},
			Filters: []ec2types.Filter{
				{Name: aws.String("tag-key"), Values: []string{tagKey}},
			},
			NextToken: nextToken,
		})
		if err != nil {
			return nil, classify("DescribeImages", err)
		}

		for _, image := range output.Images {
			value, ok := tagValue(image.Tags, tagKey)
			if !ok {
				continue
			}
			images = append(images, fleet.TaggedImage{
				ImageID:    aws.ToString(image.ImageId),
				SnapshotID: snapshotFor(image.BlockDeviceMappings, device),
				TagValue:   value,
				Name:       aws.ToString(image.Name),
				Tags:       tagMap(image.Tags),
			})
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return images, nil
}

// DeregisterImage retires an image.
func (c *Client) DeregisterImage(ctx context.Context, imageID string) error {
	_, err := c.ec2Client.DeregisterImage(ctx, &ec2.DeregisterImageInput{ImageId: aws.String(imageID)})
	return classify("DeregisterImage", err)
}

// DeleteSnapshot deletes an EBS snapshot.
func (c *Client) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	_, err := c.ec2Client.DeleteSnapshot(ctx, &ec2.DeleteSnapshotInput{SnapshotId: aws.String(snapshotID)})
	return classify("DeleteSnapshot", err)
}

func tagValue(tags []ec2types.Tag, key string) (string, bool) {
	for _, tag := range tags {
		if aws.ToString(tag.Key) == key {
			return aws.ToString(tag.Value), true
		}
	}
	return "", false
}

func tagMap(tags []ec2types.Tag) map[string]string {
	out := make(map[string]string, len(tags))
	for _, tag := range tags {
		out[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	return out
}

func snapshotFor(mappings []ec2types.BlockDeviceMapping, device string) string {
	for _, m := range mappings {
		if aws.ToString(m.DeviceName) == device && m.Ebs != nil {
			return aws.ToString(m.Ebs.SnapshotId)
		}
	}
	return ""
}
