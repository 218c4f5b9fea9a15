// Package compute implements the Compute API on top of AWS EC2.
package compute

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// Client is the Compute API handle. It is created once by the caller and
// passed to the waiter and the reaper.
type Client struct {
	region    string
	ec2Client EC2API
	stsClient STSAPI
}

// Option customizes how the AWS configuration is loaded.
type Option func(*options)

type options struct {
	profile string
	region  string
}

// WithProfile selects a shared config profile.
func WithProfile(profile string) Option {
	return func(o *options) {
		o.profile = profile
	}
}

// WithRegion overrides the region from the environment.
func WithRegion(region string) Option {
	return func(o *options) {
		o.region = region
	}
}

// New loads the default AWS configuration and builds a Client.
func New(ctx context.Context, opts ...Option) (*Client, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	var loadOpts []func(*config.LoadOptions) error
	if o.profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(o.profile))
	}
	if o.region != "" {
		loadOpts = append(loadOpts, config.WithRegion(o.region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewWithClients(awsCfg.Region, ec2.NewFromConfig(awsCfg), sts.NewFromConfig(awsCfg)), nil
}

// NewWithClients builds a Client around existing API implementations.
func NewWithClients(region string, ec2Client EC2API, stsClient STSAPI) *Client {
	return &Client{
		region:    region,
		ec2Client: ec2Client,
		stsClient: stsClient,
	}
}

// Region returns the region the client talks to.
func (c *Client) Region() string {
	return c.region
}

// AccountID returns the account the credentials belong to.
func (c *Client) AccountID(ctx context.Context) (string, error) {
	if c.stsClient == nil {
		return "", fmt.Errorf("get caller identity: no sts client")
	}
	out, err := c.stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", classify("GetCallerIdentity", err)
	}
	return aws.ToString(out.Account), nil
}
