// Package fleet defines the data model shared by the build-worker fleet tools.
// Everything here is read once per invocation and discarded. No state is kept
// across runs.
package fleet

import "time"

// InstanceState is an instance lifecycle state as reported by the provider.
type InstanceState string

// Known EC2 lifecycle states. Providers may report others.
const (
	StatePending      InstanceState = "pending"
	StateRunning      InstanceState = "running"
	StateShuttingDown InstanceState = "shutting-down"
	StateTerminated   InstanceState = "terminated"
	StateStopping     InstanceState = "stopping"
	StateStopped      InstanceState = "stopped"
)

// Instance is a read-only snapshot of a virtual machine taken by a single poll.
type Instance struct {
	ID         string            `json:"id" yaml:"id"`                                       // e.g. "i-0abc123"
	State      InstanceState     `json:"state" yaml:"state"`                                 // lifecycle state at poll time
	PublicIP   string            `json:"public_ip,omitempty" yaml:"public_ip,omitempty"`     // empty until assigned
	PublicDNS  string            `json:"public_dns,omitempty" yaml:"public_dns,omitempty"`   // empty until assigned
	PrivateIP  string            `json:"private_ip,omitempty" yaml:"private_ip,omitempty"`   // VPC address
	Tags       map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`               // instance tags
	LaunchTime time.Time         `json:"launch_time,omitempty" yaml:"launch_time,omitempty"` // provider launch time
}

// Address returns the address ports should be probed on. Public instances
// prefer the IP over the DNS name so probing does not depend on resolvers.
func (i Instance) Address(private bool) string {
	if private {
		return i.PrivateIP
	}
	if i.PublicIP != "" {
		return i.PublicIP
	}
	return i.PublicDNS
}

// Name returns the Name tag, if any.
func (i Instance) Name() string {
	return i.Tags["Name"]
}

// LaunchSpec describes a single instance to launch.
type LaunchSpec struct {
	ImageID        string
	InstanceType   string
	KeyName        string
	SecurityGroups []string
	SubnetID       string
	Tags           map[string]string
}

// TaggedImage is a machine image carrying the tag being reaped on.
type TaggedImage struct {
	ImageID    string `json:"image_id" yaml:"image_id"`
	SnapshotID string `json:"snapshot_id,omitempty" yaml:"snapshot_id,omitempty"` // root device snapshot, may be empty
	TagValue   string `json:"tag_value" yaml:"tag_value"`                         // raw value of the tag key
	Name       string `json:"name,omitempty" yaml:"name,omitempty"`

	Tags map[string]string `json:"-" yaml:"-"` // every tag on the image, used by tag filters
}

// Tag is the parsed form of an image tag value.
type Tag struct {
	Label    string `json:"label" yaml:"label"`
	Date     string `json:"date,omitempty" yaml:"date,omitempty"`
	Sequence int    `json:"sequence" yaml:"sequence"`
}

// TagEntry is an image together with its parsed tag.
// Sequence is the only ordering key; label and date are informational.
type TagEntry struct {
	Image TaggedImage `json:"image" yaml:"image"`
	Tag   Tag         `json:"tag" yaml:"tag"`
}

// Decision splits a candidate set into images to keep and images to remove.
// Remove is ordered oldest first, Keep is ordered oldest first as well.
type Decision struct {
	Keep   []TagEntry `json:"keep" yaml:"keep"`
	Remove []TagEntry `json:"remove" yaml:"remove"`
}
