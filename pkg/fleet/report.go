package fleet

import "time"

// Outcome is the terminal result of processing one image selected for removal.
type Outcome string

const (
	// OutcomeDeregistered means the image was deregistered and had no snapshot.
	OutcomeDeregistered Outcome = "deregistered"
	// OutcomeSnapshotDeleted means the image was deregistered and its snapshot deleted.
	OutcomeSnapshotDeleted Outcome = "snapshot_deleted"
	// OutcomeFailed means deregistration failed. The snapshot was left alone.
	OutcomeFailed Outcome = "failed"
	// OutcomeSnapshotFailed means the image was deregistered but its snapshot was not deleted.
	OutcomeSnapshotFailed Outcome = "snapshot_failed"
	// OutcomeDryRun means the image would have been removed.
	OutcomeDryRun Outcome = "dry_run"
)

// Failed reports whether the outcome needs operator attention.
func (o Outcome) Failed() bool {
	return o == OutcomeFailed || o == OutcomeSnapshotFailed
}

// ItemResult records what happened to a single image.
type ItemResult struct {
	ImageID    string        `json:"image_id" yaml:"image_id"`
	SnapshotID string        `json:"snapshot_id,omitempty" yaml:"snapshot_id,omitempty"`
	Sequence   int           `json:"sequence" yaml:"sequence"`
	Outcome    Outcome       `json:"outcome" yaml:"outcome"`
	Detail     string        `json:"detail,omitempty" yaml:"detail,omitempty"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
}

// Exclusion records an image that carried the tag but was not a candidate.
type Exclusion struct {
	ImageID  string `json:"image_id" yaml:"image_id"`
	TagValue string `json:"tag_value" yaml:"tag_value"`
	Reason   string `json:"reason" yaml:"reason"`
}

// ReapReport is the result of one reap run.
type ReapReport struct {
	TagKey          string        `json:"tag_key" yaml:"tag_key"`
	Prefix          string        `json:"prefix" yaml:"prefix"`
	MinimumToRetain int           `json:"minimum_to_retain" yaml:"minimum_to_retain"`
	DryRun          bool          `json:"dry_run" yaml:"dry_run"`
	StartTime       time.Time     `json:"start_time" yaml:"start_time"`
	EndTime         time.Time     `json:"end_time" yaml:"end_time"`
	Duration        time.Duration `json:"duration" yaml:"duration"`
	Listed          int           `json:"listed" yaml:"listed"`
	Kept            []TagEntry    `json:"kept" yaml:"kept"`
	Items           []ItemResult  `json:"items" yaml:"items"`
	Excluded        []Exclusion   `json:"excluded,omitempty" yaml:"excluded,omitempty"`
}

// FailedCount returns the number of items that did not complete cleanly.
func (r *ReapReport) FailedCount() int {
	n := 0
	for _, item := range r.Items {
		if item.Outcome.Failed() {
			n++
		}
	}
	return n
}

// PartialFailure reports whether any item failed.
func (r *ReapReport) PartialFailure() bool {
	return r.FailedCount() > 0
}
