package models

import "time"

// JobStatus is the platform's AsyncApexJob status taxonomy.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "Queued"
	JobStatusPreparing  JobStatus = "Preparing"
	JobStatusProcessing JobStatus = "Processing"
	JobStatusCompleted  JobStatus = "Completed"
	JobStatusFailed     JobStatus = "Failed"
	JobStatusAborted    JobStatus = "Aborted"
	JobStatusHolding    JobStatus = "Holding"
)

// IsTerminal reports whether the status can never transition again.
// The platform guarantees Completed, Failed and Aborted are final.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusAborted:
		return true
	}
	return false
}

// ValidJobStatuses is the allow-list used before a status value may be
// interpolated into a SOQL filter.
var ValidJobStatuses = []JobStatus{
	JobStatusQueued, JobStatusPreparing, JobStatusProcessing,
	JobStatusCompleted, JobStatusFailed, JobStatusAborted, JobStatusHolding,
}

// ApexJobType is the platform's AsyncApexJob.JobType taxonomy.
type ApexJobType string

const (
	ApexJobTypeQueueable      ApexJobType = "Queueable"
	ApexJobTypeBatchApex      ApexJobType = "BatchApex"
	ApexJobTypeBatchWorker    ApexJobType = "BatchApexWorker"
	ApexJobTypeFuture         ApexJobType = "Future"
	ApexJobTypeScheduledApex  ApexJobType = "ScheduledApex"
	ApexJobTypeApexToken      ApexJobType = "ApexToken"
	ApexJobTypeTestRequest    ApexJobType = "TestRequest"
	ApexJobTypeSharingRecalc  ApexJobType = "SharingRecalculation"
	ApexJobTypeTransportQueue ApexJobType = "TransportQueue"
)

// ValidJobTypes is the allow-list for JobType SOQL filters.
var ValidJobTypes = []ApexJobType{
	ApexJobTypeQueueable, ApexJobTypeBatchApex, ApexJobTypeBatchWorker,
	ApexJobTypeFuture, ApexJobTypeScheduledApex, ApexJobTypeApexToken,
	ApexJobTypeTestRequest, ApexJobTypeSharingRecalc, ApexJobTypeTransportQueue,
}

// JobTypeForKind maps an extracted job kind to the platform taxonomy
// used in AsyncApexJob queries.
func JobTypeForKind(kind JobKind) ApexJobType {
	switch kind {
	case JobKindBatch:
		return ApexJobTypeBatchApex
	case JobKindFuture:
		return ApexJobTypeFuture
	case JobKindSchedulable:
		return ApexJobTypeScheduledApex
	default:
		return ApexJobTypeQueueable
	}
}

// AsyncApexJob is the platform's record of an asynchronously scheduled
// job, as returned by the query endpoint.
type AsyncApexJob struct {
	ID                string      `json:"Id"`
	ApexClassID       string      `json:"ApexClassId,omitempty"`
	ClassName         string      `json:"ClassName,omitempty"` // Flattened from ApexClass.Name
	JobType           ApexJobType `json:"JobType"`
	Status            JobStatus   `json:"Status"`
	JobItemsProcessed int         `json:"JobItemsProcessed"`
	TotalJobItems     int         `json:"TotalJobItems"`
	NumberOfErrors    int         `json:"NumberOfErrors"`
	CreatedDate       time.Time   `json:"CreatedDate"`
	CompletedDate     *time.Time  `json:"CompletedDate,omitempty"`
	ExtendedStatus    string      `json:"ExtendedStatus,omitempty"`
	ParentJobID       string      `json:"ParentJobId,omitempty"` // Set on batch worker jobs
	MethodName        string      `json:"MethodName,omitempty"`  // Future jobs only
}
