package cluster

import (
	"github.com/cuemby/weir/pkg/dispatcher"
	"github.com/cuemby/weir/pkg/rpc"
	"github.com/cuemby/weir/pkg/types"
)

// The command names an rpc.Client dials against this Entry's Gateway. Kept
// here as the one place both client and server code can reference them.
const (
	CmdSubmitJob         = "submit_job"
	CmdCancelJob         = "cancel_job"
	CmdTriggerSavepoint  = "trigger_savepoint"
	CmdStopWithSavepoint = "stop_with_savepoint"
	CmdListJobs          = "list_jobs"
	CmdRequestJobDetails = "request_job_details"
	CmdRequestJobStatus  = "request_job_status"
	CmdRequestJobResult  = "request_job_result"
)

// Request/response bodies below are plain gob-encodable structs; types.JobId
// and friends are [16]byte arrays under uuid.UUID so they need no custom
// GobEncode (pkg/rpc's envelope just gob.Encodes whatever body it's given).

type SubmitJobRequest struct {
	Graph *types.JobGraph
}

type SubmitJobResponse struct{}

type CancelJobRequest struct {
	JobId types.JobId
}

type CancelJobResponse struct{}

type SavepointRequest struct {
	JobId     types.JobId
	TargetDir string
}

type SavepointResponse struct {
	Location string
}

type ListJobsRequest struct{}

type ListJobsResponse struct {
	JobIds []types.JobId
}

type JobIdRequest struct {
	JobId types.JobId
}

type JobDetailsResponse struct {
	Details dispatcher.JobDetails
}

type JobStatusResponse struct {
	Status dispatcher.JobStatus
}

type JobResultResponse struct {
	Result dispatcher.JobResult
}

// registerDispatcherHandlers exposes the Dispatcher's public cluster API
// (spec.md §4.2) over this Entry's rpc.Gateway. This is the one boundary in
// this process where pkg/rpc's Gateway/Register machinery earns its keep:
// every other gateway interface in this composition (Resource Manager <->
// Task Executor, Job Master <-> Task Executor) is satisfied by direct Go
// method calls because both sides live in the same process.
func (e *Entry) registerDispatcherHandlers() {
	rpc.Register(e.gateway, CmdSubmitJob, func(_ uint64, req *SubmitJobRequest) (*SubmitJobResponse, error) {
		return &SubmitJobResponse{}, e.dispatcher.SubmitJob(req.Graph)
	})
	rpc.Register(e.gateway, CmdCancelJob, func(_ uint64, req *CancelJobRequest) (*CancelJobResponse, error) {
		return &CancelJobResponse{}, e.dispatcher.CancelJob(req.JobId)
	})
	rpc.Register(e.gateway, CmdTriggerSavepoint, func(_ uint64, req *SavepointRequest) (*SavepointResponse, error) {
		loc, err := e.dispatcher.TriggerSavepoint(req.JobId, req.TargetDir)
		return &SavepointResponse{Location: loc}, err
	})
	rpc.Register(e.gateway, CmdStopWithSavepoint, func(_ uint64, req *SavepointRequest) (*SavepointResponse, error) {
		loc, err := e.dispatcher.StopWithSavepoint(req.JobId, req.TargetDir)
		return &SavepointResponse{Location: loc}, err
	})
	rpc.Register(e.gateway, CmdListJobs, func(_ uint64, _ *ListJobsRequest) (*ListJobsResponse, error) {
		ids, err := e.dispatcher.ListJobs()
		return &ListJobsResponse{JobIds: ids}, err
	})
	rpc.Register(e.gateway, CmdRequestJobDetails, func(_ uint64, req *JobIdRequest) (*JobDetailsResponse, error) {
		details, err := e.dispatcher.RequestJobDetails(req.JobId)
		return &JobDetailsResponse{Details: details}, err
	})
	rpc.Register(e.gateway, CmdRequestJobStatus, func(_ uint64, req *JobIdRequest) (*JobStatusResponse, error) {
		status, err := e.dispatcher.RequestJobStatus(req.JobId)
		return &JobStatusResponse{Status: status}, err
	})
	rpc.Register(e.gateway, CmdRequestJobResult, func(_ uint64, req *JobIdRequest) (*JobResultResponse, error) {
		result, err := e.dispatcher.RequestJobResult(req.JobId)
		return &JobResultResponse{Result: result}, err
	})
}
