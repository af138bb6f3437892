package service_clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ScheduleRequest carries everything the pipeline service needs to
// start a workflow for a hook event.
type ScheduleRequest struct {
	// RequestToken is the hook event id; the pipeline service
	// deduplicates on it, which makes Schedule safe to call again
	// for a replayed delivery.
	RequestToken  string `json:"request_token"`
	ProjectId     uint   `json:"project_id"`
	BranchId      uint   `json:"branch_id"`
	HookId        string `json:"hook_id"`
	CommitSha     string `json:"commit_sha"`
	GitRef        string `json:"git_ref"`
	PipelineFile  string `json:"pipeline_file"`
	Label         string `json:"label"`
	RequesterId   string `json:"requester_id,omitempty"`
	OrganisationId uint  `json:"organisation_id"`
}

type ScheduleResponse struct {
	WorkflowId string `json:"workflow_id"`
	PipelineId string `json:"pipeline_id"`
}

type terminateRequest struct {
	ProjectId  uint   `json:"project_id"`
	BranchName string `json:"branch_name"`
	Reason     string `json:"reason"`
}

// PipelineScheduler starts and terminates workflows on behalf of
// processed hook events.
type PipelineScheduler interface {
	Schedule(ctx context.Context, req ScheduleRequest) (*ScheduleResponse, error)
	TerminateAll(ctx context.Context, projectId uint, branchName string) error
}

type HttpPipelineScheduler struct {
	BaseUrl    string
	HttpClient *http.Client
}

func NewHttpPipelineScheduler(baseUrl string) *HttpPipelineScheduler {
	return &HttpPipelineScheduler{
		BaseUrl:    baseUrl,
		HttpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *HttpPipelineScheduler) Schedule(ctx context.Context, scheduleReq ScheduleRequest) (*ScheduleResponse, error) {
	if scheduleReq.RequestToken == "" {
		scheduleReq.RequestToken = uuid.NewString()
	}
	body, err := json.Marshal(scheduleReq)
	if err != nil {
		return nil, fmt.Errorf("marshalling schedule request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseUrl+"/schedule", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.HttpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scheduling pipeline: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pipeline service returned status %d", resp.StatusCode)
	}

	var result ScheduleResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding schedule response: %v", err)
	}
	return &result, nil
}

// TerminateAll stops every running pipeline on a branch. Used when the
// branch itself is deleted upstream.
func (p *HttpPipelineScheduler) TerminateAll(ctx context.Context, projectId uint, branchName string) error {
	body, err := json.Marshal(terminateRequest{
		ProjectId:  projectId,
		BranchName: branchName,
		Reason:     "branch_deletion",
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseUrl+"/terminate_all", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.HttpClient.Do(req)
	if err != nil {
		return fmt.Errorf("terminating pipelines: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pipeline service returned status %d", resp.StatusCode)
	}
	return nil
}

var _ PipelineScheduler = (*HttpPipelineScheduler)(nil)
