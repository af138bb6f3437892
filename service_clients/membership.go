package service_clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// MembershipChecker answers whether a user is allowed to view a
// project, which stands in for organisation membership when deciding
// whether a sender may trigger workflows.
type MembershipChecker interface {
	CanViewProject(ctx context.Context, orgId uint, projectId uint, userId string) (bool, error)
}

type membershipRequest struct {
	OrganisationId uint   `json:"organisation_id"`
	ProjectId      uint   `json:"project_id"`
	UserId         string `json:"user_id"`
}

type membershipResponse struct {
	Allowed bool `json:"allowed"`
}

type HttpMembershipChecker struct {
	BaseUrl    string
	HttpClient *http.Client
}

func NewHttpMembershipChecker(baseUrl string) *HttpMembershipChecker {
	return &HttpMembershipChecker{
		BaseUrl:    baseUrl,
		HttpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (m *HttpMembershipChecker) CanViewProject(ctx context.Context, orgId uint, projectId uint, userId string) (bool, error) {
	body, err := json.Marshal(membershipRequest{OrganisationId: orgId, ProjectId: projectId, UserId: userId})
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.BaseUrl+"/can_view_project", bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.HttpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("checking project membership: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("membership service returned status %d", resp.StatusCode)
	}

	var result membershipResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, err
	}
	return result.Allowed, nil
}

var _ MembershipChecker = (*HttpMembershipChecker)(nil)
