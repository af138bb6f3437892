package service_clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/forgeci/hookhub/stats"
)

// VerificationResult is deliberately tri-state. "signature wrong" and
// "verifier unreachable" must stay distinct: conflating them either
// leaks unverified events or permanently drops valid ones during an
// outage.
type VerificationResult int

const (
	VerificationOk VerificationResult = iota
	VerificationNotVerified
	VerificationRetry
)

type SignatureVerifier interface {
	VerifyWebhookSignature(ctx context.Context, organisationId uint, repositoryId uint, payload []byte, signature string) VerificationResult
}

type verifyRequest struct {
	OrganisationId uint   `json:"organisation_id"`
	RepositoryId   uint   `json:"repository_id"`
	Payload        []byte `json:"payload"`
	Signature      string `json:"signature"`
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

// HttpSignatureVerifier delegates to the signature verification
// service over HTTP.
type HttpSignatureVerifier struct {
	BaseUrl    string
	HttpClient *http.Client
}

func NewHttpSignatureVerifier(baseUrl string) *HttpSignatureVerifier {
	return &HttpSignatureVerifier{
		BaseUrl:    baseUrl,
		HttpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (v *HttpSignatureVerifier) VerifyWebhookSignature(ctx context.Context, organisationId uint, repositoryId uint, payload []byte, signature string) VerificationResult {
	body, err := json.Marshal(verifyRequest{
		OrganisationId: organisationId,
		RepositoryId:   repositoryId,
		Payload:        payload,
		Signature:      signature,
	})
	if err != nil {
		slog.Error("failed to marshal verification request", "error", err)
		return VerificationRetry
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.BaseUrl+"/verify_webhook_signature", bytes.NewReader(body))
	if err != nil {
		return VerificationRetry
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.HttpClient.Do(req)
	if err != nil {
		stats.Incr("hooks.processing.verify_signature.error", map[string]string{"provider": "github"})
		slog.Info("webhook signature verification errored", "error", err)
		return VerificationRetry
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		stats.Incr("hooks.processing.verify_signature.error", map[string]string{"provider": "github"})
		slog.Info("webhook signature verification errored", "status", resp.StatusCode)
		return VerificationRetry
	}

	var result verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		stats.Incr("hooks.processing.verify_signature.error", map[string]string{"provider": "github"})
		slog.Info("webhook signature verification returned malformed response", "error", err)
		return VerificationRetry
	}

	if !result.Valid {
		stats.Incr("hooks.processing.verify_signature.fail", map[string]string{"provider": "github"})
		slog.Info("webhook signature verification failed for repository", "repositoryId", repositoryId)
		return VerificationNotVerified
	}

	stats.Incr("hooks.processing.verify_signature.success", map[string]string{"provider": "github"})
	slog.Info("webhook signature verification passed", "repositoryId", repositoryId)
	return VerificationOk
}

var _ SignatureVerifier = (*HttpSignatureVerifier)(nil)

// String implements fmt.Stringer for log readability.
func (r VerificationResult) String() string {
	switch r {
	case VerificationOk:
		return "ok"
	case VerificationNotVerified:
		return "not_verified"
	case VerificationRetry:
		return "retry"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}
