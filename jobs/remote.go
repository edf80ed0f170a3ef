package jobs

import (
	"context"
	"net/url"

	"github.com/patent-drafter/reqcore/client"
	"github.com/patent-drafter/reqcore/types"
	"github.com/patent-drafter/reqcore/utils"
)

// RemoteOrchestrator delegates office action work to the application API.
// It is both the job handler and the progress source for that job type.
type RemoteOrchestrator struct {
	api *client.APIClient
}

func NewRemoteOrchestrator(api *client.APIClient) *RemoteOrchestrator {
	return &RemoteOrchestrator{api: api}
}

func (o *RemoteOrchestrator) Handle(ctx context.Context, payload types.OfficeActionPayload) (*types.JobResult, error) {
	body, err := utils.Marshal(payload)
	if err != nil {
		return nil, err
	}

	resp, err := o.tenantClient(payload).Do(ctx, &client.Request{
		Method: "POST",
		URL:    "/api/office-actions/" + url.PathEscape(payload.OfficeActionID) + "/orchestrate",
		Header: map[string]string{"content-type": "application/json"},
		Body:   body,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, types.Errorf(types.ErrClientRequestFailed, "orchestration returned status %d", resp.StatusCode)
	}

	var result types.JobResult
	if err := utils.Unmarshal(resp.Body, &result); err != nil {
		return nil, types.WrapError(err, "failed to decode orchestration result")
	}
	return &result, nil
}

func (o *RemoteOrchestrator) Progress(ctx context.Context, payload types.OfficeActionPayload) (map[string]interface{}, error) {
	resp, err := o.tenantClient(payload).Do(ctx, &client.Request{
		URL:       "/api/office-actions/" + url.PathEscape(payload.OfficeActionID) + "/progress",
		SkipCache: true,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, types.Errorf(types.ErrClientRequestFailed, "progress returned status %d", resp.StatusCode)
	}

	progress := make(map[string]interface{})
	if err := utils.Unmarshal(resp.Body, &progress); err != nil {
		return nil, types.WrapError(err, "failed to decode progress")
	}
	return progress, nil
}

// Loader registers the orchestrator lazily with a Registry.
func (o *RemoteOrchestrator) Loader() HandlerLoader {
	return func() (Handler, error) { return o.Handle, nil }
}

func (o *RemoteOrchestrator) tenantClient(payload types.OfficeActionPayload) *client.APIClient {
	if payload.TenantID == "" {
		return o.api
	}
	return o.api.WithTenant(payload.TenantID)
}
