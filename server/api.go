package server

import (
	"errors"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/patent-drafter/reqcore/csrf"
	"github.com/patent-drafter/reqcore/jobs"
	"github.com/patent-drafter/reqcore/types"
	"github.com/patent-drafter/reqcore/utils"
)

// API holds the handlers behind the HTTP surface. Nil components leave
// their routes unregistered.
type API struct {
	Logger  types.Logger
	Health  fasthttp.RequestHandler
	Metrics fasthttp.RequestHandler
	CSRF    *csrf.Issuer
	Queue   *jobs.Queue
}

type EnqueueResponse struct {
	ID string `json:"id"`
}

var operationalRoute = &types.RouteConfig{DisabledMiddlewares: []string{"rate_limit", "csrf", "cache"}}

func (a *API) Register(server types.HTTPServer) {
	if a.Health != nil {
		server.Handle("GET", "/health", a.Health, operationalRoute)
	}
	if a.Metrics != nil {
		server.Handle("GET", "/metrics", a.Metrics, operationalRoute)
	}
	if a.CSRF != nil {
		server.Handle("GET", "/api/csrf-token", a.CSRF.HandleToken, &types.RouteConfig{DisabledMiddlewares: []string{"cache"}})
	}
	if a.Queue != nil {
		server.Handle("POST", "/api/jobs/office-actions", a.enqueueOfficeAction, nil)
		server.Handle("GET", "/api/jobs/{id}", a.jobStatus, &types.RouteConfig{DisabledMiddlewares: []string{"cache"}})
	}
}

func (a *API) enqueueOfficeAction(ctx *fasthttp.RequestCtx) {
	var payload types.OfficeActionPayload
	if err := utils.Unmarshal(ctx.PostBody(), &payload); err != nil {
		utils.WriteError(ctx, fasthttp.StatusBadRequest, "invalid_body", "Request body must be a JSON object")
		return
	}

	id, err := a.Queue.Enqueue(ctx, payload)
	switch {
	case errors.Is(err, types.ErrJobPayloadInvalid):
		utils.WriteError(ctx, fasthttp.StatusBadRequest, "invalid_payload", "officeActionId is required")
		return
	case err != nil:
		a.Logger.Error("Failed to enqueue job", zap.Error(err))
		utils.CreateErrorResponse(ctx)
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusAccepted, EnqueueResponse{ID: id})
}

func (a *API) jobStatus(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)

	view, err := a.Queue.GetJobStatus(ctx, id)
	switch {
	case errors.Is(err, types.ErrJobNotFound):
		utils.WriteError(ctx, fasthttp.StatusNotFound, "job_not_found", "Job not found")
		return
	case err != nil:
		a.Logger.Error("Failed to read job status", zap.String("job_id", id), zap.Error(err))
		utils.CreateErrorResponse(ctx)
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, view)
}
