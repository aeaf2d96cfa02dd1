package handler

import (
	"context"
	"net/http"
	"path"

	app "github.com/erp/fiscal/internal/application/fiscal"
	"github.com/erp/fiscal/internal/domain/queue"
	"github.com/erp/fiscal/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// EmissionService is the part of app.EmissionService the API uses
type EmissionService interface {
	Emit(ctx context.Context, req app.EmitRequest) (*app.EmissionResponse, error)
	Get(ctx context.Context, id uuid.UUID) (*app.EmissionResponse, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]app.EmissionResponse, error)
	Refresh(ctx context.Context, id uuid.UUID) (*app.EmissionResponse, error)
	Artifact(ctx context.Context, id uuid.UUID, name string) ([]byte, error)
}

// CancellationService is the part of app.CancellationService the API uses
type CancellationService interface {
	Request(ctx context.Context, req app.CancelRequest) (*app.CancellationResponse, error)
	Get(ctx context.Context, id uuid.UUID) (*app.CancellationResponse, error)
	ListByEmission(ctx context.Context, emissionID uuid.UUID) ([]app.CancellationResponse, error)
}

// JobService is the part of app.JobService the API uses
type JobService interface {
	Get(ctx context.Context, id uuid.UUID) (*app.JobResponse, error)
	Stats(ctx context.Context) (map[string]map[queue.JobStatus]int64, error)
}

// NFeHandler serves electronic invoice emission and cancellation
type NFeHandler struct {
	BaseHandler
	emissions     EmissionService
	cancellations CancellationService
}

// NewNFeHandler creates a new NFeHandler
func NewNFeHandler(emissions EmissionService, cancellations CancellationService) *NFeHandler {
	return &NFeHandler{emissions: emissions, cancellations: cancellations}
}

// Emit godoc
// @Summary      Emit an NF-e for an order
// @Description  Builds, signs and stores the document, then queues its transmission
// @Tags         nfe
// @Accept       json
// @Produce      json
// @Param        request body dto.EmitRequest true "Emission request"
// @Success      202 {object} dto.Response{data=app.EmissionResponse}
// @Failure      400 {object} dto.Response{error=dto.ErrorInfo}
// @Failure      409 {object} dto.Response{error=dto.ErrorInfo}
// @Failure      422 {object} dto.Response{error=dto.ErrorInfo}
// @Router       /nfe [post]
func (h *NFeHandler) Emit(c *gin.Context) {
	var req dto.EmitRequest
	if !h.BindJSON(c, &req) {
		return
	}

	resp, err := h.emissions.Emit(c.Request.Context(), app.EmitRequest{
		OrderID: uuid.MustParse(req.OrderID),
		Offline: req.Offline,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if resp.JobID == nil {
		h.Created(c, resp)
		return
	}
	h.Accepted(c, resp)
}

// Get godoc
// @Summary      Get an emission
// @Tags         nfe
// @Produce      json
// @Param        id path string true "Emission ID"
// @Success      200 {object} dto.Response{data=app.EmissionResponse}
// @Failure      404 {object} dto.Response{error=dto.ErrorInfo}
// @Router       /nfe/{id} [get]
func (h *NFeHandler) Get(c *gin.Context) {
	id, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	resp, err := h.emissions.Get(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, resp)
}

// ListByOrder godoc
// @Summary      List the emissions of an order, newest first
// @Tags         nfe
// @Produce      json
// @Param        id path string true "Order ID"
// @Success      200 {object} dto.Response{data=[]app.EmissionResponse}
// @Router       /orders/{id}/nfe [get]
func (h *NFeHandler) ListByOrder(c *gin.Context) {
	orderID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	list, err := h.emissions.ListByOrder(c.Request.Context(), orderID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if list == nil {
		list = []app.EmissionResponse{}
	}
	h.Success(c, list)
}

// Refresh godoc
// @Summary      Query the authority for a document still in processing
// @Tags         nfe
// @Produce      json
// @Param        id path string true "Emission ID"
// @Success      200 {object} dto.Response{data=app.EmissionResponse}
// @Failure      422 {object} dto.Response{error=dto.ErrorInfo}
// @Router       /nfe/{id}/refresh [post]
func (h *NFeHandler) Refresh(c *gin.Context) {
	id, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	resp, err := h.emissions.Refresh(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, resp)
}

// Artifact godoc
// @Summary      Download a stored XML artifact
// @Description  name is one of raw, signed, protocol or proof
// @Tags         nfe
// @Produce      xml
// @Param        id path string true "Emission ID"
// @Param        name path string true "Artifact name"
// @Success      200 {string} string
// @Failure      404 {object} dto.Response{error=dto.ErrorInfo}
// @Router       /nfe/{id}/artifacts/{name} [get]
func (h *NFeHandler) Artifact(c *gin.Context) {
	id, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	name := c.Param("name")
	content, err := h.emissions.Artifact(c.Request.Context(), id, name)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+path.Base(name)+`.xml"`)
	c.Data(http.StatusOK, "application/xml", content)
}

// Cancel godoc
// @Summary      Request the cancellation of an authorized emission
// @Tags         nfe
// @Accept       json
// @Produce      json
// @Param        id path string true "Emission ID"
// @Param        request body dto.CancelRequest true "Cancellation reason"
// @Success      202 {object} dto.Response{data=app.CancellationResponse}
// @Failure      409 {object} dto.Response{error=dto.ErrorInfo}
// @Failure      422 {object} dto.Response{error=dto.ErrorInfo}
// @Router       /nfe/{id}/cancellations [post]
func (h *NFeHandler) Cancel(c *gin.Context) {
	id, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	var req dto.CancelRequest
	if !h.BindJSON(c, &req) {
		return
	}
	resp, err := h.cancellations.Request(c.Request.Context(), app.CancelRequest{
		EmissionID: id,
		Reason:     req.Reason,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Accepted(c, resp)
}

// ListCancellations godoc
// @Summary      List the cancellation events of an emission, newest first
// @Tags         nfe
// @Produce      json
// @Param        id path string true "Emission ID"
// @Success      200 {object} dto.Response{data=[]app.CancellationResponse}
// @Router       /nfe/{id}/cancellations [get]
func (h *NFeHandler) ListCancellations(c *gin.Context) {
	id, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	list, err := h.cancellations.ListByEmission(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if list == nil {
		list = []app.CancellationResponse{}
	}
	h.Success(c, list)
}

// GetCancellation godoc
// @Summary      Get a cancellation event
// @Tags         nfe
// @Produce      json
// @Param        id path string true "Cancellation ID"
// @Success      200 {object} dto.Response{data=app.CancellationResponse}
// @Router       /cancellations/{id} [get]
func (h *NFeHandler) GetCancellation(c *gin.Context) {
	id, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	resp, err := h.cancellations.Get(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, resp)
}

// JobHandler exposes the background queue to operators
type JobHandler struct {
	BaseHandler
	jobs JobService
}

// NewJobHandler creates a new JobHandler
func NewJobHandler(jobs JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// Get godoc
// @Summary      Get a background job
// @Tags         jobs
// @Produce      json
// @Param        id path string true "Job ID"
// @Success      200 {object} dto.Response{data=app.JobResponse}
// @Router       /jobs/{id} [get]
func (h *JobHandler) Get(c *gin.Context) {
	id, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	resp, err := h.jobs.Get(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, resp)
}

// Stats godoc
// @Summary      Count jobs by type and status
// @Tags         jobs
// @Produce      json
// @Success      200 {object} dto.Response
// @Router       /jobs [get]
func (h *JobHandler) Stats(c *gin.Context) {
	stats, err := h.jobs.Stats(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, stats)
}
