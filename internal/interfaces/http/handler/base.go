package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/domain/queue"
	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/erp/fiscal/internal/infrastructure/logger"
	"github.com/erp/fiscal/internal/interfaces/http/dto"
	"github.com/erp/fiscal/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BaseHandler provides common handler utilities
type BaseHandler struct{}

// getRequestID extracts the request ID assigned by logger.GinMiddleware
func getRequestID(c *gin.Context) string {
	if id := logger.GetRequestID(c.Request.Context()); id != "" {
		return id
	}
	return c.GetHeader(logger.RequestIDHeader)
}

// Success sends a success response
func (h *BaseHandler) Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(data))
}

// Accepted sends a 202 response for work handed to the background queue
func (h *BaseHandler) Accepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, dto.NewSuccessResponse(data))
}

// Created sends a 201 created response
func (h *BaseHandler) Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, dto.NewSuccessResponse(data))
}

// Error sends an error response with the appropriate status code
func (h *BaseHandler) Error(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, dto.NewErrorResponseWithRequestID(code, message, getRequestID(c)))
}

// BadRequest sends a 400 bad request response
func (h *BaseHandler) BadRequest(c *gin.Context, message string) {
	h.Error(c, http.StatusBadRequest, dto.ErrCodeBadRequest, message)
}

// NotFound sends a 404 not found response
func (h *BaseHandler) NotFound(c *gin.Context, message string) {
	h.Error(c, http.StatusNotFound, dto.ErrCodeNotFound, message)
}

// InternalError sends a 500 internal server error response
func (h *BaseHandler) InternalError(c *gin.Context, message string) {
	h.Error(c, http.StatusInternalServerError, dto.ErrCodeInternal, message)
}

// BindJSON binds and validates the body, writing the 400 response on failure
func (h *BaseHandler) BindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		middleware.HandleValidationError(c, err)
		return false
	}
	return true
}

// ParamID parses a UUID path parameter, writing the 400 response on failure
func (h *BaseHandler) ParamID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		h.BadRequest(c, fmt.Sprintf("Invalid %s format", name))
		return uuid.Nil, false
	}
	return id, true
}

// HandleError converts service errors to HTTP responses. Validation and
// authority rejections carry their detail to the caller; infrastructure
// failures get a generic message and the detail is only logged.
func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	requestID := getRequestID(c)
	_ = c.Error(err)

	var (
		validationErr *fiscal.ValidationError
		rejectionErr  *fiscal.RejectionError
		credentialErr *fiscal.CredentialError
		infraErr      *fiscal.InfrastructureError
		retryLater    *queue.RetryLaterError
		domainErr     *shared.DomainError
	)
	switch {
	case errors.As(err, &validationErr):
		resp := dto.NewErrorResponseWithRequestID(dto.ErrCodeDocumentInvalid, validationErr.Error(), requestID)
		resp.Error.Field = validationErr.Field
		c.JSON(dto.GetHTTPStatus(dto.ErrCodeDocumentInvalid), resp)
	case errors.As(err, &rejectionErr):
		h.Error(c, dto.GetHTTPStatus(dto.ErrCodeRejected), dto.ErrCodeRejected,
			fmt.Sprintf("Refused by the tax authority (%s): %s", rejectionErr.Code, rejectionErr.Reason))
	case errors.As(err, &credentialErr):
		h.Error(c, dto.GetHTTPStatus(dto.ErrCodeCredential), dto.ErrCodeCredential,
			"The company signing certificate could not be used: "+credentialErr.Reason)
	case errors.As(err, &retryLater):
		h.Error(c, dto.GetHTTPStatus(dto.ErrCodeInProgress), dto.ErrCodeInProgress,
			"The document is being transmitted by another process, try again shortly")
	case errors.As(err, &domainErr):
		code := dto.NormalizeErrorCode(domainErr.Code)
		h.Error(c, dto.GetHTTPStatus(code), code, domainErr.Message)
	case errors.As(err, &infraErr):
		logger.L(c.Request.Context()).Error("Dependency failure", zap.String("op", infraErr.Op), zap.Error(err))
		h.Error(c, dto.GetHTTPStatus(dto.ErrCodeUnavailable), dto.ErrCodeUnavailable,
			"A dependent service is unavailable, the request can be retried")
	default:
		logger.L(c.Request.Context()).Error("Unhandled error", zap.Error(err))
		h.InternalError(c, "An unexpected error occurred")
	}
}
