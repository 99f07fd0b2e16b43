package main

import (
	"errors"
	"net/http"

	"bitbucket.org/mmdatafocus/repogen/config"
	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

var statusByKind = map[utils.ErrorKind]int{
	utils.KindValidation:            http.StatusBadRequest,
	utils.KindPreconditionFailed:    http.StatusPreconditionFailed,
	utils.KindConflict:              http.StatusConflict,
	utils.KindDependencyUnavailable: http.StatusServiceUnavailable,
	utils.KindJobFailed:             http.StatusUnprocessableEntity,
	utils.KindNotFound:              http.StatusNotFound,
}

type errorBody struct {
	Kind    string         `json:"kind"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeError maps a typed engine error to its status. Anything untyped is a
// 500 whose cause is logged, not returned.
func writeError(c *gin.Context, err error) {
	var typed *utils.Error
	if errors.As(err, &typed) {
		status, ok := statusByKind[typed.Kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		if status == http.StatusServiceUnavailable {
			logRequestError(c, err)
		}
		c.AbortWithStatusJSON(status, gin.H{"error": errorBody{
			Kind:    string(typed.Kind),
			Code:    typed.Code,
			Message: typed.Message,
			Details: typed.Details,
		}})
		return
	}
	logRequestError(c, err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": errorBody{
		Kind:    "INTERNAL",
		Code:    "internal_error",
		Message: "internal server error",
	}})
}

// bindError turns a gin binding failure into a ValidationError.
func bindError(err error) error {
	fields := utils.ProcessValidationErrors(err)
	if len(fields) == 0 {
		return utils.NewValidationError("invalid_request", "request body is not valid JSON for this endpoint").
			WithDetail("cause", err.Error())
	}
	ve := utils.NewValidationError("invalid_request", "request failed validation")
	for field, tag := range fields {
		ve.WithDetail(field, tag)
	}
	return ve
}

func logRequestError(c *gin.Context, err error) {
	_ = c.Error(err)
	cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
	config.GetLogger().WithFields(logrus.Fields{
		"field":          "http",
		"method":         c.Request.Method,
		"path":           c.FullPath(),
		"correlation_id": cid,
	}).Error(err.Error())
}
