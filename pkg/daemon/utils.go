package daemon

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cynexo/sniff0/pkg/command"
	"github.com/cynexo/sniff0/pkg/controller"
	"github.com/cynexo/sniff0/pkg/port"
)

// statusFor maps controller, codec and transport errors to HTTP codes.
func statusFor(err error) int {
	var r port.Result
	switch {
	case errors.Is(err, controller.ErrUnknownChannel):
		return http.StatusNotFound
	case errors.Is(err, command.ErrInvalidArgument), errors.Is(err, command.ErrUnknownCommand):
		return http.StatusBadRequest
	case errors.Is(err, controller.ErrBusy),
		errors.Is(err, controller.ErrFlowPollingActive),
		errors.Is(err, controller.ErrCalibrationInProgress):
		return http.StatusConflict
	case errors.Is(err, controller.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, controller.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &r) && r.Code == port.NotReady:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// abort writes err as a JSON string and records it on the context for the
// access log.
func abort(c *gin.Context, code int, err error) {
	c.IndentedJSON(code, err.Error())
	_ = c.AbortWithError(code, err)
}

func abortFor(c *gin.Context, err error) {
	abort(c, statusFor(err), err)
}
