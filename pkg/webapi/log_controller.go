package webapi

import (
	"net/http"

	"github.com/apex/log"
	"github.com/labstack/echo/v4"
	"github.com/materials-commons/diode/pkg/clog"
)

// LogController lets an operator change log levels on a running daemon.
type LogController struct{}

func NewLogController() *LogController {
	return &LogController{}
}

func (c *LogController) GetLogLevel(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]string{"log_level": clog.DefaultLevel().String()})
}

// SetLogLevel sets the level of a single component when ctx is given, otherwise of all of
// them.
func (c *LogController) SetLogLevel(ctx echo.Context) error {
	var req struct {
		LogLevel string `json:"log_level"`
		Ctx      string `json:"ctx"`
	}

	if err := ctx.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	level, err := log.ParseLevel(req.LogLevel)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if req.Ctx != "" {
		clog.SetLevel(req.Ctx, level)
	} else {
		clog.SetDefaultLevel(level)
	}

	return ctx.JSON(http.StatusOK, map[string]string{"log_level": level.String(), "ctx": req.Ctx})
}
