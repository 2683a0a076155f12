// Package webapi serves the destination's read-only status over HTTP.
package webapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/materials-commons/diode/pkg/diodedb/stor"
)

// DefaultStaleAfter is how long the destination can go without a packet before it reports
// the link as stale. The origin emits at least one liveness packet per interval, so a
// healthy link never gets close.
const DefaultStaleAfter = time.Minute

type StatusController struct {
	liveness   stor.LivenessStor
	staleAfter time.Duration
	now        func() time.Time
}

func NewStatusController(liveness stor.LivenessStor, staleAfter time.Duration) *StatusController {
	return &StatusController{liveness: liveness, staleAfter: staleAfter, now: time.Now}
}

type Status struct {
	LastPacketReceivedAt *time.Time `json:"last_packet_received_at"`
	Stale                bool       `json:"stale"`
}

func (c *StatusController) GetStatus(ctx echo.Context) error {
	at, found, err := c.liveness.GetLastPacketReceivedAt()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if !found {
		return ctx.JSON(http.StatusOK, Status{Stale: true})
	}

	return ctx.JSON(http.StatusOK, Status{
		LastPacketReceivedAt: &at,
		Stale:                c.now().Sub(at) > c.staleAfter,
	})
}
