package webapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/materials-commons/diode/pkg/clog"
	"github.com/materials-commons/diode/pkg/diodedb/stor"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Server hosts the status and log level endpoints.
type Server struct {
	e    *echo.Echo
	addr string
}

func NewServer(addr string, liveness stor.LivenessStor, staleAfter time.Duration) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(echo.WrapMiddleware(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "diode-webapi")
	}))

	Init(e.Group(""), liveness, staleAfter)

	return &Server{e: e, addr: addr}
}

// Init registers the routes on g.
func Init(g *echo.Group, liveness stor.LivenessStor, staleAfter time.Duration) {
	status := NewStatusController(liveness, staleAfter)
	logs := NewLogController()

	g.GET("/status", status.GetStatus)
	g.GET("/log-level", logs.GetLogLevel)
	g.PUT("/log-level", logs.SetLogLevel)
}

func (s *Server) Handler() http.Handler {
	return s.e
}

// Start blocks serving until Shutdown is called.
func (s *Server) Start() error {
	clog.UsingCtx("webapi").Infof("Status server listening on %s", s.addr)
	if err := s.e.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}
