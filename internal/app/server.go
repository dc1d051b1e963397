package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// Server is the local observability endpoint: health, readiness, version and
// Prometheus metrics. It never faces the network outside the host.
type Server struct {
	echo *echo.Echo
	port int
}

func NewServer(port int, health *HealthManager) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		Skipper:           nil,
		DisableStackAll:   true,
		DisablePrintStack: false,
	}))
	e.Use(LogrusLoggerMiddleware())

	e.GET("/health", echo.WrapHandler(http.HandlerFunc(health.HealthHandler)))
	e.GET("/ready", echo.WrapHandler(http.HandlerFunc(health.HealthHandler)))
	e.GET("/version", echo.WrapHandler(http.HandlerFunc(VersionHandler)))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	var existedPaths []string
	for _, r := range e.Routes() {
		existedPaths = append(existedPaths, r.Path)
	}
	p := prometheus.NewPrometheus("http", func(c echo.Context) bool {
		return !slices.Contains(existedPaths, c.Path())
	})
	e.Use(p.HandlerFunc)

	return &Server{echo: e, port: port}
}

// Start serves until Shutdown. It blocks.
func (s *Server) Start() error {
	logrus.WithField("prefix", "app.Server.Start").Infof("observability endpoint listening on :%d", s.port)
	return s.echo.Start(fmt.Sprintf(":%d", s.port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// LogrusLoggerMiddleware creates a middleware that logs HTTP requests using logrus
// This ensures the Echo framework logs match the same format as the bridge logger
func LogrusLoggerMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			req := c.Request()
			res := c.Response()

			err := next(c)

			stop := time.Now()

			fields := logrus.Fields{
				"remote_ip":  c.RealIP(),
				"host":       req.Host,
				"method":     req.Method,
				"uri":        req.RequestURI,
				"status":     res.Status,
				"latency":    stop.Sub(start).String(),
				"latency_ms": stop.Sub(start).Milliseconds(),
				"bytes_in":   req.Header.Get("Content-Length"),
				"bytes_out":  res.Size,
			}

			if ua := req.UserAgent(); ua != "" {
				fields["user_agent"] = ua
			}

			if id := req.Header.Get(echo.HeaderXRequestID); id != "" {
				fields["request_id"] = id
			}

			logrus.WithFields(fields).Debug()

			return err
		}
	}
}
