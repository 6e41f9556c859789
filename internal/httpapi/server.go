// Package httpapi exposes quota, schedules, events and the billing webhook
// over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"scand/internal/billing"
	"scand/internal/eventbus"
	"scand/internal/quota"
	"scand/internal/recurrence"
	"scand/internal/schedule"
	logx "scand/pkg/logx"
)

type Config struct {
	Addr         string
	AllowOrigins []string // CORS is off when empty
	BodyLimit    string   // echo size string, e.g. "1M"

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration // 0 keeps event streams open indefinitely
	ShutdownTimeout time.Duration

	EventBuffer int
	Heartbeat   time.Duration
	RetryAfter  time.Duration // advertised on 503
}

// QuotaChecker reads (and lazily creates) a subscriber's quota.
type QuotaChecker interface {
	Check(ctx context.Context, subscriberID string) (quota.State, quota.Decision, error)
}

type Schedules interface {
	Upsert(ctx context.Context, def schedule.Definition) (schedule.Definition, error)
	Cancel(ctx context.Context, documentID string) error
	Get(ctx context.Context, documentID string) (schedule.Definition, error)
	List(ctx context.Context) ([]schedule.Definition, error)
}

type EventSource interface {
	Channel(buffer int) (<-chan eventbus.Event, func())
}

type Billing interface {
	Enabled() bool
	Handle(ctx context.Context, payload []byte, signature string) (billing.Outcome, error)
}

type Deps struct {
	Quota     QuotaChecker
	Schedules Schedules
	Events    EventSource // optional
	Billing   Billing     // optional
	Health    func() any  // optional extra detail for /healthz
	Log       logx.Logger
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	e    *echo.Echo
}

func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Quota == nil || deps.Schedules == nil {
		return nil, errors.New("httpapi: quota and schedules are required")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = "1M"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 5 * time.Second
	}

	s := &Server{cfg: cfg, deps: deps, log: deps.Log}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = cfg.ReadTimeout
	e.Server.WriteTimeout = cfg.WriteTimeout

	v, err := newValidator()
	if err != nil {
		return nil, err
	}
	e.Validator = v
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogMethod:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/healthz"
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []logx.Field{
				logx.String("method", v.Method),
				logx.String("uri", v.URI),
				logx.Int("status", v.Status),
				logx.Duration("latency", v.Latency),
				logx.String("remote", v.RemoteIP),
			}
			switch {
			case v.Status >= 500:
				s.log.Error("request", append(fields, logx.Err(v.Error))...)
			case v.Status >= 400:
				s.log.Warn("request", append(fields, logx.Err(v.Error))...)
			default:
				s.log.Debug("request", fields...)
			}
			return nil
		},
	}))
	if len(cfg.AllowOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.AllowOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodPost},
		}))
	}

	s.e = e
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.e.GET("/healthz", s.health)

	v1 := s.e.Group("/v1")
	v1.GET("/subscribers/:id/quota", s.getQuota)

	v1.GET("/schedules", s.listSchedules)
	v1.PUT("/schedules/:documentId", s.putSchedule)
	v1.GET("/schedules/:documentId", s.getSchedule)
	v1.DELETE("/schedules/:documentId", s.deleteSchedule)

	v1.GET("/events", s.streamEvents)
	v1.POST("/billing/stripe", s.stripeWebhook)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.e }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen %s: %w", s.cfg.Addr, err)
	}
	s.e.Listener = ln
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.e.Start(s.cfg.Addr) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.e.Shutdown(sctx); err != nil {
		s.log.Warn("http shutdown", logx.Err(err))
		_ = s.e.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type requestValidator struct {
	v *validator.Validate
}

func newValidator() (*requestValidator, error) {
	v := validator.New(validator.WithRequiredStructEnabled())
	err := v.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
		_, _, err := recurrence.ParseTimeOfDay(fl.Field().String())
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &requestValidator{v: v}, nil
}

func (rv *requestValidator) Validate(i any) error {
	if err := rv.v.Struct(i); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
			}
			return echo.NewHTTPError(http.StatusBadRequest, strings.Join(msgs, "; "))
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}
