package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"scand/internal/billing"
	"scand/internal/eventbus"
	"scand/internal/quota"
	"scand/internal/recurrence"
	"scand/internal/schedule"
	logx "scand/pkg/logx"
)

type quotaResponse struct {
	State    quota.State    `json:"state"`
	Decision quota.Decision `json:"decision"`
}

type scheduleRequest struct {
	DocumentID   string `param:"documentId" json:"-" validate:"required,max=256"`
	SubscriberID string `json:"subscriber_id" validate:"required,max=256"`
	DocumentName string `json:"document_name" validate:"max=512"`
	Industry     string `json:"industry" validate:"max=128"`
	Time         string `json:"time" validate:"required,hhmm"`
	Frequency    string `json:"frequency" validate:"max=32"`
}

func (s *Server) health(c echo.Context) error {
	body := map[string]any{"status": "ok", "time": time.Now().UTC()}
	if s.deps.Health != nil {
		body["detail"] = s.deps.Health()
	}
	return c.JSON(http.StatusOK, body)
}

func (s *Server) getQuota(c echo.Context) error {
	st, d, err := s.deps.Quota.Check(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, quotaResponse{State: st, Decision: d})
}

func (s *Server) putSchedule(c echo.Context) error {
	var req scheduleRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	def, err := s.deps.Schedules.Upsert(c.Request().Context(), schedule.Definition{
		DocumentID:   req.DocumentID,
		SubscriberID: req.SubscriberID,
		DocumentName: req.DocumentName,
		Industry:     req.Industry,
		Time:         req.Time,
		// unknown values are accepted and run daily
		Frequency: recurrence.Frequency(strings.ToLower(strings.TrimSpace(req.Frequency))),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

func (s *Server) getSchedule(c echo.Context) error {
	def, err := s.deps.Schedules.Get(c.Request().Context(), c.Param("documentId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

func (s *Server) listSchedules(c echo.Context) error {
	defs, err := s.deps.Schedules.List(c.Request().Context())
	if err != nil {
		return err
	}
	if sub := strings.TrimSpace(c.QueryParam("subscriber_id")); sub != "" {
		kept := defs[:0]
		for _, d := range defs {
			if d.SubscriberID == sub {
				kept = append(kept, d)
			}
		}
		defs = kept
	}
	if defs == nil {
		defs = []schedule.Definition{}
	}
	return c.JSON(http.StatusOK, map[string]any{"schedules": defs})
}

func (s *Server) deleteSchedule(c echo.Context) error {
	if err := s.deps.Schedules.Cancel(c.Request().Context(), c.Param("documentId")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// streamEvents serves dispatcher events as server-sent events. An optional
// kind query (comma separated) filters the stream.
func (s *Server) streamEvents(c echo.Context) error {
	if s.deps.Events == nil {
		return echo.NewHTTPError(http.StatusNotFound, "event stream disabled")
	}
	want := map[eventbus.Kind]bool{}
	for _, k := range strings.Split(c.QueryParam("kind"), ",") {
		if k = strings.TrimSpace(k); k == "" {
			continue
		}
		kind := eventbus.Kind(k)
		if !kind.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown kind %q", k))
		}
		want[kind] = true
	}

	events, stop := s.deps.Events.Channel(s.cfg.EventBuffer)
	defer stop()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, ": connected\n\n"); err != nil {
		return nil
	}
	w.Flush()

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()
	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if len(want) > 0 && !want[e.Kind] {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				s.log.Warn("event not serializable", logx.String("kind", string(e.Kind)), logx.Err(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}

func (s *Server) stripeWebhook(c echo.Context) error {
	if s.deps.Billing == nil || !s.deps.Billing.Enabled() {
		return echo.NewHTTPError(http.StatusNotFound, "billing webhook disabled")
	}
	payload, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	out, err := s.deps.Billing.Handle(c.Request().Context(), payload, c.Request().Header.Get("Stripe-Signature"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

// handleError maps domain errors onto HTTP statuses.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, msg := classify(err)
	if status == http.StatusServiceUnavailable {
		c.Response().Header().Set("Retry-After", strconv.Itoa(int(s.cfg.RetryAfter/time.Second)))
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.log.Error("unhandled error", logx.String("path", c.Path()), logx.Err(err))
	}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, map[string]string{"error": msg})
	}
	if err != nil {
		s.log.Warn("write error response", logx.Err(err))
	}
}

func classify(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if m, ok := he.Message.(string); ok {
			return he.Code, m
		}
		return he.Code, http.StatusText(he.Code)
	}
	switch {
	case errors.Is(err, quota.ErrNotFound), errors.Is(err, schedule.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, schedule.ErrInvalidDefinition),
		errors.Is(err, quota.ErrInvalidSubscriber),
		errors.Is(err, quota.ErrNegativeUsage),
		errors.Is(err, billing.ErrPayload),
		errors.Is(err, billing.ErrSignature):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, quota.ErrStoreUnavailable), errors.Is(err, schedule.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store unavailable"
	case errors.Is(err, quota.ErrConcurrentModification), errors.Is(err, schedule.ErrConcurrentModification):
		return http.StatusConflict, err.Error()
	case errors.Is(err, billing.ErrDisabled):
		return http.StatusNotFound, err.Error()
	}
	return http.StatusInternalServerError, "internal error"
}
