package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"scand/internal/schedule"
	logx "scand/pkg/logx"
)

// Job is one scan attempt handed to a Scanner.
type Job struct {
	RunID      string              `json:"run_id"`
	Attempt    int                 `json:"attempt"`
	Definition schedule.Definition `json:"schedule"`
	DueAt      time.Time           `json:"due_at"`
}

// Scanner performs the actual document scan. It is an external
// collaborator; the runner only decides when and whether to call it.
type Scanner interface {
	Scan(ctx context.Context, job Job) error
}

// ScannerFunc adapts a function to Scanner.
type ScannerFunc func(ctx context.Context, job Job) error

func (f ScannerFunc) Scan(ctx context.Context, job Job) error { return f(ctx, job) }

// LogScanner only logs jobs. Useful for dry runs.
type LogScanner struct {
	Log logx.Logger
}

func (s LogScanner) Scan(_ context.Context, job Job) error {
	s.Log.Info("scan (dry run)",
		logx.String("run", job.RunID),
		logx.String("document", job.Definition.DocumentID),
		logx.String("subscriber", job.Definition.SubscriberID),
	)
	return nil
}

// WebhookScanner posts each job as JSON to URL and treats any 2xx as done.
//
// 429 and 5xx are retried (honoring Retry-After); other 4xx are permanent.
type WebhookScanner struct {
	URL    string
	Token  string // sent as a bearer token when set
	Client *http.Client
}

func (s WebhookScanner) Scan(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return NoRetry(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return NoRetry(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Scand-Run-ID", job.RunID)
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		err := fmt.Errorf("scan endpoint: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			return RetryAfter(err, d)
		}
		return err
	default:
		return NoRetry(fmt.Errorf("scan endpoint: %s: %s", resp.Status, strings.TrimSpace(string(msg))))
	}
}

func parseRetryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		return time.Until(at), true
	}
	return 0, false
}
