// Package jobclient talks to the external watermark-removal runner.
package jobclient

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"delogo/task"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Config struct {
	BaseURL   string
	AccessKey string
	Secret    string
	// QPS limits outgoing requests; zero disables the limiter.
	QPS          float64
	MaxBodyBytes int64
	Retry        RetryPolicy
}

type Client struct {
	baseURL   *url.URL
	accessKey string
	secret    string
	maxBody   int64
	retry     RetryPolicy
	http      *http.Client
	limiter   *rate.Limiter
	logger    *zap.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.logger = l } }

// WithSleep replaces the backoff wait, mostly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("runner base url is empty")
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse runner base url: %w", err)
	}
	c := &Client{
		baseURL:   u,
		accessKey: cfg.AccessKey,
		secret:    cfg.Secret,
		maxBody:   cfg.MaxBodyBytes,
		retry:     cfg.Retry,
		http:      &http.Client{},
		logger:    zap.NewNop(),
		now:       time.Now,
		sleep:     sleepContext,
	}
	if c.maxBody <= 0 {
		c.maxBody = 1 << 20
	}
	if c.retry.Attempts == 0 {
		c.retry = DefaultRetryPolicy()
	}
	if cfg.QPS > 0 {
		burst := int(cfg.QPS)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.QPS), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type submitRequest struct {
	InputURL string        `json:"inputUrl"`
	Regions  []task.Region `json:"regions"`
}

type submitResponse struct {
	JobID string `json:"jobId"`
}

type pollResponse struct {
	JobID           string   `json:"jobId"`
	Status          string   `json:"status"`
	ResultURL       string   `json:"resultUrl"`
	DurationSeconds *float64 `json:"durationSeconds"`
	ErrorCode       string   `json:"errorCode"`
	ErrorMessage    string   `json:"errorMessage"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Submit creates a job on the runner. It makes exactly one attempt: a
// repeated submission would start a second job, so failures are left to
// the task retry schedule.
func (c *Client) Submit(ctx context.Context, inputRef string, regions []task.Region) (string, error) {
	body, err := json.Marshal(submitRequest{InputURL: inputRef, Regions: regions})
	if err != nil {
		return "", fmt.Errorf("encode submit request: %w", err)
	}

	actx, cancel := context.WithTimeout(ctx, c.retry.AttemptTimeout(1))
	defer cancel()

	var resp submitResponse
	if err := c.call(actx, "submit", http.MethodPost, "/v1/jobs", body, &resp); err != nil {
		return "", err
	}
	if resp.JobID == "" {
		return "", &Error{Op: "submit", Message: "response carried no job id"}
	}
	c.logger.Debug("job submitted", zap.String("external_job_id", resp.JobID))
	return resp.JobID, nil
}

// Poll fetches the current state of a job, retrying transient failures
// within the configured attempt budget.
func (c *Client) Poll(ctx context.Context, externalJobID string) (*task.PollResult, error) {
	if externalJobID == "" {
		return nil, &Error{Op: "poll", Code: "MissingParameter", Message: "job id is empty"}
	}
	path := "/v1/jobs/" + url.PathEscape(externalJobID)

	var resp pollResponse
	err := c.do(ctx, "poll", func(actx context.Context) error {
		resp = pollResponse{}
		return c.call(actx, "poll", http.MethodGet, path, nil, &resp)
	})
	if err != nil {
		return nil, err
	}

	state, known := task.NormalizeJobState(resp.Status)
	if !known {
		c.logger.Warn("unrecognized runner status, treating as in progress",
			zap.String("external_job_id", externalJobID), zap.String("status", resp.Status))
	}
	return &task.PollResult{
		State:           state,
		ResultRef:       resp.ResultURL,
		DurationSeconds: resp.DurationSeconds,
		ErrorCode:       resp.ErrorCode,
		ErrorMessage:    resp.ErrorMessage,
	}, nil
}

func (c *Client) call(ctx context.Context, op, method, path string, body []byte, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &Error{Op: op, Message: "rate limiter", Err: err}
		}
	}

	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return &Error{Op: op, Message: "build request", Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.sign(req, u.Path, body)

	resp, err := c.http.Do(req)
	if err != nil {
		msg := "transport"
		if isTimeout(err) {
			msg = "timeout"
		}
		return &Error{Op: op, Message: msg, Err: err}
	}
	defer resp.Body.Close()

	// Use a LimitedReader to enforce the response size cap
	limited := &io.LimitedReader{R: resp.Body, N: c.maxBody + 1}
	data, err := io.ReadAll(limited)
	if err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Message: "read body", Err: err}
	}
	if int64(len(data)) > c.maxBody {
		return &Error{Op: op, StatusCode: resp.StatusCode, Message: fmt.Sprintf("response exceeds %d bytes", c.maxBody)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var er errorResponse
		_ = json.Unmarshal(data, &er)
		if er.Message == "" {
			er.Message = http.StatusText(resp.StatusCode)
		}
		return &Error{Op: op, StatusCode: resp.StatusCode, Code: er.Code, Message: er.Message}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Message: "decode response", Err: err}
	}
	return nil
}

// sign adds the access key, a timestamp and an HMAC-SHA256 over
// method, path, timestamp and body digest.
func (c *Client) sign(req *http.Request, path string, body []byte) {
	if c.accessKey == "" {
		return
	}
	ts := strconv.FormatInt(c.now().Unix(), 10)
	req.Header.Set("X-Access-Key", c.accessKey)
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", Signature(c.secret, req.Method, path, ts, body))
}

// Signature computes the request signature the runner verifies.
func Signature(secret, method, path, timestamp string, body []byte) string {
	digest := sha256.Sum256(body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(method + "\n" + path + "\n" + timestamp + "\n" + hex.EncodeToString(digest[:])))
	return hex.EncodeToString(mac.Sum(nil))
}
