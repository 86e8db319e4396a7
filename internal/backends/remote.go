package backends

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/rendis/flowgate/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024
	defaultPollInterval    = 500 * time.Millisecond
)

// RemoteConfig configures the remote-HTTP dispatcher.
type RemoteConfig struct {
	Client          *http.Client
	DefaultEndpoint string
	RatePerSec      float64 // <= 0 disables pacing
	Burst           int
	Breaker         BreakerConfig
	PollInterval    time.Duration
	MaxResponseBody int64
}

// Remote POSTs the composed prompt to an HTTP agent endpoint.
type Remote struct {
	cfg      RemoteConfig
	limiter  *rate.Limiter
	breakers *Breakers
}

// NewRemote returns a remote dispatcher.
func NewRemote(cfg RemoteConfig) *Remote {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSec > 0 {
		if cfg.Burst <= 0 {
			cfg.Burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	}
	return &Remote{cfg: cfg, limiter: limiter, breakers: NewBreakers(cfg.Breaker)}
}

func (r *Remote) Backend() schema.Backend { return schema.BackendRemote }

// Breakers exposes the per-endpoint circuit state.
func (r *Remote) Breakers() *Breakers { return r.breakers }

type remoteRequest struct {
	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`
	NodeType    string `json:"node_type,omitempty"`
	Model       string `json:"model,omitempty"`
	Prompt      string `json:"prompt"`
	Attempt     int    `json:"attempt"`
	MaxTurns    int    `json:"max_turns,omitempty"`
	WorkingDir  string `json:"working_dir,omitempty"`
}

type remoteResponse struct {
	Success   *bool   `json:"success"`
	Output    any     `json:"output"`
	Error     string  `json:"error"`
	Message   string  `json:"message"`
	CostUSD   float64 `json:"cost_usd"`
	SessionID string  `json:"session_id"`
}

type httpResult struct {
	status int
	body   []byte
	err    error
}

// ValidateEndpoint rejects anything that is not an absolute http or https URL.
func ValidateEndpoint(raw string) error {
	if raw == "" {
		return schema.NewError(schema.ErrCodeValidation, "remote backend: no endpoint configured")
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "remote backend: endpoint %q must be an http or https URL", raw)
	}
	return nil
}

func (r *Remote) Dispatch(ctx context.Context, req Request) (*Outcome, error) {
	endpoint := req.Node.Config.Endpoint
	if endpoint == "" {
		endpoint = r.cfg.DefaultEndpoint
	}
	if err := ValidateEndpoint(endpoint); err != nil {
		return nil, err
	}
	if err := r.breakers.Allow(endpoint); err != nil {
		return nil, err
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, contextError(ctx, req.Node.ID)
	}

	payload, err := json.Marshal(remoteRequest{
		ExecutionID: req.ExecutionID,
		NodeID:      req.Node.ID,
		NodeType:    req.Node.Type,
		Model:       req.Node.Config.Model,
		Prompt:      req.Prompt,
		Attempt:     req.Attempt,
		MaxTurns:    req.Node.Config.MaxTurns,
		WorkingDir:  req.Dir(),
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeBackend, "remote backend: encode request").WithCause(err)
	}

	deadline := req.timeout()
	// The request runs detached from ctx; cancellation is observed by polling.
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadline)
	defer cancel()

	results := make(chan httpResult, 1)
	go func() { results <- r.do(reqCtx, endpoint, payload) }()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case res := <-results:
			timedOut := errors.Is(reqCtx.Err(), context.DeadlineExceeded)
			return r.outcome(endpoint, deadline, timedOut, res), nil
		case <-ticker.C:
			if ctx.Err() != nil {
				cancel()
				return nil, contextError(ctx, req.Node.ID)
			}
		}
	}
}

func (r *Remote) do(ctx context.Context, endpoint string, payload []byte) httpResult {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return httpResult{err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := r.cfg.Client.Do(httpReq)
	if err != nil {
		return httpResult{err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, r.cfg.MaxResponseBody))
	return httpResult{status: resp.StatusCode, body: body, err: err}
}

func (r *Remote) outcome(endpoint string, deadline time.Duration, timedOut bool, res httpResult) *Outcome {
	if res.err != nil {
		r.breakers.Failure(endpoint)
		if timedOut {
			return &Outcome{ExitCode: TimeoutExitCode, Error: fmt.Sprintf("remote agent timed out after %s", deadline)}
		}
		return &Outcome{ExitCode: 1, Error: fmt.Sprintf("remote agent request failed: %v", res.err)}
	}

	var parsed remoteResponse
	decoded := len(res.body) > 0 && json.Unmarshal(res.body, &parsed) == nil

	if res.status < 200 || res.status > 299 {
		if res.status >= 500 || res.status == http.StatusTooManyRequests {
			r.breakers.Failure(endpoint)
		}
		msg := serverMessage(parsed, decoded, res.body)
		if msg == "" {
			msg = http.StatusText(res.status)
		}
		return &Outcome{ExitCode: res.status, Error: fmt.Sprintf("remote agent returned %d: %s", res.status, msg)}
	}
	r.breakers.Success(endpoint)

	if !decoded {
		return &Outcome{Output: strings.TrimSpace(string(res.body))}
	}
	if parsed.Success != nil && !*parsed.Success {
		msg := serverMessage(parsed, true, nil)
		if msg == "" {
			msg = "remote agent reported failure"
		}
		return &Outcome{ExitCode: 1, Error: msg, CostUSD: parsed.CostUSD, SessionID: parsed.SessionID}
	}
	output := parsed.Output
	if output == nil {
		var generic any
		_ = json.Unmarshal(res.body, &generic)
		output = generic
	}
	return &Outcome{Output: output, CostUSD: parsed.CostUSD, SessionID: parsed.SessionID}
}

func serverMessage(parsed remoteResponse, decoded bool, body []byte) string {
	if decoded {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	return Sanitize(strings.TrimSpace(string(body)), 500)
}
