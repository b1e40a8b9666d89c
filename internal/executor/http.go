package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/breaker"
	"github.com/parleyhq/parley/internal/rendering"
	"github.com/parleyhq/parley/pkg/models"
)

const defaultMaxResponseBytes = 8 << 20

// logTruncate is the body excerpt limit for log lines.
const logTruncate = 500

// executeSync issues one upstream request and maps the response.
func (x *Executor) executeSync(ctx context.Context, profile models.ExecutionProfile, req *renderedRequest, br *breaker.Breaker) models.CallResult {
	status, body, execErr := x.roundTrip(ctx, profile, req, br)
	if execErr != nil {
		return failed(execErr)
	}

	parsed := parseBody(body)
	if len(profile.ResponseMapping) > 0 {
		parsed = applyResponseMapping(parsed, profile.ResponseMapping)
	}
	raw, err := json.Marshal(parsed)
	if err != nil {
		return failed(&execError{Code: CodeUnknown, Message: fmt.Sprintf("encode result: %v", err), UpstreamStatus: status})
	}
	return models.CallResult{
		Status:         models.CallCompleted,
		Result:         raw,
		UpstreamStatus: status,
	}
}

// executePoll drives the async-poll mode: one initiating request, then a
// bounded status-polling loop with multiplicative backoff.
func (x *Executor) executePoll(ctx context.Context, profile models.ExecutionProfile, req *renderedRequest, args map[string]any, token string, br *breaker.Breaker) models.CallResult {
	cfg := profile.Poll
	if cfg == nil {
		return failed(&execError{Code: CodeValidation, Message: "async_poll profile without poll_config"})
	}

	status, body, execErr := x.roundTrip(ctx, profile, req, br)
	if execErr != nil {
		return failed(execErr)
	}

	// The initiating response's fields join the template variables so the
	// status URL can reference them (job ids and the like).
	vars := rendering.Vars(args)
	if initial, ok := parseBody(body).(map[string]any); ok {
		vars = vars.Merge(rendering.Vars(initial))
	}

	statusURL, err := rendering.Render(cfg.StatusURLTemplate, vars)
	if err != nil {
		return failed(templateError("status url", err, vars))
	}

	interval := time.Duration(cfg.PollInterval * float64(time.Second))
	if interval <= 0 {
		interval = time.Second
	}
	backoff := cfg.BackoffMultiplier
	if backoff < 1 {
		backoff = 1
	}
	maxInterval := time.Duration(cfg.MaxIntervalSeconds * float64(time.Second))
	attempts := cfg.MaxPollAttempts
	if attempts <= 0 {
		attempts = 30
	}

	wait := interval
	for attempt := 0; attempt < attempts; attempt++ {
		if err := x.sleep(ctx, wait); err != nil {
			return failed(&execError{Code: CodeUpstreamTimeout, Message: "cancelled while polling", Retryable: true, UpstreamStatus: status})
		}
		next := time.Duration(float64(wait) * backoff)
		if maxInterval > 0 && next > maxInterval {
			next = maxInterval
		}
		wait = next

		pollReq := &renderedRequest{method: http.MethodGet, url: statusURL, token: token}
		pollStatus, pollBody, execErr := x.roundTrip(ctx, profile, pollReq, br)
		if execErr != nil {
			return failed(execErr)
		}
		status = pollStatus

		doc := parseBody(pollBody)
		stateVal, ok := extractPath(doc, cfg.StatusFieldPath)
		if !ok {
			continue
		}
		state := fmt.Sprintf("%v", stateVal)

		if containsValue(cfg.CompletedValues, state) {
			result := doc
			if cfg.ResultFieldPath != "" {
				if v, ok := extractPath(doc, cfg.ResultFieldPath); ok {
					result = v
				}
			}
			raw, err := json.Marshal(result)
			if err != nil {
				return failed(&execError{Code: CodeUnknown, Message: fmt.Sprintf("encode result: %v", err), UpstreamStatus: status})
			}
			return models.CallResult{Status: models.CallCompleted, Result: raw, UpstreamStatus: status}
		}
		if containsValue(cfg.FailedValues, state) {
			return failed(&execError{
				Code:           CodeServerError,
				Message:        fmt.Sprintf("upstream job reported status %q", state),
				UpstreamStatus: status,
			})
		}
	}

	return failed(&execError{
		Code:           CodePollTimeout,
		Message:        fmt.Sprintf("no terminal status after %d polls", attempts),
		Retryable:      true,
		UpstreamStatus: status,
	})
}

// roundTrip sends one rendered request, feeds the breaker, and classifies
// non-2xx responses. The Authorization header is set last so no template
// can override it.
func (x *Executor) roundTrip(ctx context.Context, profile models.ExecutionProfile, req *renderedRequest, br *breaker.Breaker) (int, []byte, *execError) {
	timeout := profile.Timeout(x.defaultTimeout)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if req.body != "" {
		bodyReader = strings.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(callCtx, req.method, req.url, bodyReader)
	if err != nil {
		return 0, nil, &execError{Code: CodeValidation, Message: fmt.Sprintf("build request: %v", err)}
	}
	for name, value := range req.headers {
		httpReq.Header.Set(name, value)
	}
	if req.body != "" {
		contentType := profile.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.token)

	x.logRequest(ctx, httpReq, req.body)

	resp, err := x.client.Do(httpReq)
	if err != nil {
		br.RecordFailure()
		if callCtx.Err() == context.DeadlineExceeded {
			return 0, nil, &execError{
				Code:      CodeUpstreamTimeout,
				Message:   fmt.Sprintf("no response within %s", timeout),
				Retryable: true,
			}
		}
		return 0, nil, &execError{Code: CodeUnavailable, Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, x.maxRespBytes))
	if err != nil {
		br.RecordFailure()
		return resp.StatusCode, nil, &execError{Code: CodeUnavailable, Message: fmt.Sprintf("read response: %v", err), Retryable: true}
	}

	x.logResponse(ctx, resp.StatusCode, body)

	if resp.StatusCode >= 500 {
		br.RecordFailure()
		return resp.StatusCode, nil, classifyStatus(resp.StatusCode, body)
	}
	// 4xx is the upstream doing its job; only transport and 5xx count
	// against the breaker.
	br.RecordSuccess()
	if resp.StatusCode >= 400 {
		return resp.StatusCode, nil, classifyStatus(resp.StatusCode, body)
	}
	return resp.StatusCode, body, nil
}

func classifyStatus(status int, body []byte) *execError {
	message := strings.TrimSpace(truncate(string(body), logTruncate))
	if message == "" {
		message = http.StatusText(status)
	}
	e := &execError{Message: message, UpstreamStatus: status}
	switch {
	case status == http.StatusUnauthorized:
		e.Code = CodeTokenExchange
	case status == http.StatusForbidden:
		e.Code = CodeForbidden
	case status == http.StatusNotFound:
		e.Code = CodeNotFound
	case status == http.StatusTooManyRequests:
		e.Code = CodeRateLimited
		e.Retryable = true
	case status >= 500:
		e.Code = CodeServerError
		e.Retryable = true
	default:
		e.Code = CodeUnknown
	}
	return e
}

// parseBody decodes a response body as JSON, wrapping non-JSON text.
func parseBody(body []byte) any {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return map[string]any{}
	}
	var doc any
	if err := json.Unmarshal([]byte(trimmed), &doc); err == nil {
		return doc
	}
	return map[string]any{"result": trimmed}
}

// applyResponseMapping projects the parsed body onto the profile's output
// shape, one dot path per output key. Unresolvable paths map to null.
func applyResponseMapping(doc any, mapping map[string]string) map[string]any {
	out := make(map[string]any, len(mapping))
	for key, path := range mapping {
		if v, ok := extractPath(doc, path); ok {
			out[key] = v
		} else {
			out[key] = nil
		}
	}
	return out
}

// extractPath walks a dot path through decoded JSON.
func extractPath(doc any, path string) (any, bool) {
	if path == "" {
		return doc, true
	}
	current := doc
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func containsValue(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (x *Executor) logRequest(ctx context.Context, req *http.Request, body string) {
	if x.logger == nil {
		return
	}
	x.logger.Debug(ctx, "upstream request",
		"method", req.Method,
		"url", req.URL.String(),
		"authorization", "Bearer ***",
		"body", truncate(body, logTruncate),
	)
}

func (x *Executor) logResponse(ctx context.Context, status int, body []byte) {
	if x.logger == nil {
		return
	}
	x.logger.Debug(ctx, "upstream response",
		"status", status,
		"body", truncate(string(body), logTruncate),
	)
}
