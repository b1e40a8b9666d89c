// Package executor runs catalog tools: argument validation, token
// exchange, template rendering, then the upstream call through the
// per-source circuit breaker.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/parleyhq/parley/internal/breaker"
	"github.com/parleyhq/parley/internal/mcpruntime"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/rendering"
	"github.com/parleyhq/parley/internal/tokenex"
	"github.com/parleyhq/parley/pkg/models"
)

// Error codes surfaced in CallResult.ErrorCode.
const (
	CodeValidation      = "validation_error"
	CodeTemplate        = "template_error"
	CodeTokenExchange   = "token_exchange_failed"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeRateLimited     = "rate_limited"
	CodeCircuitOpen     = "circuit_open"
	CodeUpstreamTimeout = "upstream_timeout"
	CodePollTimeout     = "poll_timeout"
	CodeServerError     = "server_error"
	CodeUnavailable     = "unavailable"
	CodeToolError       = "tool_error"
	CodeUnknown         = "unknown"
)

// execError is an internal classification carried to the CallResult.
type execError struct {
	Code           string
	Message        string
	Retryable      bool
	UpstreamStatus int
	Details        *models.CallDetails
}

func (e *execError) Error() string { return e.Code + ": " + e.Message }

// Retryable reports whether a failed CallResult's error code is safe to
// retry.
func Retryable(code string) bool {
	switch code {
	case CodeRateLimited, CodeCircuitOpen, CodeUpstreamTimeout, CodePollTimeout, CodeServerError, CodeUnavailable:
		return true
	}
	return false
}

// MCPCaller routes mode-mcp profiles to a live MCP session.
type MCPCaller interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any) (json.RawMessage, error)
}

// Options configure an Executor.
type Options struct {
	Exchanger *tokenex.Exchanger
	Breakers  *breaker.Registry
	MCP       MCPCaller

	HTTPClient *http.Client

	// DefaultTimeout applies when a profile has none. Default 30s.
	DefaultTimeout time.Duration

	// SkipValidation bypasses the schema check (trusted internal callers).
	SkipValidation bool

	// MaxConcurrent bounds in-flight executions. Zero means unbounded.
	MaxConcurrent int

	// MaxResponseBytes caps upstream response bodies read into memory.
	// Default 8 MiB.
	MaxResponseBytes int64

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *observability.Logger

	// sleep is swapped in poll tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// State is an observability snapshot of executor counters.
type State struct {
	Calls              int64 `json:"calls"`
	Failures           int64 `json:"failures"`
	ValidationFailures int64 `json:"validation_failures"`
}

// Executor validates, renders, and executes tool calls. Safe for
// concurrent use.
type Executor struct {
	exchanger      *tokenex.Exchanger
	breakers       *breaker.Registry
	mcp            MCPCaller
	client         *http.Client
	defaultTimeout time.Duration
	skipValidation bool
	sem            *semaphore.Weighted
	maxRespBytes   int64
	metrics        *observability.Metrics
	tracer         *observability.Tracer
	logger         *observability.Logger
	sleep          func(ctx context.Context, d time.Duration) error

	calls              atomic.Int64
	failures           atomic.Int64
	validationFailures atomic.Int64
}

func New(opts Options) *Executor {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sleep := opts.sleep
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		}
	}
	var sem *semaphore.Weighted
	if opts.MaxConcurrent > 0 {
		sem = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}
	maxResp := opts.MaxResponseBytes
	if maxResp <= 0 {
		maxResp = defaultMaxResponseBytes
	}
	return &Executor{
		exchanger:      opts.Exchanger,
		breakers:       opts.Breakers,
		mcp:            opts.MCP,
		client:         client,
		defaultTimeout: timeout,
		skipValidation: opts.SkipValidation,
		sem:            sem,
		maxRespBytes:   maxResp,
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		logger:         opts.Logger,
		sleep:          sleep,
	}
}

// GetState snapshots the executor's counters.
func (x *Executor) GetState() State {
	return State{
		Calls:              x.calls.Load(),
		Failures:           x.failures.Load(),
		ValidationFailures: x.validationFailures.Load(),
	}
}

// Execute runs one tool call end to end and always returns a CallResult;
// failures are encoded in it rather than returned as an error.
func (x *Executor) Execute(ctx context.Context, def models.ToolDefinition, arguments json.RawMessage, agentToken string) models.CallResult {
	start := time.Now()
	x.calls.Add(1)

	if x.sem != nil {
		if err := x.sem.Acquire(ctx, 1); err != nil {
			x.failures.Add(1)
			result := failed(&execError{Code: CodeUnavailable, Message: "cancelled while waiting for an execution slot", Retryable: true})
			result.ToolID = def.ID
			return result
		}
		defer x.sem.Release(1)
	}

	if x.tracer != nil {
		var span trace.Span
		ctx, span = x.tracer.TraceToolExecution(ctx, def.ID)
		defer span.End()
	}

	result := x.execute(ctx, def, arguments, agentToken)
	result.ToolID = def.ID
	result.ExecutionTimeMS = time.Since(start).Milliseconds()

	if result.Status == models.CallFailed {
		x.failures.Add(1)
	}
	if x.metrics != nil {
		x.metrics.RecordToolExecution(def.ID, string(result.Status), time.Since(start).Seconds())
	}
	if x.logger != nil {
		x.logger.Info(ctx, "tool executed",
			"tool_id", def.ID,
			"mode", string(def.Profile.Mode),
			"status", string(result.Status),
			"error_code", result.ErrorCode,
			"upstream_status", result.UpstreamStatus,
			"duration_ms", result.ExecutionTimeMS,
		)
	}
	return result
}

func (x *Executor) execute(ctx context.Context, def models.ToolDefinition, arguments json.RawMessage, agentToken string) models.CallResult {
	args, execErr := x.validate(def, arguments)
	if execErr != nil {
		x.validationFailures.Add(1)
		return failed(execErr)
	}

	token, execErr := x.exchangeToken(ctx, def.Profile, agentToken)
	if execErr != nil {
		return failed(execErr)
	}

	if def.Profile.Mode == models.ModeMCP {
		return x.executeMCP(ctx, def, args)
	}

	req, execErr := x.renderRequest(def.Profile, args, token)
	if execErr != nil {
		return failed(execErr)
	}

	sourceID, _, err := models.SplitToolID(def.ID)
	if err != nil {
		sourceID = def.ID
	}
	br := x.breakers.Get(sourceID)
	if brErr := br.Allow(); brErr != nil {
		return failed(&execError{
			Code:      CodeCircuitOpen,
			Message:   fmt.Sprintf("source %s is circuit-open", sourceID),
			Retryable: true,
		})
	}

	switch def.Profile.Mode {
	case models.ModeAsyncPoll:
		return x.executePoll(ctx, def.Profile, req, args, token, br)
	default:
		return x.executeSync(ctx, def.Profile, req, br)
	}
}

// validate decodes the arguments and checks them against the tool's input
// schema with Draft-7 rules. All violations are aggregated.
func (x *Executor) validate(def models.ToolDefinition, arguments json.RawMessage) (map[string]any, *execError) {
	args := map[string]any{}
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &args); err != nil {
			return nil, &execError{
				Code:    CodeValidation,
				Message: "arguments must be a JSON object",
				Details: &models.CallDetails{ValidationErrors: []string{err.Error()}},
			}
		}
	}
	if x.skipValidation || len(def.InputSchema) == 0 {
		return args, nil
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource("input.json", strings.NewReader(string(def.InputSchema))); err != nil {
		return nil, &execError{Code: CodeValidation, Message: fmt.Sprintf("invalid input schema: %v", err)}
	}
	schema, err := compiler.Compile("input.json")
	if err != nil {
		return nil, &execError{Code: CodeValidation, Message: fmt.Sprintf("invalid input schema: %v", err)}
	}

	if err := schema.Validate(normalizeJSON(args)); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			violations := flattenValidation(ve)
			return nil, &execError{
				Code:    CodeValidation,
				Message: fmt.Sprintf("arguments failed validation (%d violations)", len(violations)),
				Details: &models.CallDetails{ValidationErrors: violations},
			}
		}
		return nil, &execError{Code: CodeValidation, Message: err.Error()}
	}
	return args, nil
}

// normalizeJSON round-trips a value through encoding/json so the validator
// sees canonical JSON types.
func normalizeJSON(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// flattenValidation collects leaf violations as "path: detail" lines,
// sorted for stable output.
func flattenValidation(ve *jsonschema.ValidationError) []string {
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, loc+": "+e.Message)
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(ve)
	sort.Strings(out)
	return out
}

// exchangeToken swaps the agent token for the profile's audience. An empty
// audience passes the agent token through untouched.
func (x *Executor) exchangeToken(ctx context.Context, profile models.ExecutionProfile, agentToken string) (string, *execError) {
	if x.exchanger == nil || profile.RequiredAudience == "" {
		return agentToken, nil
	}
	token, err := x.exchanger.Exchange(ctx, agentToken, profile.RequiredAudience, profile.RequiredScopes)
	if err != nil {
		var xe *tokenex.ExchangeError
		if errors.As(err, &xe) {
			return "", &execError{
				Code:           CodeTokenExchange,
				Message:        xe.Message,
				Retryable:      xe.Retryable,
				UpstreamStatus: xe.Status,
			}
		}
		return "", &execError{Code: CodeTokenExchange, Message: err.Error()}
	}
	return token, nil
}

// renderedRequest is a fully rendered upstream call, ready to send.
type renderedRequest struct {
	method  string
	url     string
	headers map[string]string
	body    string
	token   string
}

// renderRequest renders URL, header values, and body from the profile's
// templates. The Authorization header is always overwritten with the
// exchanged token.
func (x *Executor) renderRequest(profile models.ExecutionProfile, args map[string]any, token string) (*renderedRequest, *execError) {
	vars := rendering.Vars(args)

	url, err := rendering.Render(profile.URLTemplate, vars)
	if err != nil {
		return nil, templateError("url", err, vars)
	}

	headers := make(map[string]string, len(profile.HeadersTemplate)+1)
	for name, tmpl := range profile.HeadersTemplate {
		value, err := rendering.Render(tmpl, vars)
		if err != nil {
			return nil, templateError("header "+name, err, vars)
		}
		headers[name] = value
	}

	var body string
	if profile.BodyTemplate != "" {
		body, err = rendering.Render(profile.BodyTemplate, vars)
		if err != nil {
			return nil, templateError("body", err, vars)
		}
	}

	return &renderedRequest{
		method:  profile.Method,
		url:     url,
		headers: headers,
		body:    body,
		token:   token,
	}, nil
}

func templateError(where string, err error, vars rendering.Vars) *execError {
	ee := &execError{
		Code:    CodeTemplate,
		Message: fmt.Sprintf("render %s: %v", where, err),
	}
	var unknown *rendering.UnknownVariableError
	if errors.As(err, &unknown) {
		ee.Details = &models.CallDetails{AvailableKeys: vars.Keys()}
	}
	return ee
}

func (x *Executor) executeMCP(ctx context.Context, def models.ToolDefinition, args map[string]any) models.CallResult {
	if x.mcp == nil {
		return failed(&execError{Code: CodeUnavailable, Message: "mcp runtime not configured", Retryable: false})
	}

	sourceID, _, err := models.SplitToolID(def.ID)
	if err != nil {
		sourceID = def.ID
	}
	br := x.breakers.Get(sourceID)
	if brErr := br.Allow(); brErr != nil {
		return failed(&execError{Code: CodeCircuitOpen, Message: fmt.Sprintf("source %s is circuit-open", sourceID), Retryable: true})
	}

	result, err := x.mcp.CallTool(ctx, def.Profile.MCPServer, def.Profile.MCPToolName, args)
	if err != nil {
		var toolErr *mcpruntime.ToolError
		if errors.As(err, &toolErr) {
			// The server executed the call and said no; the transport is
			// healthy.
			br.RecordSuccess()
			return failed(&execError{Code: CodeToolError, Message: toolErr.Text})
		}
		br.RecordFailure()
		return failed(&execError{Code: CodeUnavailable, Message: err.Error(), Retryable: true})
	}
	br.RecordSuccess()
	return models.CallResult{Status: models.CallCompleted, Result: result}
}

func failed(e *execError) models.CallResult {
	return models.CallResult{
		Status:         models.CallFailed,
		Error:          e.Message,
		ErrorCode:      e.Code,
		Details:        e.Details,
		UpstreamStatus: e.UpstreamStatus,
	}
}
