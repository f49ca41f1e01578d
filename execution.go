package curlstep

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/go-resty/resty/v2"
)

// Condition decides whether Execute is done. v is the decoded response body,
// or the whole *Response when the execution is in full response mode.
// Returning false sends the request again after the retry policy's wait.
type Condition func(e *Execution, v any) bool

// Execution is a prepared request together with the response of its last
// Execute call.
type Execution struct {
	ID      string
	Request *PreparedRequest
	// Response is nil until Execute received one. It is overwritten on every
	// attempt and is kept even when Execute rejects its status.
	Response     *Response
	Silent       bool
	FullResponse bool

	noRedirect bool
	builder    *Builder
}

// Response is a received HTTP response.
type Response struct {
	Status     string
	StatusCode int
	Proto      string
	Header     http.Header
	Body       []byte
	// Data is the body decoded as JSON, or the body as a string when it is not JSON.
	Data     any
	Duration time.Duration
	// Attempt is the 1-based attempt of Execute that produced the response.
	Attempt int
}

// Execute sends the request and repeats it, waiting as the builder's retry
// policy says, until doWhile reports true. A nil doWhile accepts the first
// response. Without full response mode any status outside 2xx fails with a
// *TransportError. Transport errors are returned at once and never retried.
func (e *Execution) Execute(ctx context.Context, doWhile Condition) (*Execution, error) {
	logger := e.builder.logger.With("execution", e.ID)
	policy := e.builder.retry

	body, err := e.Request.BodyBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	client := e.builder.client
	if e.noRedirect {
		client = e.builder.noRedirectClient
	}

	for attempt := 1; ; attempt++ {
		if err := e.send(ctx, client, body, attempt); err != nil {
			logger.Debug("Execute: request failed", "attempt", attempt, "error", err)
			return nil, err
		}
		if e.conditionHolds(doWhile) {
			break
		}
		if policy.exhausted(attempt) {
			return nil, fmt.Errorf("%w: condition not met after %d attempts", ErrRetriesExhausted, attempt)
		}

		wait := policy.Backoff.Backoff(attempt)
		logger.Debug("Execute: condition not met, retrying", "attempt", attempt, "wait", wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	if !e.Silent {
		e.report()
	}
	return e, nil
}

func (e *Execution) send(ctx context.Context, client *resty.Client, body []byte, attempt int) error {
	req := client.R().SetContext(ctx)
	for name, values := range e.Request.Header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if body != nil {
		req.SetBody(body)
	}

	res, err := req.Execute(e.Request.Method, e.Request.URL)
	if err != nil {
		return &TransportError{Method: e.Request.Method, URL: e.Request.URL, Err: err}
	}

	e.Response = newResponse(res, attempt)
	e.builder.logger.Debug("Execute: response received",
		"execution", e.ID, "attempt", attempt, "status", e.Response.StatusCode, "duration", e.Response.Duration)

	if !e.FullResponse && (e.Response.StatusCode < 200 || e.Response.StatusCode > 299) {
		return &TransportError{
			Method:     e.Request.Method,
			URL:        e.Request.URL,
			StatusCode: e.Response.StatusCode,
			Err:        fmt.Errorf("status %s", e.Response.Status),
		}
	}
	return nil
}

func newResponse(res *resty.Response, attempt int) *Response {
	body := res.Body()
	var data any = string(body)
	if len(body) > 0 && json.Valid(body) {
		var decoded any
		if err := json.Unmarshal(body, &decoded); err == nil {
			data = decoded
		}
	}
	var proto string
	if res.RawResponse != nil {
		proto = res.RawResponse.Proto
	}
	return &Response{
		Status:     res.Status(),
		StatusCode: res.StatusCode(),
		Proto:      proto,
		Header:     res.Header(),
		Body:       body,
		Data:       data,
		Duration:   res.Time(),
		Attempt:    attempt,
	}
}

func (e *Execution) conditionHolds(doWhile Condition) bool {
	if doWhile == nil {
		return true
	}
	if e.FullResponse {
		return doWhile(e, e.Response)
	}
	return doWhile(e, e.Response.Data)
}

// report writes the SENT/RECV lines to the console and the reporter.
func (e *Execution) report() {
	if !e.hasBody() {
		return
	}
	received, err := marshalJSON(e.Response.Data)
	if err != nil {
		received = e.Response.Body
	}
	sent := "SENT : " + e.Request.Curl()
	recv := "RECV : " + string(received)

	fmt.Fprintln(e.builder.console, "\n"+sent)
	fmt.Fprintln(e.builder.console, recv)
	e.builder.reporter.Message(sent)
	e.builder.reporter.Message(recv)
}

func (e *Execution) hasBody() bool {
	return e.Response != nil && len(e.Response.Body) > 0
}

// JSONPath evaluates expr against the decoded response body and returns the
// matches. A path that matches nothing yields an empty slice.
func (e *Execution) JSONPath(expr string) ([]any, error) {
	if !e.hasBody() {
		return nil, ErrNotExecuted
	}
	return evalJSONPath(expr, e.Response.Data)
}

func evalJSONPath(expr string, data any) ([]any, error) {
	eval, err := jsonpath.New(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid jsonpath %q: %w", expr, err)
	}
	v, err := eval(context.Background(), data)
	if err != nil {
		// unknown keys and out of range indexes
		return []any{}, nil
	}
	if !isDefinitePath(expr) {
		if list, ok := v.([]any); ok {
			return list, nil
		}
	}
	return []any{v}, nil
}

var reQuotedKey = regexp.MustCompile(`'[^']*'|"[^"]*"`)

// isDefinitePath reports whether expr addresses at most one node. Quoted
// keys such as ['a:b'] are not inspected.
func isDefinitePath(expr string) bool {
	path := reQuotedKey.ReplaceAllString(expr, "''")
	return !strings.ContainsAny(path, "*?,:") && !strings.Contains(path, "..")
}

// Cookies returns the Set-Cookie values of the response, skipping cookies
// whose name starts with "__".
func (e *Execution) Cookies() ([]string, error) {
	if !e.hasBody() {
		return nil, ErrNotExecuted
	}
	cookies := []string{}
	for _, c := range e.Response.Header.Values("Set-Cookie") {
		if strings.HasPrefix(c, "__") {
			continue
		}
		cookies = append(cookies, c)
	}
	return cookies, nil
}

// SetCookies sets the Cookie header of the request to the concatenation of
// cookies, replacing any previous value.
func (e *Execution) SetCookies(cookies ...string) *Execution {
	e.Request.Header.Set("Cookie", strings.Join(cookies, ""))
	return e
}

// UntilStatus holds once the response status is one of codes. Pair it with
// FullResponse so non-2xx statuses reach the condition.
func UntilStatus(codes ...int) Condition {
	return func(e *Execution, _ any) bool {
		for _, code := range codes {
			if e.Response.StatusCode == code {
				return true
			}
		}
		return false
	}
}

// UntilJSONPath holds once expr matches at least one non-empty value in the
// response body.
func UntilJSONPath(expr string) (Condition, error) {
	if _, err := jsonpath.New(expr); err != nil {
		return nil, fmt.Errorf("invalid jsonpath %q: %w", expr, err)
	}
	return func(e *Execution, _ any) bool {
		matches, err := e.JSONPath(expr)
		if err != nil {
			return false
		}
		for _, m := range matches {
			if !isFalsy(m) {
				return true
			}
		}
		return false
	}, nil
}

// Reporter receives the SENT/RECV lines of every non-silent execution.
type Reporter interface {
	Message(msg string)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(msg string)

// Message implements Reporter
func (f ReporterFunc) Message(msg string) { f(msg) }

type testLogger interface {
	Logf(format string, args ...any)
}

// TestReporter reports to a test log.
func TestReporter(t testLogger) Reporter {
	return ReporterFunc(func(msg string) { t.Logf("%s", msg) })
}

type discardReporter struct{}

func (discardReporter) Message(string) {}

// restyLogger routes resty's own messages to slog.
type restyLogger struct {
	logger *slog.Logger
}

func (l restyLogger) Errorf(format string, v ...any) {
	l.logger.Error("resty: " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l restyLogger) Warnf(format string, v ...any) {
	l.logger.Warn("resty: " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l restyLogger) Debugf(format string, v ...any) {
	l.logger.Debug("resty: " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// marshalJSON encodes v compactly without escaping HTML characters.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
