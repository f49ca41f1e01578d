package curlstep

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/bmcszk/go-curlstep/internal/curl"
)

// Builder turns curl commands into executable requests. It holds the store
// markers are resolved against and the transport and logging configuration
// shared by every Execution it creates.
type Builder struct {
	store            Store
	httpClient       *http.Client
	client           *resty.Client
	noRedirectClient *resty.Client
	retry            RetryPolicy
	console          io.Writer
	reporter         Reporter
	logger           *slog.Logger
	resolverOpts     []ResolverOption
}

// BuilderOption is a functional option for configuring the Builder.
type BuilderOption func(*Builder) error

// NewBuilder creates a Builder resolving markers against store.
func NewBuilder(store Store, options ...BuilderOption) (*Builder, error) {
	b := &Builder{
		store:      store,
		httpClient: &http.Client{},
		retry:      DefaultRetryPolicy,
		console:    os.Stdout,
		reporter:   discardReporter{},
		logger:     slog.Default(),
	}

	for _, option := range options {
		if err := option(b); err != nil {
			return nil, err
		}
	}
	b.retry.normalize()
	b.client = b.newRestyClient(false)
	b.noRedirectClient = b.newRestyClient(true)
	return b, nil
}

// newRestyClient wraps a copy of the configured http.Client so that the
// redirect policy can differ. Both copies share one Transport and therefore
// one connection pool.
func (b *Builder) newRestyClient(noRedirect bool) *resty.Client {
	hc := *b.httpClient
	if hc.Transport == nil {
		hc.Transport = http.DefaultTransport
	}
	client := resty.NewWithClient(&hc).
		SetLogger(restyLogger{logger: b.logger}).
		SetAllowGetMethodPayload(true)
	if noRedirect {
		client.SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}))
	}
	return client
}

// WithHTTPClient allows providing a custom http.Client. Its Transport is
// shared by every Execution of the builder.
func WithHTTPClient(hc *http.Client) BuilderOption {
	return func(b *Builder) error {
		if hc == nil {
			b.httpClient = &http.Client{}
		} else {
			b.httpClient = hc
		}
		return nil
	}
}

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) BuilderOption {
	return func(b *Builder) error {
		if p.MaxAttempts < 0 {
			return fmt.Errorf("invalid retry policy: negative max attempts %d", p.MaxAttempts)
		}
		b.retry = p
		return nil
	}
}

// WithConsole sets the writer receiving the SENT/RECV lines. Defaults to stdout.
func WithConsole(w io.Writer) BuilderOption {
	return func(b *Builder) error {
		if w == nil {
			w = io.Discard
		}
		b.console = w
		return nil
	}
}

// WithReporter sets the reporting sink receiving the SENT/RECV lines.
func WithReporter(r Reporter) BuilderOption {
	return func(b *Builder) error {
		if r == nil {
			r = discardReporter{}
		}
		b.reporter = r
		return nil
	}
}

// WithLogger sets the structured logger used for tracing.
func WithLogger(l *slog.Logger) BuilderOption {
	return func(b *Builder) error {
		if l == nil {
			return errors.New("logger must not be nil")
		}
		b.logger = l
		return nil
	}
}

// WithResolverOptions configures the Resolver used for every request.
func WithResolverOptions(opts ...ResolverOption) BuilderOption {
	return func(b *Builder) error {
		b.resolverOpts = append(b.resolverOpts, opts...)
		return nil
	}
}

// RequestOption configures a single CreateRequest call.
type RequestOption func(*requestOptions)

type requestOptions struct {
	silent       bool
	fullResponse bool
	noRedirect   bool
	fromFile     bool
}

// Silent suppresses the SENT/RECV lines after a successful Execute.
func Silent() RequestOption {
	return func(o *requestOptions) { o.silent = true }
}

// FullResponse accepts every status code and hands the whole *Response,
// instead of the decoded body, to the Execute condition.
func FullResponse() RequestOption {
	return func(o *requestOptions) { o.fullResponse = true }
}

// NoRedirect stops the transport from following redirects; the redirect
// response itself becomes the result.
func NoRedirect() RequestOption {
	return func(o *requestOptions) { o.noRedirect = true }
}

// FromFile treats the source passed to CreateRequest as a path to a file
// holding the curl command.
func FromFile() RequestOption {
	return func(o *requestOptions) { o.fromFile = true }
}

// CreateRequest parses a curl command, resolves its markers and returns an
// Execution ready to be sent. The URL is resolved first, on its own, then
// the method, headers and body.
func (b *Builder) CreateRequest(source string, opts ...RequestOption) (*Execution, error) {
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}

	text := source
	if o.fromFile {
		content, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("failed to read curl file %s: %w", source, err)
		}
		text = string(content)
	}

	raw, err := curl.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse curl command: %w", err)
	}

	// "$" keys not found in the store are generated once per request.
	store := Stores{b.store, newSystemVars()}
	resolver := NewResolver(store, append([]ResolverOption{WithResolverLogger(b.logger)}, b.resolverOpts...)...)
	prepared, err := prepareRequest(resolver, raw)
	if err != nil {
		return nil, err
	}

	e := &Execution{
		ID:           uuid.NewString(),
		Request:      prepared,
		Silent:       o.silent,
		FullResponse: o.fullResponse,
		noRedirect:   o.noRedirect,
		builder:      b,
	}
	b.logger.Debug("CreateRequest: prepared", "execution", e.ID, "method", prepared.Method, "url", prepared.URL)
	return e, nil
}

// CreateRequest is a shortcut for a Builder with default settings.
func CreateRequest(store Store, source string, opts ...RequestOption) (*Execution, error) {
	b, err := NewBuilder(store)
	if err != nil {
		return nil, err
	}
	return b.CreateRequest(source, opts...)
}

// PreparedRequest is a request whose markers are all resolved.
type PreparedRequest struct {
	Method string
	URL    string
	Header http.Header
	// Body is a string sent as-is, a structure sent as JSON, or nil.
	Body any
}

// BodyBytes returns the payload sent on the wire.
func (r *PreparedRequest) BodyBytes() ([]byte, error) {
	switch t := r.Body.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(t), nil
	case []byte:
		return t, nil
	default:
		return marshalJSON(t)
	}
}

// Curl renders the request as a curl command line.
func (r *PreparedRequest) Curl() string {
	body, err := r.BodyBytes()
	if err != nil {
		body = []byte(fmt.Sprint(r.Body))
	}
	return curl.Render(r.Method, r.URL, r.Header, string(body))
}

func prepareRequest(r *Resolver, raw *curl.Request) (*PreparedRequest, error) {
	rawURL, err := resolveURL(r, raw.URL)
	if err != nil {
		return nil, err
	}

	method, err := r.ResolveText(raw.Method)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve method: %w", err)
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}

	resolvedHeaders, err := r.Resolve(raw.Headers)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve headers: %w", err)
	}
	header := make(http.Header)
	if m, ok := resolvedHeaders.(map[string]any); ok {
		for k, v := range m {
			header.Set(k, Value{Data: v}.String())
		}
	}

	var body any
	if raw.Body != nil {
		body, err = r.Resolve(raw.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve body: %w", err)
		}
		if r.prune && isFalsy(body) {
			body = nil
		}
	}

	return &PreparedRequest{Method: method, URL: rawURL, Header: header, Body: body}, nil
}

// resolveURL resolves everything but the query as text, then resolves every
// query parameter value on its own, dropping the ones that come out empty
// or as the literal "undefined".
func resolveURL(r *Resolver, raw string) (string, error) {
	base, query, _ := strings.Cut(raw, "?")
	var fragment string
	if strings.Contains(query, "#") {
		query, fragment, _ = strings.Cut(query, "#")
	} else {
		base, fragment, _ = strings.Cut(base, "#")
	}

	resolvedBase, err := r.ResolveText(base)
	if err != nil {
		return "", fmt.Errorf("failed to resolve url: %w", err)
	}
	u, err := url.Parse(resolvedBase)
	if err != nil {
		return "", fmt.Errorf("%w %q: %w", ErrInvalidURL, resolvedBase, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("%w %q: not an absolute url", ErrInvalidURL, resolvedBase)
	}

	// A base URL variable may carry its own query.
	if u.RawQuery != "" {
		query = u.RawQuery + "&" + query
	}
	params, err := resolveQuery(r, query)
	if err != nil {
		return "", err
	}
	u.RawQuery = params.encode()
	u.ForceQuery = false

	if fragment != "" {
		resolvedFragment, err := r.ResolveText(fragment)
		if err != nil {
			return "", fmt.Errorf("failed to resolve url fragment: %w", err)
		}
		u.Fragment = resolvedFragment
	}
	return u.String(), nil
}

type queryParam struct {
	key   string
	value string
}

type queryParams []queryParam

func (ps queryParams) encode() string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = url.QueryEscape(p.key) + "=" + url.QueryEscape(p.value)
	}
	return strings.Join(parts, "&")
}

// resolveQuery keeps parameter order. A repeated key keeps its first
// position and its last value.
func resolveQuery(r *Resolver, rawQuery string) (queryParams, error) {
	var params queryParams
	index := make(map[string]int)
	for _, part := range strings.Split(rawQuery, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		key := unescapeQuery(k)

		val, err := r.ResolveString(unescapeQuery(v))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve query parameter %s: %w", key, err)
		}
		text := val.String()
		if isFalsy(val.Data) || text == undefinedValue {
			r.logger.Debug("resolveURL: dropping query parameter", "key", key)
			continue
		}

		if i, ok := index[key]; ok {
			params[i].value = text
			continue
		}
		index[key] = len(params)
		params = append(params, queryParam{key: key, value: text})
	}
	return params, nil
}

func unescapeQuery(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}
