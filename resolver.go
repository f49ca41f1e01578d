package curlstep

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"regexp"
	"sort"
	"strings"
)

var reMarker = regexp.MustCompile(`{{.*?}}`)

const (
	// notNullDefault as a marker default means "fail when the key is absent".
	notNullDefault  = "NotNull"
	undefinedValue  = "undefined"
	defaultMaxDepth = 32
)

// Value is the result of resolving a single string. A string whose markers
// resolve to JSON text is replaced as a whole by the decoded structure, in
// which case Structured is true and Data holds a map, slice, number, bool or nil.
type Value struct {
	Data       any
	Structured bool
}

// String renders the value as text. Structured values are rendered as
// compact JSON.
func (v Value) String() string {
	if s, ok := v.Data.(string); ok {
		return s
	}
	b, err := json.Marshal(v.Data)
	if err != nil {
		return fmt.Sprint(v.Data)
	}
	return string(b)
}

// Resolver substitutes {{key}} and {{key|default}} markers with values from a Store.
type Resolver struct {
	store    Store
	maxDepth int
	prune    bool
	logger   *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithMaxDepth bounds cascading substitution. Values below 1 are ignored.
func WithMaxDepth(n int) ResolverOption {
	return func(r *Resolver) {
		if n > 0 {
			r.maxDepth = n
		}
	}
}

// WithoutPruning keeps mapping keys whose resolved value is falsy. By default
// such keys are removed.
func WithoutPruning() ResolverOption {
	return func(r *Resolver) {
		r.prune = false
	}
}

// WithResolverLogger sets the logger used for substitution tracing.
func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResolver creates a Resolver reading from store. A nil store behaves as
// an empty one.
func NewResolver(store Store, opts ...ResolverOption) *Resolver {
	if store == nil {
		store = Stores(nil)
	}
	r := &Resolver{
		store:    store,
		maxDepth: defaultMaxDepth,
		prune:    true,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve substitutes markers in every string reachable from v and returns a
// new structure; v itself is left untouched. Supported shapes are strings,
// []any, []string, map[string]any and map[string]string; any other value is
// returned unchanged. Mapping keys whose resolved value is falsy (nil, "",
// false, zero, empty mapping or sequence) are dropped.
func (r *Resolver) Resolve(v any) (any, error) {
	return r.resolve(v, 0)
}

// ResolveString resolves the markers of a single string.
func (r *Resolver) ResolveString(s string) (Value, error) {
	return r.resolveString(s, 0, true)
}

// ResolveText resolves the markers of s splicing every value as plain text,
// even values that are valid JSON.
func (r *Resolver) ResolveText(s string) (string, error) {
	v, err := r.resolveString(s, 0, false)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

func (r *Resolver) resolve(v any, depth int) (any, error) {
	switch t := v.(type) {
	case string:
		val, err := r.resolveString(t, depth, true)
		if err != nil {
			return nil, err
		}
		return val.Data, nil
	case []any:
		return r.resolveSlice(t, depth)
	case []string:
		items := make([]any, len(t))
		for i, s := range t {
			items[i] = s
		}
		return r.resolveSlice(items, depth)
	case map[string]any:
		return r.resolveMap(t, depth)
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, s := range t {
			m[k] = s
		}
		return r.resolveMap(m, depth)
	default:
		return v, nil
	}
}

func (r *Resolver) resolveSlice(items []any, depth int) ([]any, error) {
	out := make([]any, len(items))
	for i, item := range items {
		rv, err := r.resolve(item, depth)
		if err != nil {
			return nil, err
		}
		out[i] = rv
	}
	return out, nil
}

func (r *Resolver) resolveMap(m map[string]any, depth int) (map[string]any, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(m))
	for _, k := range keys {
		rv, err := r.resolve(m[k], depth)
		if err != nil {
			return nil, err
		}
		if r.prune && isFalsy(rv) {
			r.logger.Debug("resolve: dropping key with empty value", "key", k)
			continue
		}
		out[k] = rv
	}
	return out, nil
}

// resolveString walks the markers found in the original s from left to
// right. A value that parses as JSON replaces the whole current value;
// anything else replaces the first occurrence of its marker, after which the
// rewritten string is resolved again so nested and chained markers settle.
// A value carrying markers of its own is resolved one level deeper before it
// is spliced in, so sibling markers never share the WithMaxDepth budget.
func (r *Resolver) resolveString(s string, depth int, spliceJSON bool) (Value, error) {
	matches := reMarker.FindAllString(s, -1)
	current := Value{Data: s}
	if len(matches) == 0 {
		return current, nil
	}
	if depth >= r.maxDepth {
		return Value{}, fmt.Errorf("%w: %q after %d nested substitutions", ErrResolutionDepth, s, depth)
	}

	for _, match := range matches {
		value, err := r.lookup(match)
		if err != nil {
			return Value{}, err
		}

		if spliceJSON {
			if parsed, ok := decodeJSON(value); ok {
				data, err := r.resolve(parsed, depth+1)
				if err != nil {
					return Value{}, err
				}
				_, isString := data.(string)
				current = Value{Data: data, Structured: !isString}
				r.logger.Debug("resolve: marker replaced value with JSON", "marker", match)
				continue
			}
		}

		text, ok := current.Data.(string)
		if !ok {
			r.logger.Debug("resolve: no text left for marker", "marker", match)
			continue
		}
		if countMarkers(value) > 0 {
			nested, err := r.resolveString(value, depth+1, spliceJSON)
			if err != nil {
				return Value{}, err
			}
			if nested.Structured {
				current = nested
				continue
			}
			value = nested.String()
		}

		rewritten := strings.Replace(text, match, value, 1)
		// A splice that joins text into a new marker nests deeper.
		nextDepth := depth
		if countMarkers(rewritten) >= countMarkers(text) {
			nextDepth++
		}
		next, err := r.resolveString(rewritten, nextDepth, spliceJSON)
		if err != nil {
			return Value{}, err
		}
		current = next
	}
	return current, nil
}

func countMarkers(s string) int {
	return len(reMarker.FindAllStringIndex(s, -1))
}

// lookup returns the substitution for a single {{key|default}} marker. The
// key and default are taken verbatim. A marker without a default whose key is
// absent or empty yields the text "undefined"; {{key|}} yields "".
func (r *Resolver) lookup(match string) (string, error) {
	key, fallback, hasDefault := strings.Cut(match[2:len(match)-2], "|")
	if !hasDefault {
		fallback = undefinedValue
	}

	value := fallback
	v, found := r.store.Get(key)
	if found && v != "" {
		value = v
	}
	if value == notNullDefault {
		return "", &MissingVariableError{Key: key}
	}
	r.logger.Debug("resolve: marker", "key", key, "found", found)
	return value, nil
}

func decodeJSON(s string) (any, bool) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, false
	}
	return v, true
}

func isFalsy(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case bool:
		return !t
	case json.Number:
		f, err := t.Float64()
		return err == nil && f == 0
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() == 0
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		return f == 0 || f != f
	case reflect.Map, reflect.Slice:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
