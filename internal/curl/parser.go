// Package curl turns curl command lines into request descriptions and back.
package curl

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/kballard/go-shellquote"
)

// Request is the structured form of a curl command.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	// Body is the decoded JSON document when RawBody is valid JSON, RawBody
	// itself otherwise, and nil when the command carries no data.
	Body    any
	RawBody string
}

const formContentType = "application/x-www-form-urlencoded"

var reLineContinuation = regexp.MustCompile(`\\\r?\n`)

// flags that consume the next word; the value names the handler.
var valueFlags = map[string]string{
	"-X":               "request",
	"--request":        "request",
	"-H":               "header",
	"--header":         "header",
	"-d":               "data",
	"--data":           "data",
	"--data-ascii":     "data",
	"--data-binary":    "data",
	"--data-raw":       "data-raw",
	"--data-urlencode": "data-urlencode",
	"--json":           "json",
	"-u":               "user",
	"--user":           "user",
	"-b":               "cookie",
	"--cookie":         "cookie",
	"-A":               "user-agent",
	"--user-agent":     "user-agent",
	"-e":               "referer",
	"--referer":        "referer",
	"--url":            "url",
}

// transport-only flags that consume the next word and are otherwise ignored.
var ignoredValueFlags = map[string]bool{
	"-o":                true,
	"--output":          true,
	"-m":                true,
	"--max-time":        true,
	"--connect-timeout": true,
	"--retry":           true,
	"--retry-delay":     true,
	"--retry-max-time":  true,
	"-w":                true,
	"--write-out":       true,
	"-c":                true,
	"--cookie-jar":      true,
	"-x":                true,
	"--proxy":           true,
	"--proxy-user":      true,
	"--noproxy":         true,
	"-E":                true,
	"--cert":            true,
	"--cert-type":       true,
	"--key":             true,
	"--key-type":        true,
	"--cacert":          true,
	"--capath":          true,
	"--resolve":         true,
	"--max-redirs":      true,
	"--limit-rate":      true,
	"--interface":       true,
}

type parser struct {
	req       *Request
	method    string
	data      []string
	getMode   bool
	headMode  bool
	headerErr *multierror.Error
}

// Parse parses a curl command line. A leading "curl" word is optional and
// backslash-newline continuations are accepted.
func Parse(command string) (*Request, error) {
	text := reLineContinuation.ReplaceAllString(strings.TrimSpace(command), " ")
	words, err := shellquote.Split(text)
	if err != nil {
		return nil, fmt.Errorf("failed to split curl command: %w", err)
	}
	if len(words) > 0 && words[0] == "curl" {
		words = words[1:]
	}

	p := &parser{req: &Request{Headers: make(map[string]string)}}
	for i := 0; i < len(words); i++ {
		consumed, err := p.word(words, i)
		if err != nil {
			return nil, err
		}
		i += consumed
	}
	if err := p.headerErr.ErrorOrNil(); err != nil {
		return nil, err
	}
	return p.finish()
}

// word handles words[i] and returns how many following words it consumed.
func (p *parser) word(words []string, i int) (int, error) {
	w := words[i]
	if !strings.HasPrefix(w, "-") || w == "-" {
		if p.req.URL == "" {
			p.req.URL = w
		}
		return 0, nil
	}

	name, value, inline := splitFlag(w)
	handler, takesValue := valueFlags[name]
	if !takesValue && !ignoredValueFlags[name] {
		p.booleanFlags(w)
		return 0, nil
	}

	consumed := 0
	if !inline {
		if i+1 >= len(words) {
			return 0, fmt.Errorf("curl option %s requires a value", name)
		}
		value = words[i+1]
		consumed = 1
	}
	if takesValue {
		if err := p.apply(handler, value); err != nil {
			return 0, err
		}
	}
	return consumed, nil
}

// splitFlag separates "--name=value" and "-Xvalue" forms.
func splitFlag(w string) (name, value string, inline bool) {
	if strings.HasPrefix(w, "--") {
		if n, v, ok := strings.Cut(w, "="); ok {
			return n, v, true
		}
		return w, "", false
	}
	if len(w) > 2 {
		short := w[:2]
		if _, ok := valueFlags[short]; ok || ignoredValueFlags[short] {
			return short, w[2:], true
		}
	}
	return w, "", false
}

func (p *parser) booleanFlags(w string) {
	switch w {
	case "--get":
		p.getMode = true
		return
	case "--head":
		p.headMode = true
		return
	}
	if strings.HasPrefix(w, "--") {
		return
	}
	for _, c := range w[1:] {
		switch c {
		case 'G':
			p.getMode = true
		case 'I':
			p.headMode = true
		}
	}
}

func (p *parser) apply(handler, value string) error {
	switch handler {
	case "request":
		p.method = strings.ToUpper(value)
	case "header":
		p.header(value)
	case "data":
		content, err := dataValue(value)
		if err != nil {
			return err
		}
		p.data = append(p.data, content)
	case "data-raw":
		p.data = append(p.data, value)
	case "data-urlencode":
		p.data = append(p.data, urlencodeValue(value))
	case "json":
		content, err := dataValue(value)
		if err != nil {
			return err
		}
		p.data = append(p.data, content)
		p.setDefaultHeader("Content-Type", "application/json")
		p.setDefaultHeader("Accept", "application/json")
	case "user":
		p.req.Headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(value))
	case "cookie":
		// Without '=' the value names a cookie file, which is not replayed.
		if strings.Contains(value, "=") {
			p.req.Headers["Cookie"] = value
		}
	case "user-agent":
		p.req.Headers["User-Agent"] = value
	case "referer":
		p.req.Headers["Referer"] = value
	case "url":
		p.req.URL = value
	}
	return nil
}

func (p *parser) header(value string) {
	name, val, ok := strings.Cut(value, ":")
	if !ok {
		// "Name;" sends an empty header.
		if n, found := strings.CutSuffix(strings.TrimSpace(value), ";"); found && n != "" {
			p.req.Headers[n] = ""
			return
		}
		p.headerErr = multierror.Append(p.headerErr, fmt.Errorf("invalid header %q: expected 'Name: value'", value))
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		p.headerErr = multierror.Append(p.headerErr, fmt.Errorf("invalid header %q: empty name", value))
		return
	}
	p.req.Headers[name] = strings.TrimSpace(val)
}

func (p *parser) setDefaultHeader(name, value string) {
	for k := range p.req.Headers {
		if strings.EqualFold(k, name) {
			return
		}
	}
	p.req.Headers[name] = value
}

func (p *parser) finish() (*Request, error) {
	if p.req.URL == "" {
		return nil, errors.New("curl command has no url")
	}

	raw := strings.Join(p.data, "&")
	switch {
	case p.getMode && raw != "":
		sep := "?"
		if strings.Contains(p.req.URL, "?") {
			sep = "&"
		}
		p.req.URL += sep + raw
		raw = ""
	case raw != "":
		p.setDefaultHeader("Content-Type", formContentType)
	}

	switch {
	case p.method != "":
		p.req.Method = p.method
	case p.headMode:
		p.req.Method = http.MethodHead
	case raw != "":
		p.req.Method = http.MethodPost
	default:
		p.req.Method = http.MethodGet
	}

	if raw != "" {
		p.req.RawBody = raw
		p.req.Body = decodeBody(raw)
	}
	return p.req, nil
}

// dataValue applies curl's @file convention.
func dataValue(value string) (string, error) {
	path, isFile := strings.CutPrefix(value, "@")
	if !isFile {
		return value, nil
	}
	var content []byte
	var err error
	if path == "-" {
		content, err = io.ReadAll(os.Stdin)
	} else {
		content, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read curl data file %s: %w", path, err)
	}
	return string(content), nil
}

func urlencodeValue(value string) string {
	name, content, ok := strings.Cut(value, "=")
	if !ok {
		return url.QueryEscape(value)
	}
	if name == "" {
		return url.QueryEscape(content)
	}
	return name + "=" + url.QueryEscape(content)
}

func decodeBody(raw string) any {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return raw
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return raw
	}
	return v
}
