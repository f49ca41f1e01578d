package curl

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_SimpleGet(t *testing.T) {
	// When
	req, err := Parse("curl https://api.example.com/users")

	// Then
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "https://api.example.com/users", req.URL)
	assert.Empty(t, req.Headers)
	assert.Nil(t, req.Body)
	assert.Empty(t, req.RawBody)
}

func TestParse_MultilineJSONPost(t *testing.T) {
	// Given
	command := "curl -X POST \\\n" +
		"  'https://api.example.com/users?x={{x}}' \\\n" +
		"  -H 'Content-Type: application/json' \\\n" +
		"  -H \"Authorization: Bearer {{token}}\" \\\n" +
		"  --data '{\"name\":\"{{name}}\",\"age\":30}'"

	// When
	req, err := Parse(command)

	// Then
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "https://api.example.com/users?x={{x}}", req.URL)
	assert.Equal(t, map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer {{token}}",
	}, req.Headers)
	assert.Equal(t, `{"name":"{{name}}","age":30}`, req.RawBody)
	assert.Equal(t, map[string]any{"name": "{{name}}", "age": json.Number("30")}, req.Body)
}

func TestParse_RawBodyKeptAsString(t *testing.T) {
	// When
	req, err := Parse(`curl http://h/form -d 'a=1' --data-raw 'b=@two'`)

	// Then
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "a=1&b=@two", req.Body)
	assert.Equal(t, formContentType, req.Headers["Content-Type"])
}

func TestParse_MethodSelection(t *testing.T) {
	tests := []struct {
		name    string
		command string
		method  string
		url     string
	}{
		{name: "explicit method wins", command: `curl -X put http://h/a -d x=1`, method: http.MethodPut, url: "http://h/a"},
		{name: "inline request flag", command: `curl -XDELETE http://h/a`, method: http.MethodDelete, url: "http://h/a"},
		{name: "long flag with equals", command: `curl --request=PATCH --url=http://h/a`, method: http.MethodPatch, url: "http://h/a"},
		{name: "head", command: `curl -I http://h/a`, method: http.MethodHead, url: "http://h/a"},
		{name: "get moves data to query", command: `curl -G http://h/a -d q=1 -d r=2`, method: http.MethodGet, url: "http://h/a?q=1&r=2"},
		{name: "get appends to existing query", command: `curl --get 'http://h/a?p=0' -d q=1`, method: http.MethodGet, url: "http://h/a?p=0&q=1"},
		{name: "boolean cluster ignored", command: `curl -sSLk http://h/a`, method: http.MethodGet, url: "http://h/a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := Parse(tt.command)

			require.NoError(t, err)
			assert.Equal(t, tt.method, req.Method)
			assert.Equal(t, tt.url, req.URL)
		})
	}
}

func TestParse_IgnoredFlagsSkipTheirValue(t *testing.T) {
	// When
	req, err := Parse(`curl --compressed -m 30 -o out.json --connect-timeout 5 http://h/a`)

	// Then
	require.NoError(t, err)
	assert.Equal(t, "http://h/a", req.URL)
}

func TestParse_HeaderShortcuts(t *testing.T) {
	// When
	req, err := Parse(`curl http://h/a -u user:secret -b 'sid=1; lang=en' -A agent/1.0 -e http://ref -H 'X-Empty;'`)

	// Then
	require.NoError(t, err)
	assert.Equal(t, "Basic dXNlcjpzZWNyZXQ=", req.Headers["Authorization"])
	assert.Equal(t, "sid=1; lang=en", req.Headers["Cookie"])
	assert.Equal(t, "agent/1.0", req.Headers["User-Agent"])
	assert.Equal(t, "http://ref", req.Headers["Referer"])
	value, ok := req.Headers["X-Empty"]
	assert.True(t, ok)
	assert.Empty(t, value)
}

func TestParse_JSONFlagSetsHeaders(t *testing.T) {
	// When
	req, err := Parse(`curl -H 'accept: text/plain' --json '[1,2]' http://h/a`)

	// Then
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "application/json", req.Headers["Content-Type"])
	assert.Equal(t, "text/plain", req.Headers["accept"])
	_, hasAccept := req.Headers["Accept"]
	assert.False(t, hasAccept)
	assert.Equal(t, []any{json.Number("1"), json.Number("2")}, req.Body)
}

func TestParse_DataURLEncode(t *testing.T) {
	// When
	req, err := Parse(`curl http://h/a --data-urlencode 'q=a b&c' --data-urlencode '=x y'`)

	// Then
	require.NoError(t, err)
	assert.Equal(t, "q=a+b%26c&x+y", req.RawBody)
}

func TestParse_DataFromFile(t *testing.T) {
	// Given
	path := filepath.Join(t.TempDir(), "body.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"{{id}}"}`), 0o600))

	// When
	req, err := Parse("curl http://h/a -H 'Content-Type: application/json' -d @" + path)

	// Then
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "{{id}}"}, req.Body)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		command string
		errMsg  string
	}{
		{name: "no url", command: `curl -X GET`, errMsg: "no url"},
		{name: "missing value", command: `curl http://h/a -H`, errMsg: "requires a value"},
		{name: "unbalanced quote", command: `curl 'http://h/a`, errMsg: "failed to split"},
		{name: "missing data file", command: `curl http://h/a -d @/does/not/exist`, errMsg: "failed to read curl data file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.command)

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestParse_CollectsAllMalformedHeaders(t *testing.T) {
	// When
	_, err := Parse(`curl http://h/a -H 'first' -H 'Good: yes' -H ': nameless'`)

	// Then
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 errors occurred")
	assert.Contains(t, err.Error(), `invalid header "first"`)
	assert.Contains(t, err.Error(), "empty name")
}

func TestRender_ParsesBack(t *testing.T) {
	// Given
	header := http.Header{
		"Content-Type": {"application/json"},
		"X-Trace":      {"a b 'c'"},
	}
	body := `{"msg":"it's here"}`

	// When
	command := Render(http.MethodPut, "http://h/a?x=1&y=2", header, body)
	req, err := Parse(command)

	// Then
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(t, "http://h/a?x=1&y=2", req.URL)
	assert.Equal(t, "a b 'c'", req.Headers["X-Trace"])
	assert.Equal(t, body, req.RawBody)
}

func TestRender_QuotesOnlyWhenNeeded(t *testing.T) {
	command := Render(http.MethodGet, "http://h/a?x=1&y=2", http.Header{"Accept": {"*/*"}}, "")

	assert.Equal(t, `curl -X GET 'http://h/a?x=1&y=2' -H 'Accept: */*'`, command)
}
