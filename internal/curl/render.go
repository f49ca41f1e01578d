package curl

import (
	"net/http"
	"regexp"
	"sort"
	"strings"
)

var reShellSafe = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

// Render builds a curl command line for a request. Headers are written in
// sorted order so the output is stable. Words are single-quoted the way a
// curl command is usually written by hand; Parse reads the result back.
func Render(method, rawURL string, header http.Header, body string) string {
	args := []string{"curl", "-X", method, rawURL}

	keys := make([]string, 0, len(header))
	for k := range header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range header[k] {
			args = append(args, "-H", k+": "+v)
		}
	}

	if body != "" {
		args = append(args, "--data-raw", body)
	}

	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = quote(a)
	}
	return strings.Join(quoted, " ")
}

func quote(word string) string {
	if reShellSafe.MatchString(word) {
		return word
	}
	return "'" + strings.ReplaceAll(word, "'", `'\''`) + "'"
}
