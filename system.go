package curlstep

import (
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	alphaNumericCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	hexCharset          = "0123456789abcdef"
	defaultRandomLength = 10
	defaultRandomIntMax = 1000
)

// Name lists for person data generation
var firstNames = []string{
	"James", "Mary", "John", "Patricia", "Robert", "Jennifer", "Michael", "Linda", "William", "Elizabeth",
	"David", "Barbara", "Richard", "Susan", "Joseph", "Jessica", "Thomas", "Sarah", "Christopher", "Karen",
}

var lastNames = []string{
	"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia", "Miller", "Davis", "Rodriguez", "Martinez",
	"Hernandez", "Lopez", "Gonzalez", "Wilson", "Anderson", "Thomas", "Taylor", "Moore", "Jackson", "Martin",
}

// systemVars resolves the "$" keys: {{$uuid}}, {{$timestamp}},
// {{$randomInt 1 10}}, {{$processEnv HOME}} and so on. Each key is generated
// once and then reused, so one request sees the same {{$uuid}} everywhere.
type systemVars struct {
	mu     sync.Mutex
	rng    *rand.Rand
	now    func() time.Time
	values map[string]string
}

func newSystemVars() *systemVars {
	return &systemVars{
		// nolint:gosec
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
		values: make(map[string]string),
	}
}

// Get implements Store.
func (s *systemVars) Get(key string) (string, bool) {
	if !strings.HasPrefix(key, "$") {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.values[key]; ok {
		return v, true
	}

	fields := strings.Fields(key)
	v, ok := s.generate(fields[0], fields[1:])
	if !ok {
		return "", false
	}
	s.values[key] = v
	return v, true
}

func (s *systemVars) generate(name string, args []string) (string, bool) {
	switch name {
	case "$uuid", "$guid", "$random.uuid":
		return uuid.NewString(), true
	case "$timestamp":
		return strconv.FormatInt(s.now().Unix(), 10), true
	case "$isoTimestamp":
		return s.now().UTC().Format(time.RFC3339), true
	case "$randomInt", "$random.integer":
		minVal, maxVal := intArg(args, 0, 0), intArg(args, 1, defaultRandomIntMax)
		if maxVal <= minVal {
			return strconv.Itoa(minVal), true
		}
		return strconv.Itoa(minVal + s.rng.Intn(maxVal-minVal)), true
	case "$randomHex", "$random.hexadecimal":
		return s.randomString(intArg(args, 0, defaultRandomLength), hexCharset), true
	case "$randomAlphaNumeric", "$random.alphanumeric":
		return s.randomString(intArg(args, 0, defaultRandomLength), alphaNumericCharset), true
	case "$randomFirstName", "$random.firstName":
		return firstNames[s.rng.Intn(len(firstNames))], true
	case "$randomLastName", "$random.lastName":
		return lastNames[s.rng.Intn(len(lastNames))], true
	case "$randomFullName", "$random.fullName":
		return firstNames[s.rng.Intn(len(firstNames))] + " " + lastNames[s.rng.Intn(len(lastNames))], true
	case "$processEnv":
		if len(args) != 1 {
			return "", false
		}
		return os.LookupEnv(args[0])
	}
	return "", false
}

func (s *systemVars) randomString(length int, charset string) string {
	if length <= 0 {
		return ""
	}
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[s.rng.Intn(len(charset))]
	}
	return string(b)
}

func intArg(args []string, i, fallback int) int {
	if i >= len(args) {
		return fallback
	}
	n, err := strconv.Atoi(args[i])
	if err != nil {
		return fallback
	}
	return n
}
