package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/daimoniac/servicekit/internal/config"
	apperrors "github.com/daimoniac/servicekit/internal/errors"
)

var fixedTime = time.Date(2024, 1, 2, 3, 4, 5, 123456789, time.UTC)

func testConfig() *config.Config {
	return &config.Config{
		ServiceName:      "test-service",
		Env:              "test",
		LogLevel:         "INFO",
		MetricsEnabled:   false,
		MetricsPort:      8000,
		LoopSleepSeconds: 1.0,
		Version:          "0.0.0",
		Commit:           "test",
		ConfigSource:     "test",
		Instance:         "test-instance",
	}
}

func testFormatter() *Formatter {
	return NewFormatter(testConfig(), WithClock(func() time.Time { return fixedTime }))
}

// recordKeys returns the top-level keys of a JSON object in output order
func recordKeys(t *testing.T, line []byte) []string {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader(line))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		t.Fatalf("expected JSON object, got %v (err=%v)", tok, err)
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			t.Fatalf("failed to read key: %v", err)
		}
		keys = append(keys, tok.(string))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			t.Fatalf("failed to read value: %v", err)
		}
	}
	return keys
}

func decodeRecord(t *testing.T, line []byte) map[string]interface{} {
	t.Helper()
	var payload map[string]interface{}
	if err := json.Unmarshal(line, &payload); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, line)
	}
	return payload
}

func TestFormatRequiredKeys(t *testing.T) {
	f := testFormatter()

	out, err := f.Format(Event{
		Level:   LevelInfo,
		Logger:  "test-logger",
		Message: "hello world",
	})
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}

	want := []string{"ts", "level", "service", "logger", "instance", "env", "msg"}
	keys := recordKeys(t, out)
	if strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Errorf("expected keys %v, got %v", want, keys)
	}

	payload := decodeRecord(t, out)
	expected := map[string]string{
		"ts":       "2024-01-02T03:04:05.123456Z",
		"level":    "info",
		"service":  "test-service",
		"logger":   "test-logger",
		"instance": "test-instance",
		"env":      "test",
		"msg":      "hello world",
	}
	for key, value := range expected {
		if payload[key] != value {
			t.Errorf("expected %s=%q, got %v", key, value, payload[key])
		}
	}
}

func TestFormatTimestampIsUTC(t *testing.T) {
	f := testFormatter()
	local := time.FixedZone("UTC+2", 2*60*60)

	out, err := f.Format(Event{
		Time:    time.Date(2024, 6, 1, 12, 0, 0, 500000000, local),
		Level:   LevelInfo,
		Logger:  "root",
		Message: "tick",
	})
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}

	payload := decodeRecord(t, out)
	if payload["ts"] != "2024-06-01T10:00:00.500000Z" {
		t.Errorf("expected UTC timestamp, got %v", payload["ts"])
	}
}

func TestFormatLevelNames(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "debug"},
		{LevelInfo, "info"},
		{LevelWarning, "warning"},
		{LevelError, "error"},
		{LevelCritical, "critical"},
	}

	f := testFormatter()
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			out, err := f.Format(Event{Level: tt.level, Logger: "root", Message: "m"})
			if err != nil {
				t.Fatalf("Format failed: %v", err)
			}
			if got := decodeRecord(t, out)["level"]; got != tt.want {
				t.Errorf("expected level %q, got %v", tt.want, got)
			}
		})
	}
}

func TestFormatErrorLevelAddsErrorKey(t *testing.T) {
	f := testFormatter()

	out, err := f.Format(Event{
		Level:   LevelError,
		Logger:  "test-logger",
		Message: "something failed",
	})
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}

	payload := decodeRecord(t, out)
	if payload["error"] != "something failed" {
		t.Errorf("expected error to mirror msg, got %v", payload["error"])
	}
	if _, ok := payload["stack"]; ok {
		t.Error("expected no stack without a failure")
	}
	if _, ok := payload["exception_type"]; ok {
		t.Error("expected no exception_type without a failure")
	}
}

func TestFormatWarningHasNoErrorKey(t *testing.T) {
	f := testFormatter()

	out, err := f.Format(Event{Level: LevelWarning, Logger: "root", Message: "careful"})
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	if _, ok := decodeRecord(t, out)["error"]; ok {
		t.Error("expected no error key below error level")
	}
}

type validationError struct {
	field string
}

func (e *validationError) Error() string {
	return "invalid " + e.field
}

func TestFormatFailure(t *testing.T) {
	f := testFormatter()
	cause := fmt.Errorf("load settings: %w", &validationError{field: "boom"})

	out, err := f.Format(Event{
		Level:   LevelError,
		Logger:  "test-logger",
		Message: "something failed",
		Failure: CaptureFailure(cause),
	})
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}

	payload := decodeRecord(t, out)
	if payload["error"] != "something failed" {
		t.Errorf("expected error=msg, got %v", payload["error"])
	}
	stack, ok := payload["stack"].(string)
	if !ok || !strings.Contains(stack, "invalid boom") {
		t.Errorf("expected stack to describe the error chain, got %v", payload["stack"])
	}
	if payload["exception_type"] != "validationError" {
		t.Errorf("expected exception_type validationError, got %v", payload["exception_type"])
	}

	keys := recordKeys(t, out)
	tail := strings.Join(keys[len(keys)-3:], ",")
	if tail != "error,stack,exception_type" {
		t.Errorf("expected error, stack, exception_type last, got %v", keys)
	}
}

func TestFormatExtras(t *testing.T) {
	f := testFormatter()

	out, err := f.Format(Event{
		Level:   LevelError,
		Logger:  "test-logger",
		Message: "request failed",
		Extra: []Field{
			{Key: "service", Value: "spoofed"},
			{Key: "user", Value: "first"},
			{Key: "user", Value: "second"},
			{Key: "_private", Value: 1},
			{Key: "lineno", Value: 42},
			{Key: "source", Value: "main.go:10"},
			{Key: "attempt", Value: 3},
			{Key: "ok", Value: false},
			{Key: "error", Value: "explicit"},
		},
	})
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}

	payload := decodeRecord(t, out)
	if payload["service"] != "test-service" {
		t.Errorf("required keys must win, got service=%v", payload["service"])
	}
	if payload["user"] != "first" {
		t.Errorf("expected first extra to win, got %v", payload["user"])
	}
	for _, key := range []string{"_private", "lineno", "source"} {
		if _, ok := payload[key]; ok {
			t.Errorf("expected %s to be dropped", key)
		}
	}
	if payload["attempt"] != float64(3) {
		t.Errorf("expected numeric attempt, got %v", payload["attempt"])
	}
	if payload["ok"] != false {
		t.Errorf("expected boolean ok, got %v", payload["ok"])
	}
	if payload["error"] != "explicit" {
		t.Errorf("expected explicit error extra to be kept, got %v", payload["error"])
	}

	want := "ts,level,service,logger,instance,env,msg,user,attempt,ok,error"
	if got := strings.Join(recordKeys(t, out), ","); got != want {
		t.Errorf("expected key order %s, got %s", want, got)
	}
}

type region string

func (r region) String() string { return "region-" + string(r) }

func TestFormatNormalizesValues(t *testing.T) {
	f := testFormatter()

	out, err := f.Format(Event{
		Level:   LevelInfo,
		Logger:  "root",
		Message: "values",
		Extra: []Field{
			{Key: "elapsed", Value: 1500 * time.Millisecond},
			{Key: "cause", Value: errors.New("disk full")},
			{Key: "ratio", Value: math.NaN()},
			{Key: "where", Value: region("eu")},
			{Key: "tags", Value: []string{"a", "b"}},
			{Key: "counts", Value: map[string]int{"x": 1}},
			{Key: "point", Value: struct{ X, Y int }{1, 2}},
			{Key: "nothing", Value: nil},
		},
	})
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}

	payload := decodeRecord(t, out)
	if payload["elapsed"] != "1.5s" {
		t.Errorf("expected duration string, got %v", payload["elapsed"])
	}
	if payload["cause"] != "disk full" {
		t.Errorf("expected error string, got %v", payload["cause"])
	}
	if payload["ratio"] != "NaN" {
		t.Errorf("expected NaN string, got %v", payload["ratio"])
	}
	if payload["where"] != "region-eu" {
		t.Errorf("expected Stringer output, got %v", payload["where"])
	}
	tags, ok := payload["tags"].([]interface{})
	if !ok || len(tags) != 2 || tags[0] != "a" {
		t.Errorf("expected array, got %v", payload["tags"])
	}
	counts, ok := payload["counts"].(map[string]interface{})
	if !ok || counts["x"] != float64(1) {
		t.Errorf("expected object, got %v", payload["counts"])
	}
	if payload["point"] != "{X:1 Y:2}" {
		t.Errorf("expected stringified struct, got %v", payload["point"])
	}
	if v, ok := payload["nothing"]; !ok || v != nil {
		t.Errorf("expected explicit null extra, got %v (present=%v)", v, ok)
	}
}

func TestFormatPreservesNonASCII(t *testing.T) {
	f := testFormatter()
	msg := "héllo 世界 <b>&</b>"

	out, err := f.Format(Event{Level: LevelInfo, Logger: "root", Message: msg})
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}

	if !bytes.Contains(out, []byte(msg)) {
		t.Errorf("expected message bytes unescaped in %s", out)
	}
	if decodeRecord(t, out)["msg"] != msg {
		t.Errorf("expected msg to round-trip")
	}
}

func TestFormatSingleLine(t *testing.T) {
	f := testFormatter()

	out, err := f.Format(Event{
		Level:   LevelError,
		Logger:  "root",
		Message: "line one\nline two",
		Failure: CaptureFailure(errors.New("multi\nline")),
	})
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	if bytes.ContainsRune(out, '\n') {
		t.Errorf("expected a single line, got %q", out)
	}
}

func TestFormatArgs(t *testing.T) {
	f := testFormatter()

	out, err := f.Format(Event{
		Level:   LevelInfo,
		Logger:  "root",
		Message: "processed %d items in %s",
		Args:    []interface{}{3, "batch-1"},
	})
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	if got := decodeRecord(t, out)["msg"]; got != "processed 3 items in batch-1" {
		t.Errorf("unexpected msg %v", got)
	}
}

func TestFormatWithoutArgsKeepsTemplate(t *testing.T) {
	f := testFormatter()

	out, err := f.Format(Event{Level: LevelInfo, Logger: "root", Message: "100% done"})
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	if got := decodeRecord(t, out)["msg"]; got != "100% done" {
		t.Errorf("unexpected msg %v", got)
	}
}

type brokenStringer struct{}

func (brokenStringer) String() string { panic("broken") }

func TestFormatUnformattable(t *testing.T) {
	tests := []struct {
		name     string
		template string
		args     []interface{}
	}{
		{name: "missing argument", template: "%d and %d", args: []interface{}{1}},
		{name: "extra argument", template: "%s", args: []interface{}{"a", "b"}},
		{name: "wrong verb", template: "%d", args: []interface{}{"text"}},
		{name: "panicking stringer", template: "%s", args: []interface{}{brokenStringer{}}},
	}

	f := testFormatter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := f.Format(Event{
				Level:   LevelInfo,
				Logger:  "root",
				Message: tt.template,
				Args:    tt.args,
			})
			if !errors.Is(err, apperrors.ErrUnformattable) {
				t.Fatalf("expected ErrUnformattable, got %v", err)
			}
			if out != nil {
				t.Errorf("expected no output, got %s", out)
			}
			if apperrors.Reason(err) != apperrors.ReasonFormat {
				t.Errorf("expected reason %s, got %s", apperrors.ReasonFormat, apperrors.Reason(err))
			}
		})
	}
}

func TestFormatArgumentsContainingFormatMarkers(t *testing.T) {
	tests := []struct {
		name     string
		template string
		args     []interface{}
		want     string
	}{
		{name: "string", template: "disk usage %s", args: []interface{}{"100%!"}, want: "disk usage 100%!"},
		{name: "quoted", template: "user input %q", args: []interface{}{"%!bad"}, want: `user input "%!bad"`},
		{name: "error", template: "failed: %v", args: []interface{}{errors.New("%!d(MISSING)")}, want: "failed: %!d(MISSING)"},
		{name: "pointer", template: "got %v", args: []interface{}{&validationError{field: "%!x"}}, want: "got invalid %!x"},
		{name: "slice", template: "tags %v", args: []interface{}{[]string{"a", "%!(EXTRA)"}}, want: "tags [a %!(EXTRA)]"},
	}

	f := testFormatter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := f.Format(Event{
				Level:   LevelInfo,
				Logger:  "root",
				Message: tt.template,
				Args:    tt.args,
			})
			if err != nil {
				t.Fatalf("Format returned error: %v", err)
			}
			if got := decodeRecord(t, out)["msg"]; got != tt.want {
				t.Errorf("expected msg %q, got %v", tt.want, got)
			}
		})
	}
}

func TestFormatSelfReferencingExtras(t *testing.T) {
	loop := make([]interface{}, 1)
	loop[0] = loop
	self := map[string]interface{}{"name": "node"}
	self["self"] = self

	out, err := testFormatter().Format(Event{
		Level:   LevelInfo,
		Logger:  "root",
		Message: "cycle",
		Extra: []Field{
			{Key: "loop", Value: loop},
			{Key: "tree", Value: self},
		},
	})
	if err != nil {
		t.Fatalf("Format returned error: %v", err)
	}

	rec := decodeRecord(t, out)
	node := rec["tree"]
	for depth := 0; depth <= maxValueDepth; depth++ {
		m, ok := node.(map[string]interface{})
		if !ok {
			t.Fatalf("expected object at depth %d, got %T", depth, node)
		}
		if m["name"] != "node" {
			t.Fatalf("unexpected name at depth %d: %v", depth, m["name"])
		}
		node = m["self"]
	}
	if s, ok := node.(string); !ok || !strings.Contains(s, "nested too deep") {
		t.Errorf("expected the cycle to be cut with a string, got %v", node)
	}
	if _, ok := rec["loop"].([]interface{}); !ok {
		t.Errorf("expected loop to stay an array, got %T", rec["loop"])
	}
}

func TestIsReserved(t *testing.T) {
	for key := range ReservedFields {
		if !IsReserved(key) {
			t.Errorf("expected %s to be reserved", key)
		}
	}
	if !IsReserved("_internal") {
		t.Error("expected underscore keys to be reserved")
	}
	if IsReserved("user_id") {
		t.Error("expected user_id to be allowed")
	}
}

func TestCaptureFailureNil(t *testing.T) {
	if CaptureFailure(nil) != nil {
		t.Error("expected nil failure for nil error")
	}
}

func TestCaptureFailurePlainError(t *testing.T) {
	failure := CaptureFailure(fmt.Errorf("outer: %w", errors.New("inner")))
	if failure.Type != "wrapError" {
		t.Errorf("expected wrapper type name for plain chain, got %q", failure.Type)
	}
	if !strings.Contains(failure.Stack, "caused by: inner") {
		t.Errorf("expected cause in stack, got %q", failure.Stack)
	}
}
