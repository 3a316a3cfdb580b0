package observability

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/daimoniac/servicekit/internal/config"
	"github.com/daimoniac/servicekit/internal/errors"
)

// TimestampFormat is the layout of the "ts" key: UTC with microseconds and a Z suffix
const TimestampFormat = "2006-01-02T15:04:05.000000Z"

// Keys of the output record
const (
	KeyTimestamp     = "ts"
	KeyLevel         = "level"
	KeyService       = "service"
	KeyLogger        = "logger"
	KeyInstance      = "instance"
	KeyEnv           = "env"
	KeyMessage       = "msg"
	KeyError         = "error"
	KeyStack         = "stack"
	KeyExceptionType = "exception_type"
)

// privatePrefix marks extra keys that are never emitted
const privatePrefix = "_"

// ReservedFields are logger bookkeeping names that are dropped from extras
// even when the record does not already contain them
var ReservedFields = map[string]struct{}{
	"args":            {},
	"msg":             {},
	"name":            {},
	"levelno":         {},
	"levelname":       {},
	"created":         {},
	"msecs":           {},
	"relativeCreated": {},
	"pathname":        {},
	"filename":        {},
	"module":          {},
	"exc_info":        {},
	"exc_text":        {},
	"stack_info":      {},
	"lineno":          {},
	"funcName":        {},
	"thread":          {},
	"threadName":      {},
	"processName":     {},
	"process":         {},
	"source":          {},
}

// IsReserved reports whether key is dropped when merging extras
func IsReserved(key string) bool {
	if strings.HasPrefix(key, privatePrefix) {
		return true
	}
	_, ok := ReservedFields[key]
	return ok
}

// Formatter renders events as single-line JSON records. It holds no mutable
// state and is safe for concurrent use.
type Formatter struct {
	service  string
	instance string
	env      string
	now      func() time.Time
}

// FormatterOption configures a Formatter
type FormatterOption func(*Formatter)

// WithClock overrides the clock used for events without a timestamp
func WithClock(now func() time.Time) FormatterOption {
	return func(f *Formatter) {
		f.now = now
	}
}

// NewFormatter creates a formatter bound to the configuration snapshot
func NewFormatter(cfg *config.Config, opts ...FormatterOption) *Formatter {
	f := &Formatter{
		service:  cfg.ServiceName,
		instance: cfg.Instance,
		env:      cfg.Env,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Format renders one event. It returns an error wrapping
// errors.ErrUnformattable when the message cannot be rendered.
func (f *Formatter) Format(event Event) ([]byte, error) {
	msg, err := renderMessage(event.Message, event.Args)
	if err != nil {
		return nil, err
	}

	ts := event.Time
	if ts.IsZero() {
		ts = f.now()
	}

	rec := newRecord(len(event.Extra) + 10)
	rec.set(KeyTimestamp, ts.UTC().Format(TimestampFormat))
	rec.set(KeyLevel, event.Level.String())
	rec.set(KeyService, f.service)
	rec.set(KeyLogger, event.Logger)
	rec.set(KeyInstance, f.instance)
	rec.set(KeyEnv, f.env)
	rec.set(KeyMessage, msg)

	for _, field := range event.Extra {
		if IsReserved(field.Key) || rec.has(field.Key) {
			continue
		}
		rec.set(field.Key, normalizeValue(field.Value))
	}

	if event.Level >= LevelError && !rec.has(KeyError) {
		rec.set(KeyError, msg)
	}

	if event.Failure != nil {
		rec.set(KeyStack, event.Failure.Stack)
		if event.Failure.Type != "" {
			rec.set(KeyExceptionType, event.Failure.Type)
		}
	}

	return rec.marshal()
}

// badFormatMarker prefixes fmt's inline reports of bad verbs, missing or
// extra arguments and panicking methods
const badFormatMarker = "%!"

// renderMessage substitutes args into the message template. Formatting
// problems are surfaced as errors instead of being written out. Argument
// content may itself contain the marker, so a problem is only reported when
// the template also fails against zero values of the same argument types.
func renderMessage(template string, args []interface{}) (msg string, err error) {
	if len(args) == 0 {
		return template, nil
	}

	defer func() {
		if r := recover(); r != nil {
			msg = ""
			err = fmt.Errorf("%w: %q: %v", errors.ErrUnformattable, template, r)
		}
	}()

	msg = fmt.Sprintf(template, args...)
	if !strings.Contains(msg, badFormatMarker) {
		return msg, nil
	}
	if shape := fmt.Sprintf(template, placeholders(args)...); strings.Contains(shape, badFormatMarker) {
		return "", fmt.Errorf("%w: %q rendered as %q", errors.ErrUnformattable, template, shape)
	}
	return msg, nil
}

// placeholders returns zero values with the types of args. Nil arguments and
// nil pointers are kept as they are; other pointers point at a zero value.
func placeholders(args []interface{}) []interface{} {
	out := make([]interface{}, len(args))
	for i, arg := range args {
		t := reflect.TypeOf(arg)
		switch {
		case t == nil:
			out[i] = nil
		case t.Kind() == reflect.Ptr:
			if reflect.ValueOf(arg).IsNil() {
				out[i] = arg
				continue
			}
			out[i] = reflect.New(t.Elem()).Interface()
		default:
			out[i] = reflect.Zero(t).Interface()
		}
	}
	return out
}

// record is an insertion-ordered JSON object
type record struct {
	keys   []string
	values map[string]interface{}
}

func newRecord(size int) *record {
	return &record{
		keys:   make([]string, 0, size),
		values: make(map[string]interface{}, size),
	}
}

func (r *record) has(key string) bool {
	_, ok := r.values[key]
	return ok
}

func (r *record) set(key string, value interface{}) {
	if !r.has(key) {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
}

func (r *record) marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	encode := func(v interface{}) ([]byte, error) {
		buf.Reset()
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
		return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
	}

	out := make([]byte, 0, 256)
	out = append(out, '{')
	for i, key := range r.keys {
		if i > 0 {
			out = append(out, ',')
		}
		k, err := encode(key)
		if err != nil {
			return nil, fmt.Errorf("encode key %q: %w", key, err)
		}
		out = append(out, k...)
		out = append(out, ':')

		v, err := encode(r.values[key])
		if err != nil {
			return nil, fmt.Errorf("encode value of %q: %w", key, err)
		}
		out = append(out, v...)
	}
	out = append(out, '}')
	return out, nil
}
