package observability

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"runtime/debug"
	"strconv"
	"strings"
	"time"
)

// Level is the severity of a log event
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelCritical
)

// String returns the lower-case level name used in the "level" key
func (l Level) String() string {
	switch {
	case l <= LevelDebug:
		return "debug"
	case l == LevelInfo:
		return "info"
	case l == LevelWarning:
		return "warning"
	case l == LevelError:
		return "error"
	default:
		return "critical"
	}
}

// Field is one key/value pair of an event's extra data
type Field struct {
	Key   string
	Value interface{}
}

// Failure is a captured error attached to an event
type Failure struct {
	// Type is the error's type name; empty when it cannot be resolved
	Type string
	// Stack is the formatted error chain followed by the capturing goroutine's stack
	Stack string
}

// Event is a single log emission before formatting
type Event struct {
	Time    time.Time
	Level   Level
	Logger  string
	Message string
	// Args are substituted into Message with fmt verbs when non-empty
	Args    []interface{}
	Extra   []Field
	Failure *Failure
}

// stackTracer is implemented by errors that carry their own stack
type stackTracer interface {
	StackTrace() string
}

// CaptureFailure records err's type name and a stack trace. It returns nil
// for a nil error.
func CaptureFailure(err error) *Failure {
	if err == nil {
		return nil
	}

	var b strings.Builder
	typeName := failureTypeName(err)
	if typeName != "" {
		b.WriteString(typeName)
		b.WriteString(": ")
	}
	b.WriteString(err.Error())
	b.WriteString("\n")

	for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
		fmt.Fprintf(&b, "caused by: %v\n", cause)
	}

	var tracer stackTracer
	if errors.As(err, &tracer) {
		b.WriteString("\n")
		b.WriteString(tracer.StackTrace())
	} else {
		b.WriteString("\n")
		b.Write(debug.Stack())
	}

	return &Failure{
		Type:  typeName,
		Stack: strings.TrimRight(b.String(), "\n"),
	}
}

// failureTypeName returns the name of the first error in the chain that is
// not a plain wrapper from the fmt or errors packages
func failureTypeName(err error) string {
	outer := typeName(err)
	for current := err; current != nil; current = errors.Unwrap(current) {
		t := derefType(reflect.TypeOf(current))
		if t == nil {
			break
		}
		if pkg := t.PkgPath(); pkg != "fmt" && pkg != "errors" {
			return t.Name()
		}
	}
	return outer
}

func typeName(v interface{}) string {
	t := derefType(reflect.TypeOf(v))
	if t == nil {
		return ""
	}
	return t.Name()
}

func derefType(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

// maxValueDepth bounds how deep extras are normalized. Self-referencing
// values end there instead of recursing forever.
const maxValueDepth = 32

// normalizeValue converts v into the closed set of JSON-representable values:
// string, number, bool, nil, []interface{} and map[string]interface{}.
// Everything else is stringified.
func normalizeValue(v interface{}) interface{} {
	return normalizeAt(v, 0)
}

func normalizeAt(v interface{}, depth int) interface{} {
	if depth > maxValueDepth && isContainer(v) {
		return fmt.Sprintf("<%T nested too deep>", v)
	}

	switch val := v.(type) {
	case nil:
		return nil
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return val
	case float64:
		return normalizeFloat(val)
	case float32:
		return normalizeFloat(float64(val))
	case error:
		return val.Error()
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return val.String()
	case []byte:
		return string(val)
	case fmt.Stringer:
		return fmt.Sprint(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeAt(item, depth+1)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = normalizeAt(item, depth+1)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = normalizeAt(rv.Index(i).Interface(), depth+1)
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return fmt.Sprint(v)
		}
		if rv.IsNil() {
			return nil
		}
		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = normalizeAt(iter.Value().Interface(), depth+1)
		}
		return out
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return normalizeAt(rv.Elem().Interface(), depth+1)
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return normalizeFloat(rv.Float())
	}

	return fmt.Sprintf("%+v", v)
}

func isContainer(v interface{}) bool {
	if v == nil {
		return false
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.Ptr:
		return true
	}
	return false
}

// JSON has no representation for NaN and infinities
func normalizeFloat(f float64) interface{} {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return f
}
