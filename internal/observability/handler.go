package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	// LoggerKey set through Logger.With names the logger instead of becoming an extra
	LoggerKey = "logger"

	// ExceptionKey carries an error whose type and stack are attached to the record
	ExceptionKey = "exc_info"

	// ArgsKey carries format arguments substituted into the message
	ArgsKey = "args"

	// DefaultLoggerName is used until a name is set with Named
	DefaultLoggerName = "root"
)

// SlogLevelCritical is the slog level above error
const SlogLevelCritical = slog.LevelError + 4

// Handler is a slog.Handler writing one Formatter record per line
type Handler struct {
	formatter *Formatter
	level     slog.Leveler
	name      string
	attrs     []groupedAttr
	groups    []string
	mu        *sync.Mutex
	w         io.Writer
}

type groupedAttr struct {
	groups []string
	attr   slog.Attr
}

// NewHandler creates a handler writing to w
func NewHandler(w io.Writer, formatter *Formatter, level slog.Leveler) *Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{
		formatter: formatter,
		level:     level,
		name:      DefaultLoggerName,
		mu:        &sync.Mutex{},
		w:         w,
	}
}

// Enabled implements slog.Handler
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler. Formatting errors are returned and nothing
// is written for that record.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	event := Event{
		Time:    r.Time,
		Level:   levelFromSlog(r.Level),
		Logger:  h.name,
		Message: r.Message,
	}

	fields := newFieldSet()
	for _, ga := range h.attrs {
		h.addAttr(&event, fields, ga.groups, ga.attr)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.addAttr(&event, fields, h.groups, a)
		return true
	})
	event.Extra = fields.fields

	line, err := h.formatter.Format(event)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write log record: %w", err)
	}
	return nil
}

// WithAttrs implements slog.Handler
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	h2 := h.clone()
	for _, a := range attrs {
		if len(h.groups) == 0 && a.Key == LoggerKey {
			h2.name = a.Value.Resolve().String()
			continue
		}
		h2.attrs = append(h2.attrs, groupedAttr{groups: h.groups, attr: a})
	}
	return h2
}

// WithGroup implements slog.Handler
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := h.clone()
	h2.groups = append(append([]string(nil), h.groups...), name)
	return h2
}

func (h *Handler) clone() *Handler {
	h2 := *h
	h2.attrs = append([]groupedAttr(nil), h.attrs...)
	return &h2
}

// addAttr merges a into the event, nesting it under groups
func (h *Handler) addAttr(event *Event, fields *fieldSet, groups []string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	if a.Value.Kind() == slog.KindGroup {
		inner := groups
		if a.Key != "" {
			inner = append(append([]string(nil), groups...), a.Key)
		}
		for _, ga := range a.Value.Group() {
			h.addAttr(event, fields, inner, ga)
		}
		return
	}

	if len(groups) == 0 {
		switch a.Key {
		case ExceptionKey:
			if err, ok := a.Value.Any().(error); ok {
				event.Failure = CaptureFailure(err)
				return
			}
		case ArgsKey:
			if args, ok := a.Value.Any().([]interface{}); ok {
				event.Args = args
				return
			}
		}
		fields.add(a.Key, slogValue(a.Value))
		return
	}

	fields.addNested(groups, a.Key, slogValue(a.Value))
}

func slogValue(v slog.Value) interface{} {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	default:
		return v.Any()
	}
}

func levelFromSlog(level slog.Level) Level {
	switch {
	case level < slog.LevelInfo:
		return LevelDebug
	case level < slog.LevelWarn:
		return LevelInfo
	case level < slog.LevelError:
		return LevelWarning
	case level < SlogLevelCritical:
		return LevelError
	default:
		return LevelCritical
	}
}

// fieldSet collects extras in order. The first value for a key wins, as in
// the formatter. Group objects are copied before their first write, so maps
// supplied by callers are never modified.
type fieldSet struct {
	fields []Field
	index  map[string]int
	owned  map[string]struct{}
}

func newFieldSet() *fieldSet {
	return &fieldSet{
		index: make(map[string]int),
		owned: make(map[string]struct{}),
	}
}

func (s *fieldSet) add(key string, value interface{}) {
	if _, ok := s.index[key]; ok {
		return
	}
	s.index[key] = len(s.fields)
	s.fields = append(s.fields, Field{Key: key, Value: value})
}

func (s *fieldSet) addNested(groups []string, key string, value interface{}) {
	path := groups[0]
	i, ok := s.index[path]
	if !ok {
		s.add(path, map[string]interface{}{})
		i = s.index[path]
		s.owned[path] = struct{}{}
	}
	node, ok := s.fields[i].Value.(map[string]interface{})
	if !ok {
		return
	}
	if _, mine := s.owned[path]; !mine {
		node = copyMap(node)
		s.fields[i].Value = node
		s.owned[path] = struct{}{}
	}

	for _, g := range groups[1:] {
		path += "\x00" + g
		existing, exists := node[g]
		child, isMap := existing.(map[string]interface{})
		switch {
		case !exists:
			child = map[string]interface{}{}
		case !isMap:
			return
		default:
			if _, mine := s.owned[path]; !mine {
				child = copyMap(child)
			}
		}
		node[g] = child
		s.owned[path] = struct{}{}
		node = child
	}
	if _, exists := node[key]; !exists {
		node[key] = value
	}
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
