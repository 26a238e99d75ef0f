// Package options is the client's named configuration surface. Every
// write is checked against the option's declared type; a mismatch never
// errors, it warns and reverts the option to its default.
package options

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/observability"
	"github.com/rs/zerolog"
)

// Warning reports a rejected value.
type Warning struct {
	Option string
	Value  any
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("option %s: %s (value=%v)", w.Option, w.Reason, w.Value)
}

// Observer sees the stored value after a change.
type Observer func(name string, value any)

type Options struct {
	mu        sync.RWMutex
	defs      map[string]Def
	values    map[string]any
	observers map[string][]Observer
	any       []Observer
	onWarning []func(Warning)
	log       zerolog.Logger
}

// New returns the option table at its defaults. onWarning may be nil.
func New(onWarning func(Warning)) *Options {
	o := &Options{
		defs:      make(map[string]Def),
		values:    make(map[string]any),
		observers: make(map[string][]Observer),
		log:       logging.For("options"),
	}
	if onWarning != nil {
		o.onWarning = append(o.onWarning, onWarning)
	}
	for _, d := range table() {
		o.defs[d.Name] = d
		o.values[d.Name] = cloneValue(d.Default)
	}
	return o
}

// Defs lists every declared option sorted by name.
func (o *Options) Defs() []Def {
	out := make([]Def, 0, len(o.defs))
	for _, d := range o.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// OnChange registers fn for name; an empty name observes every option.
// Observers run on the goroutine that called Set.
func (o *Options) OnChange(name string, fn Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if name == "" {
		o.any = append(o.any, fn)
		return
	}
	o.observers[name] = append(o.observers[name], fn)
}

// Set validates and stores value. Numeric strings coerce for number
// options. Anything else that does not fit warns and restores the
// default. Unknown names warn and are ignored.
func (o *Options) Set(name string, value any) {
	def, ok := o.defs[name]
	if !ok {
		o.warn(Warning{Option: name, Value: value, Reason: "unknown option"})
		return
	}
	stored, reason := coerce(def, value)
	if reason != "" {
		o.warn(Warning{Option: name, Value: value, Reason: reason})
		stored = cloneValue(def.Default)
	}
	if name == HTTPProxy {
		stored = normalizeProxy(stored)
	}

	o.mu.Lock()
	prev := o.values[name]
	changed := !reflect.DeepEqual(prev, stored)
	o.values[name] = stored
	observers := append(append([]Observer(nil), o.observers[name]...), o.any...)
	o.mu.Unlock()

	if !changed {
		return
	}
	o.log.Debug().Msgf("options.Options.Set name=%s value=%v", name, stored)
	for _, fn := range observers {
		fn(name, cloneValue(stored))
	}
}

// Apply sets every entry in name order.
func (o *Options) Apply(values map[string]any) {
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		o.Set(k, values[k])
	}
}

// Reset restores name to its default.
func (o *Options) Reset(name string) {
	if def, ok := o.defs[name]; ok {
		o.Set(name, cloneValue(def.Default))
	}
}

func (o *Options) Get(name string) any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return cloneValue(o.values[name])
}

func (o *Options) Snapshot() map[string]any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]any, len(o.values))
	for k, v := range o.values {
		out[k] = cloneValue(v)
	}
	return out
}

func (o *Options) IsNull(name string) bool { return o.Get(name) == nil }

func (o *Options) String(name string) string {
	s, _ := o.Get(name).(string)
	return s
}

func (o *Options) Number(name string) float64 {
	f, _ := o.Get(name).(float64)
	return f
}

func (o *Options) Int(name string) int { return int(o.Number(name)) }

func (o *Options) Bool(name string) bool {
	b, _ := o.Get(name).(bool)
	return b
}

func (o *Options) Strings(name string) []string {
	s, _ := o.Get(name).([]string)
	return s
}

// Millis reads a number option holding milliseconds.
func (o *Options) Millis(name string) time.Duration {
	return time.Duration(o.Number(name) * float64(time.Millisecond))
}

// OnWarning adds a listener for rejected values.
func (o *Options) OnWarning(fn func(Warning)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onWarning = append(o.onWarning, fn)
}

func (o *Options) warn(w Warning) {
	o.log.Warn().Msgf("options.Options.Set rejected option=%s reason=%q value=%v", w.Option, w.Reason, w.Value)
	observability.RecordOptionWarning(w.Option)
	o.mu.RLock()
	listeners := append(([]func(Warning))(nil), o.onWarning...)
	o.mu.RUnlock()
	for _, fn := range listeners {
		fn(w)
	}
}

// coerce returns the value to store, or a reason it does not fit def.
func coerce(def Def, value any) (any, string) {
	if value == nil {
		if def.Nullable {
			return nil, ""
		}
		return nil, "null not allowed"
	}
	switch def.Kind {
	case KindString:
		if s, ok := value.(string); ok {
			return s, ""
		}
	case KindBool:
		if b, ok := value.(bool); ok {
			return b, ""
		}
	case KindNumber:
		if f, ok := toNumber(value); ok {
			if def.Check != nil {
				if reason := def.Check(f); reason != "" {
					return nil, reason
				}
			}
			return f, ""
		}
	case KindArray:
		if s, ok := toStrings(value); ok {
			return s, ""
		}
	}
	return nil, fmt.Sprintf("expected %s, got %T", def.Kind, value)
}

// decimal accepts plain decimal and exponent notation only.
var decimal = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

func toNumber(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case string:
		s := strings.TrimSpace(n)
		if !decimal.MatchString(s) {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toStrings(v any) ([]string, bool) {
	switch a := v.(type) {
	case []string:
		return append([]string{}, a...), true
	case []any:
		out := make([]string, 0, len(a))
		for _, e := range a {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

func normalizeProxy(v any) any {
	s, ok := v.(string)
	if !ok || s == "" {
		return v
	}
	if !strings.Contains(s, "://") {
		return "http://" + s
	}
	return s
}

func cloneValue(v any) any {
	if s, ok := v.([]string); ok {
		return append([]string{}, s...)
	}
	return v
}
