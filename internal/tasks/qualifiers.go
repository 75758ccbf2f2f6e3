package tasks

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fullctl/fullctl-sub000/internal/domain"
	"github.com/fullctl/fullctl-sub000/internal/queue"
)

// Settings is the process-wide configuration consulted by qualifiers.
type Settings map[string]any

func (s Settings) Lookup(name string) (any, bool) {
	v, ok := s[name]
	return v, ok
}

// Env is what a qualifier may inspect besides the task itself.
type Env struct {
	Settings Settings
	Repo     queue.Repository
}

// Qualifier decides whether the calling worker may run a task.
type Qualifier interface {
	Qualifies(ctx context.Context, env Env, t domain.Task) (bool, error)
	// RecheckTime is how long a worker waits before testing a rejected
	// task again. Zero means every fetch.
	RecheckTime() time.Duration
	String() string
}

type settingQualifier struct {
	name  string
	want  any
	match reflect.Value // func(T) bool, invalid when comparing to want
	err   error
}

// Setting qualifies when the named setting exists and equals want. When want
// is a func(T) bool it is called with the setting value instead, and a value
// that cannot be passed as T does not qualify. Other function shapes are
// rejected when the op is registered.
func Setting(name string, want any) Qualifier {
	q := &settingQualifier{name: name, want: want}
	fn := reflect.ValueOf(want)
	if fn.Kind() != reflect.Func {
		return q
	}
	ft := fn.Type()
	switch {
	case fn.IsNil():
		q.err = fmt.Errorf("%w: Setting(%s): nil predicate", ErrInvalidQualifier, name)
	case ft.NumIn() != 1 || ft.IsVariadic() || ft.NumOut() != 1 || ft.Out(0).Kind() != reflect.Bool:
		q.err = fmt.Errorf("%w: Setting(%s): predicate must be func(T) bool, got %s", ErrInvalidQualifier, name, ft)
	default:
		q.match = fn
	}
	return q
}

type validator interface {
	validate() error
}

func validateQualifier(q Qualifier) error {
	if q == nil {
		return fmt.Errorf("%w: nil", ErrInvalidQualifier)
	}
	if v, ok := q.(validator); ok {
		return v.validate()
	}
	return nil
}

// WithRecheck returns a copy of q that is re-tested no sooner than d after
// rejecting a task.
func WithRecheck(q Qualifier, d time.Duration) Qualifier {
	return recheckQualifier{Qualifier: q, d: d}
}

type recheckQualifier struct {
	Qualifier
	d time.Duration
}

func (q recheckQualifier) RecheckTime() time.Duration { return q.d }

func (q recheckQualifier) validate() error { return validateQualifier(q.Qualifier) }

func (q *settingQualifier) validate() error { return q.err }

func (q *settingQualifier) Qualifies(_ context.Context, env Env, _ domain.Task) (bool, error) {
	if q.err != nil {
		return false, q.err
	}
	v, ok := env.Settings.Lookup(q.name)
	if !ok {
		return false, nil
	}
	if !q.match.IsValid() {
		return settingEqual(v, q.want), nil
	}
	arg, ok := predicateArg(q.match.Type().In(0), v)
	if !ok {
		log.Warn().Str("setting", q.name).Str("want", q.match.Type().In(0).String()).Msgf("setting value %v has the wrong type", v)
		return false, nil
	}
	return q.match.Call([]reflect.Value{arg})[0].Bool(), nil
}

func (q *settingQualifier) RecheckTime() time.Duration { return 0 }

func (q *settingQualifier) String() string {
	if reflect.ValueOf(q.want).Kind() == reflect.Func {
		return fmt.Sprintf("Setting(%s, <func>)", q.name)
	}
	return fmt.Sprintf("Setting(%s, %v)", q.name, q.want)
}

// predicateArg converts a setting value to the predicate's parameter type.
// Numbers convert between kinds when no precision is lost.
func predicateArg(t reflect.Type, v any) (reflect.Value, bool) {
	if v == nil {
		switch t.Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
			return reflect.Zero(t), true
		}
		return reflect.Value{}, false
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		return rv, true
	}
	f, num := toFloat(v)
	if !num || !rv.CanConvert(t) {
		return reflect.Value{}, false
	}
	conv := rv.Convert(t)
	if back, ok := toFloat(conv.Interface()); !ok || back != f {
		return reflect.Value{}, false
	}
	return conv, true
}

type settingUnsetQualifier struct{ name string }

// SettingUnset qualifies when the named setting is absent.
func SettingUnset(name string) Qualifier { return settingUnsetQualifier{name: name} }

func (q settingUnsetQualifier) Qualifies(_ context.Context, env Env, _ domain.Task) (bool, error) {
	_, ok := env.Settings.Lookup(q.name)
	return !ok, nil
}

func (q settingUnsetQualifier) RecheckTime() time.Duration { return 0 }

func (q settingUnsetQualifier) String() string { return fmt.Sprintf("SettingUnset(%s)", q.name) }

type concurrencyLimitQualifier struct{ limit int }

// ConcurrencyLimit qualifies while fewer than limit tasks of the same op are
// claimed and not yet terminal.
func ConcurrencyLimit(limit int) Qualifier { return concurrencyLimitQualifier{limit: limit} }

func (q concurrencyLimitQualifier) Qualifies(ctx context.Context, env Env, t domain.Task) (bool, error) {
	n, err := env.Repo.CountClaimedActive(ctx, t.Op)
	if err != nil {
		return false, fmt.Errorf("count claimed %s: %w", t.Op, err)
	}
	return n < q.limit, nil
}

func (q concurrencyLimitQualifier) RecheckTime() time.Duration { return 0 }

func (q concurrencyLimitQualifier) String() string {
	return fmt.Sprintf("ConcurrencyLimit(%d)", q.limit)
}

// settingEqual compares numbers by value so a setting parsed as int matches
// a float64 literal and the other way round.
func settingEqual(a, b any) bool {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum && bNum {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}
