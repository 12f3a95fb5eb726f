// Package sandbox evaluates tenant-supplied JavaScript in a bounded
// interpreter.
//
// Scripts run in a fresh VM per evaluation with no host access beyond the
// values the gateway injects. A wall-clock interrupt bounds execution (the
// VM is single-threaded, so the wall cap bounds CPU as well) and payload
// sizes are capped on the way in and out.
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/sluicehq/sluice/gateway/transform"
)

type (
	// ErrorKind distinguishes sandbox failure modes for classification.
	ErrorKind string

	// Error is a classified sandbox failure.
	Error struct {
		Kind    ErrorKind
		Message string
	}

	// Sandbox runs transform and scheduling scripts.
	Sandbox struct {
		maxWall   time.Duration
		maxInput  int
		maxOutput int

		mu       sync.Mutex
		programs map[[32]byte]*goja.Program
	}

	// Option configures a Sandbox.
	Option func(*Sandbox)
)

const (
	// ErrorCompile reports a script that does not parse.
	ErrorCompile ErrorKind = "compile"
	// ErrorRuntime reports a script that threw.
	ErrorRuntime ErrorKind = "runtime"
	// ErrorLimit reports a script stopped by the execution cap.
	ErrorLimit ErrorKind = "limit"
	// ErrorInput reports a payload over the input size cap.
	ErrorInput ErrorKind = "input"
	// ErrorOutput reports a result over the output size cap.
	ErrorOutput ErrorKind = "output"
	// ErrorResult reports a script result the caller cannot use.
	ErrorResult ErrorKind = "result"
)

const (
	defaultMaxWall    = 5 * time.Second
	defaultMaxInput   = 100 * 1024
	defaultMaxOutput  = 1024 * 1024
	maxCachedPrograms = 256
)

func (e *Error) Error() string {
	return fmt.Sprintf("script %s error: %s", e.Kind, e.Message)
}

// IsLimit reports whether err is a sandbox cap violation.
func IsLimit(err error) bool {
	var serr *Error
	return errors.As(err, &serr) && (serr.Kind == ErrorLimit || serr.Kind == ErrorInput || serr.Kind == ErrorOutput)
}

// WithMaxWall overrides the execution time cap.
func WithMaxWall(d time.Duration) Option {
	return func(s *Sandbox) {
		if d > 0 {
			s.maxWall = d
		}
	}
}

// WithMaxInput overrides the input size cap in bytes.
func WithMaxInput(n int) Option {
	return func(s *Sandbox) {
		if n > 0 {
			s.maxInput = n
		}
	}
}

// WithMaxOutput overrides the output size cap in bytes.
func WithMaxOutput(n int) Option {
	return func(s *Sandbox) {
		if n > 0 {
			s.maxOutput = n
		}
	}
}

// New returns a sandbox with the default caps.
func New(opts ...Option) *Sandbox {
	s := &Sandbox{
		maxWall:   defaultMaxWall,
		maxInput:  defaultMaxInput,
		maxOutput: defaultMaxOutput,
		programs:  make(map[[32]byte]*goja.Program),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunTransform executes a transform script body. The script sees `payload`
// (the event payload) and `context` (tenant metadata plus the lookup helper)
// and returns the shaped payload. Implements transform.ScriptRunner.
func (s *Sandbox) RunTransform(ctx context.Context, script string, payload any, meta transform.Meta) (any, error) {
	if err := s.checkInput(payload); err != nil {
		return nil, err
	}

	scriptCtx := map[string]any{
		"tenant":        meta.Tenant,
		"orgUnit":       meta.OrgUnit,
		"eventId":       meta.EventID,
		"eventType":     meta.EventType,
		"ruleId":        meta.RuleID,
		"correlationId": meta.CorrelationID,
	}
	if meta.Lookup != nil {
		scriptCtx["lookup"] = func(typ, code string) (any, error) {
			mapped, ok, err := meta.Lookup(typ, code)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, nil
			}
			return mapped, nil
		}
	}

	result, err := s.run(ctx, "transform", script, map[string]any{
		"payload": payload,
		"context": scriptCtx,
	})
	if err != nil {
		return nil, err
	}
	if err := s.checkOutput(result); err != nil {
		return nil, err
	}
	return result, nil
}

// wrappers turn a script body into an invocable expression. The body sees
// its inputs as named parameters and produces its value with `return`.
var wrappers = map[string]string{
	"transform": "(function(payload, context) {\n%s\n})(payload, context)",
	"schedule":  "(function(event, context) {\n%s\n})(event, context)",
}

func (s *Sandbox) run(ctx context.Context, kind, script string, globals map[string]any) (any, error) {
	prog, err := s.compile(kind, script)
	if err != nil {
		return nil, err
	}

	vm := goja.New()
	for name, val := range globals {
		if err := vm.Set(name, val); err != nil {
			return nil, &Error{Kind: ErrorRuntime, Message: err.Error()}
		}
	}

	wall := s.maxWall
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < wall {
			wall = until
		}
	}
	timer := time.AfterFunc(wall, func() {
		vm.Interrupt("execution cap exceeded")
	})
	defer timer.Stop()
	defer vm.ClearInterrupt()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("canceled")
		case <-done:
		}
	}()

	value, err := vm.RunProgram(prog)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, &Error{Kind: ErrorLimit, Message: fmt.Sprint(interrupted.Value())}
		}
		var exception *goja.Exception
		if errors.As(err, &exception) {
			return nil, &Error{Kind: ErrorRuntime, Message: exception.Error()}
		}
		return nil, &Error{Kind: ErrorRuntime, Message: err.Error()}
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return value.Export(), nil
}

func (s *Sandbox) compile(kind, script string) (*goja.Program, error) {
	src := fmt.Sprintf(wrappers[kind], script)
	key := sha256.Sum256([]byte(src))

	s.mu.Lock()
	prog, ok := s.programs[key]
	s.mu.Unlock()
	if ok {
		return prog, nil
	}

	prog, err := goja.Compile(kind+".js", src, false)
	if err != nil {
		return nil, &Error{Kind: ErrorCompile, Message: err.Error()}
	}

	s.mu.Lock()
	if len(s.programs) >= maxCachedPrograms {
		for k := range s.programs {
			delete(s.programs, k)
			break
		}
	}
	s.programs[key] = prog
	s.mu.Unlock()
	return prog, nil
}

func (s *Sandbox) checkInput(payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return &Error{Kind: ErrorInput, Message: fmt.Sprintf("payload is not JSON-encodable: %s", err)}
	}
	if len(raw) > s.maxInput {
		return &Error{Kind: ErrorInput, Message: fmt.Sprintf("payload size %d exceeds cap %d", len(raw), s.maxInput)}
	}
	return nil
}

func (s *Sandbox) checkOutput(result any) error {
	if result == nil {
		return nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return &Error{Kind: ErrorResult, Message: fmt.Sprintf("script result is not JSON-encodable: %s", err)}
	}
	if len(raw) > s.maxOutput {
		return &Error{Kind: ErrorOutput, Message: fmt.Sprintf("result size %d exceeds cap %d", len(raw), s.maxOutput)}
	}
	return nil
}
