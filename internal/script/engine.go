// Package script embeds the Starlark interpreter that hosts per-chip
// models. The main script publishes a global `backend` object whose
// `i2c`, `gpio`, and `platform` attributes carry the model callables;
// host callbacks let models reach back into guest memory and the GPIO
// interrupt machinery.
package script

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Host is the backend surface exposed to scripts.
type Host interface {
	TriggerGPIOIRQ(pin uint16) error
	DMARead(gpa uint64, length int) ([]byte, error)
	DMAWrite(gpa uint64, data []byte) error
}

// Engine is the loaded interpreter plus the resolved model callables.
// It runs on the event-loop goroutine only; script calls re-enter the
// backend cooperatively through Host.
type Engine struct {
	thread  *starlark.Thread
	globals starlark.StringDict
	host    Host

	i2cRead        starlark.Callable
	i2cWrite       starlark.Callable
	gpioSetIRQType starlark.Callable
	gpioSetValue   starlark.Callable
	gpioUnmask     starlark.Callable
	platRead       starlark.Callable
	platWrite      starlark.Callable
	processControl starlark.Callable
}

// Load executes the main script and resolves the required callables.
// Any failure here is fatal for the backend: a broken model script is
// a bug the test run cannot proceed past.
func Load(path string, host Host) (*Engine, error) {
	e := &Engine{host: host}
	e.thread = &starlark.Thread{
		Name: "roadtest",
		Print: func(_ *starlark.Thread, msg string) {
			slog.Info("script: print", "msg", msg)
		},
	}

	globals, err := e.execFile(path)
	if err != nil {
		return nil, fmt.Errorf("script: exec %s: %w", path, scriptError(err))
	}
	e.globals = globals

	backend, ok := globals["backend"]
	if !ok {
		return nil, fmt.Errorf("script: %s does not define a global `backend`", path)
	}

	surfaces := []struct {
		object string
		method string
		dst    *starlark.Callable
	}{
		{"i2c", "read", &e.i2cRead},
		{"i2c", "write", &e.i2cWrite},
		{"gpio", "set_irq_type", &e.gpioSetIRQType},
		{"gpio", "set_value", &e.gpioSetValue},
		{"gpio", "unmask", &e.gpioUnmask},
		{"platform", "read", &e.platRead},
		{"platform", "write", &e.platWrite},
	}
	for _, s := range surfaces {
		surface, err := attr(backend, s.object)
		if err != nil {
			return nil, fmt.Errorf("script: backend.%s: %w", s.object, err)
		}
		fn, err := callableAttr(surface, s.method)
		if err != nil {
			return nil, fmt.Errorf("script: backend.%s.%s: %w", s.object, s.method, err)
		}
		*s.dst = fn
	}

	e.processControl, err = callableAttr(backend, "process_control")
	if err != nil {
		return nil, fmt.Errorf("script: backend.process_control: %w", err)
	}

	return e, nil
}

// execFile compiles and runs a script file without freezing its
// globals: models keep mutable register state across calls.
func (e *Engine) execFile(path string) (starlark.StringDict, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	predeclared := e.predeclared()
	_, prog, err := starlark.SourceProgram(path, src, predeclared.Has)
	if err != nil {
		return nil, err
	}
	return prog.Init(e.thread, predeclared)
}

func (e *Engine) predeclared() starlark.StringDict {
	roadtest := starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"trigger_gpio_irq": starlark.NewBuiltin("trigger_gpio_irq", e.builtinTriggerGPIOIRQ),
		"dma_read":         starlark.NewBuiltin("dma_read", e.builtinDMARead),
		"dma_write":        starlark.NewBuiltin("dma_write", e.builtinDMAWrite),
		"load_module":      starlark.NewBuiltin("load_module", e.builtinLoadModule),
	})
	return starlark.StringDict{
		"roadtest": roadtest,
		"struct":   starlark.NewBuiltin("struct", starlarkstruct.Make),
		"module":   starlark.NewBuiltin("module", starlarkstruct.MakeModule),
	}
}

// attr resolves a named attribute on a script value, accepting both
// attribute-bearing values (structs, modules) and plain dicts.
func attr(v starlark.Value, name string) (starlark.Value, error) {
	if hasAttrs, ok := v.(starlark.HasAttrs); ok {
		attr, err := hasAttrs.Attr(name)
		if err == nil && attr != nil {
			return attr, nil
		}
	}
	if mapping, ok := v.(starlark.IterableMapping); ok {
		if attr, found, err := mapping.Get(starlark.String(name)); err == nil && found {
			return attr, nil
		}
	}
	return nil, errors.New("missing attribute")
}

func callableAttr(v starlark.Value, name string) (starlark.Callable, error) {
	attrValue, err := attr(v, name)
	if err != nil {
		return nil, err
	}
	fn, ok := attrValue.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("attribute is %s, not callable", attrValue.Type())
	}
	return fn, nil
}

// scriptError unwraps a Starlark backtrace into the error message so
// fatal load errors carry the full context.
func scriptError(err error) error {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return fmt.Errorf("%s", evalErr.Backtrace())
	}
	return err
}

// call invokes a model callable. Exceptions are logged with the full
// backtrace and returned as errors; the device layer completes the
// guest request with an error status.
func (e *Engine) call(fn starlark.Callable, args ...starlark.Value) (starlark.Value, error) {
	result, err := starlark.Call(e.thread, fn, starlark.Tuple(args), nil)
	if err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			slog.Error("script: model call failed", "fn", fn.Name(), "backtrace", evalErr.Backtrace())
		} else {
			slog.Error("script: model call failed", "fn", fn.Name(), "err", err)
		}
		return nil, fmt.Errorf("script: %s: %w", fn.Name(), err)
	}
	return result, nil
}

// ProcessControl hands one harness command line to the script layer.
func (e *Engine) ProcessControl(line string) error {
	_, err := e.call(e.processControl, starlark.String(line))
	return err
}

// Read implements the i2c model surface.
func (e *Engine) Read(addr uint16, length int) ([]byte, error) {
	result, err := e.call(e.i2cRead, starlark.MakeInt(int(addr)), starlark.MakeInt(length))
	if err != nil {
		return nil, err
	}
	return asBytes(result)
}

// Write implements the i2c model surface. The guest status is OK iff
// the model returns a truthy value.
func (e *Engine) Write(addr uint16, data []byte) (bool, error) {
	result, err := e.call(e.i2cWrite, starlark.MakeInt(int(addr)), starlark.Bytes(data))
	if err != nil {
		return false, err
	}
	return bool(result.Truth()), nil
}

// SetIRQType implements the gpio model surface.
func (e *Engine) SetIRQType(pin uint16, mode uint32) error {
	_, err := e.call(e.gpioSetIRQType, starlark.MakeInt(int(pin)), starlark.MakeInt(int(mode)))
	return err
}

// SetValue implements the gpio model surface.
func (e *Engine) SetValue(pin uint16, value uint32) error {
	_, err := e.call(e.gpioSetValue, starlark.MakeInt(int(pin)), starlark.MakeInt(int(value)))
	return err
}

// Unmask implements the gpio model surface.
func (e *Engine) Unmask(pin uint16) error {
	_, err := e.call(e.gpioUnmask, starlark.MakeInt(int(pin)))
	return err
}

// PlatformRead implements the platform model surface.
func (e *Engine) PlatformRead(addr uint64, size int) (uint32, error) {
	result, err := e.call(e.platRead, starlark.MakeInt64(int64(addr)), starlark.MakeInt(size))
	if err != nil {
		return 0, err
	}
	value, err := starlark.AsInt32(result)
	if err != nil {
		var wide uint64
		if err2 := starlark.AsInt(result, &wide); err2 != nil {
			return 0, fmt.Errorf("script: platform.read returned %s", result.Type())
		}
		return uint32(wide), nil
	}
	return uint32(value), nil
}

// PlatformWrite implements the platform model surface.
func (e *Engine) PlatformWrite(addr uint64, size int, value uint32) error {
	_, err := e.call(e.platWrite,
		starlark.MakeInt64(int64(addr)), starlark.MakeInt(size), starlark.MakeUint64(uint64(value)))
	return err
}

func asBytes(v starlark.Value) ([]byte, error) {
	switch b := v.(type) {
	case starlark.Bytes:
		return []byte(b), nil
	case starlark.String:
		return []byte(b), nil
	default:
		return nil, fmt.Errorf("script: expected bytes, got %s", v.Type())
	}
}
