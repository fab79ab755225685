package script

import (
	"fmt"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// builtinTriggerGPIOIRQ implements roadtest.trigger_gpio_irq(pin):
// completes the parked IRQ element for pin, if any.
func (e *Engine) builtinTriggerGPIOIRQ(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pin int
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &pin); err != nil {
		return nil, err
	}
	if pin < 0 || pin > 0xffff {
		return nil, fmt.Errorf("%s: pin %d out of range", fn.Name(), pin)
	}
	if err := e.host.TriggerGPIOIRQ(uint16(pin)); err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	return starlark.None, nil
}

// builtinDMARead implements roadtest.dma_read(addr, len) -> bytes.
// An unmapped address fails the script call with a buffer error.
func (e *Engine) builtinDMARead(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var addr, length int64
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &addr, &length); err != nil {
		return nil, err
	}
	if addr < 0 || length < 0 {
		return nil, fmt.Errorf("%s: negative argument", fn.Name())
	}
	data, err := e.host.DMARead(uint64(addr), int(length))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	return starlark.Bytes(data), nil
}

// builtinDMAWrite implements roadtest.dma_write(addr, bytes).
func (e *Engine) builtinDMAWrite(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var addr int64
	var data starlark.Value
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &addr, &data); err != nil {
		return nil, err
	}
	if addr < 0 {
		return nil, fmt.Errorf("%s: negative address", fn.Name())
	}
	buf, err := asBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	if err := e.host.DMAWrite(uint64(addr), buf); err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	return starlark.None, nil
}

// builtinLoadModule implements roadtest.load_module(path) -> struct:
// executes a model file and returns its globals, the primitive
// process_control uses to load chip models on harness request.
func (e *Engine) builtinLoadModule(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &path); err != nil {
		return nil, err
	}
	globals, err := e.execFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", fn.Name(), path, scriptError(err))
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, globals), nil
}
