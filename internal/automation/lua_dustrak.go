//go:build !no_automation

package automation

import (
	"context"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"dustrak-core/internal/store"
)

const maxHandlersPerScript = 100

// registerDustrakModule registers the `dustrak` global table in a Lua state.
func registerDustrakModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return dustrakOn(L, vm)
	}))
	mod.RawSetString("relay", L.NewFunction(func(L *lua.LState) int {
		return dustrakRelay(L, e)
	}))
	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return dustrakAfter(L, vm, e)
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		e.logger.Info("script log", "msg", L.CheckString(1))
		return 0
	}))
	mod.RawSetString("devices", L.NewFunction(func(L *lua.LState) int {
		return dustrakDevices(L, e)
	}))
	mod.RawSetString("thresholds", L.NewFunction(func(L *lua.LState) int {
		return dustrakThresholds(L, e)
	}))

	L.SetGlobal("dustrak", mod)
}

// dustrak.on(type, filter, callback)
//
// filter keys: device_id (number), external_id (string), field (alert field).
func dustrakOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filter := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{eventType: eventType, fn: fn}
	if v, ok := filter.RawGetString("device_id").(lua.LNumber); ok {
		h.deviceID = int64(v)
	}
	if v := filter.RawGetString("external_id"); v != lua.LNil {
		h.externalID = v.String()
	}
	if v := filter.RawGetString("field"); v != lua.LNil {
		h.field = v.String()
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()
	return 0
}

// dustrak.relay(device, "ON"|"OFF") returns true when the command was published.
func dustrakRelay(L *lua.LState, e *Engine) int {
	target := L.CheckAny(1)
	state := strings.ToUpper(L.CheckString(2))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dev := resolveDevice(ctx, e, target)
	if dev == nil {
		e.logger.Warn("device not found", "target", target.String())
		L.Push(lua.LFalse)
		return 1
	}
	if err := e.relay.SetRelay(ctx, dev, state); err != nil {
		e.logger.Error("script relay command", "device", dev.ID, "state", state, "err", err)
		L.Push(lua.LFalse)
		return 1
	}
	L.Push(lua.LTrue)
	return 1
}

// dustrak.after(seconds, callback) runs callback on the script's VM later.
func dustrakAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()
	return 0
}

// dustrak.devices() returns every registered device.
func dustrakDevices(L *lua.LState, e *Engine) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tbl := L.NewTable()
	devices, err := e.devices.ListDevices(ctx)
	if err != nil {
		e.logger.Error("list devices", "err", err)
		L.Push(tbl)
		return 1
	}
	for i, dev := range devices {
		d := L.NewTable()
		d.RawSetString("id", lua.LNumber(dev.ID))
		d.RawSetString("external_id", lua.LString(dev.ExternalID))
		d.RawSetString("data_source_id", lua.LNumber(dev.DataSourceID))
		d.RawSetString("name", lua.LString(dev.Name))
		d.RawSetString("has_actuator", lua.LBool(dev.HasActuator))
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}

// dustrak.thresholds(device) returns the current limits, or nil.
func dustrakThresholds(L *lua.LState, e *Engine) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dev := resolveDevice(ctx, e, L.CheckAny(1))
	if dev == nil {
		L.Push(lua.LNil)
		return 1
	}
	th, err := e.devices.CurrentThresholds(ctx, dev.ID)
	if err != nil {
		e.logger.Error("read thresholds", "device", dev.ID, "err", err)
		L.Push(lua.LNil)
		return 1
	}

	t := L.NewTable()
	for i, v := range th.Limits() {
		t.RawSetString(store.PMFields[i], lua.LNumber(v))
	}
	t.RawSetString("averaging_window", lua.LNumber(th.AveragingWindow))
	L.Push(t)
	return 1
}

// resolveDevice finds a device by internal ID (number), or by name or
// external ID (string). An external ID shared by several data sources
// matches the first one listed.
func resolveDevice(ctx context.Context, e *Engine, target lua.LValue) *store.Device {
	if n, ok := target.(lua.LNumber); ok {
		dev, err := e.devices.GetDevice(ctx, int64(n))
		if err != nil {
			return nil
		}
		return dev
	}

	devices, err := e.devices.ListDevices(ctx)
	if err != nil {
		return nil
	}
	s := target.String()
	for _, dev := range devices {
		if dev.Name != "" && strings.EqualFold(dev.Name, s) {
			return dev
		}
	}
	for _, dev := range devices {
		if dev.ExternalID == s {
			return dev
		}
	}
	return nil
}
