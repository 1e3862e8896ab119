// script.go - Lua scenario scripting surface for scripted bring-up
// smoke tests, mirroring the teacher's own embedding of Lua as a
// scripting surface (its interpreter just targets the emulated
// machine instead of a simulated device rig).
package main

import (
	lua "github.com/yuin/gopher-lua"
)

// runScript executes a Lua scenario file against the live rig. The
// script sees three globals: play_tone(hz, duration_ms) and
// present_frame(), each returning an error string on failure or nil on
// success, and status(), returning the HDA status and GPU info strings.
func runScript(path string, r *rig) error {
	L := lua.NewState()
	defer L.Close()

	L.SetGlobal("play_tone", L.NewFunction(func(L *lua.LState) int {
		hz := L.CheckNumber(1)
		durationMS := L.CheckInt(2)
		if err := r.hda.PlayTone(float64(hz), durationMS); err != nil {
			L.Push(lua.LString(err.Error()))
			return 1
		}
		L.Push(lua.LNil)
		return 1
	}))

	L.SetGlobal("present_frame", L.NewFunction(func(L *lua.LState) int {
		if err := r.gpu.PresentFrame(); err != nil {
			L.Push(lua.LString(err.Error()))
			return 1
		}
		L.Push(lua.LNil)
		return 1
	}))

	L.SetGlobal("status", L.NewFunction(func(L *lua.LState) int {
		waitForQuiesce()
		L.Push(lua.LString(r.hda.Status()))
		L.Push(lua.LString(r.gpu.InfoString()))
		return 2
	}))

	return L.DoFile(path)
}
