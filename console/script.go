// Loading expect/send automation scripts from Lua files.
//
// A script is a Lua chunk whose result is an array of tables, each
// with an "expect" and/or a "send" field:
//
//	return {
//	    { expect = "A>",        send = "MBASIC\r" },
//	    { expect = "Ok",        send = "PRINT 1+1\r" },
//	    { expect = "Ok",        send = "SYSTEM\r" },
//	}
//
// Lua buys us comments, string escapes, and simple generation (loops
// building repetitive menu-walks) for free; the emulator core never
// sees it - scripts are flattened to plain Steps before a run starts.

package console

import (
	"fmt"
	"os"

	lua "github.com/yuin/gopher-lua"
)

// StepsFromLua evaluates the given Lua source and converts its result
// into automation steps.
func StepsFromLua(src string) ([]Step, error) {

	L := lua.NewState()
	defer L.Close()

	if err := L.DoString(src); err != nil {
		return nil, fmt.Errorf("failed to evaluate script: %s", err)
	}

	ret := L.Get(-1)
	table, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("script must return a table, got %s", ret.Type())
	}

	var steps []Step
	var convErr error

	table.ForEach(func(_ lua.LValue, value lua.LValue) {
		if convErr != nil {
			return
		}

		entry, ok := value.(*lua.LTable)
		if !ok {
			convErr = fmt.Errorf("script step must be a table, got %s", value.Type())
			return
		}

		step := Step{}
		if v := entry.RawGetString("expect"); v != lua.LNil {
			step.Expect = lua.LVAsString(v)
		}
		if v := entry.RawGetString("send"); v != lua.LNil {
			step.Send = lua.LVAsString(v)
		}

		steps = append(steps, step)
	})

	if convErr != nil {
		return nil, convErr
	}

	return steps, nil
}

// StepsFromLuaFile loads an automation script from the named file.
func StepsFromLuaFile(path string) ([]Step, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script %s: %s", path, err)
	}

	return StepsFromLua(string(src))
}
