// Package lua evaluates workflow condition scripts in a sandboxed Lua VM.
//
// A condition is a Lua chunk whose return value decides whether a
// checkpoint or trigger fires. Scripts see the step output as the global
// `output`, its lines as the table `lines`, and may call context() and
// log(). File, OS and module loading are not available.
package lua

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/mpataki/foreman/internal/logging"
)

// DefaultTimeout bounds a single condition evaluation.
const DefaultTimeout = 5 * time.Second

// Env is the data a condition can observe.
type Env struct {
	Output    string
	RunID     string
	StepIndex int
	AgentID   string
	Iteration int
	Vars      map[string]any
}

// Runtime executes condition scripts. Each evaluation gets a fresh VM.
type Runtime struct {
	logger  *logging.Logger
	timeout time.Duration
	logs    []string
}

func NewRuntime(logger *logging.Logger) *Runtime {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Runtime{logger: logger, timeout: DefaultTimeout}
}

// Evaluate runs script and reports Lua truthiness of its first return value.
// A script ending in .lua is read from disk.
func (r *Runtime) Evaluate(ctx context.Context, script string, env Env) (bool, error) {
	source, err := loadSource(script)
	if err != nil {
		return false, err
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	L.SetContext(ctx)

	r.openSafeLibs(L)
	r.registerAPI(L, env)

	fn, err := L.LoadString(source)
	if err != nil {
		return false, fmt.Errorf("failed to load condition: %w", err)
	}
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		return false, fmt.Errorf("condition failed: %w", err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	return lua.LVAsBool(ret), nil
}

func loadSource(script string) (string, error) {
	if IsLuaScript(script) {
		data, err := os.ReadFile(script)
		if err != nil {
			return "", fmt.Errorf("failed to read condition script: %w", err)
		}
		return string(data), nil
	}
	return script, nil
}

// openSafeLibs loads only the safe standard libraries
func (r *Runtime) openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("print", lua.LNil) // Use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Conditions must be deterministic
	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (r *Runtime) registerAPI(L *lua.LState, env Env) {
	L.SetGlobal("output", lua.LString(env.Output))

	lines := L.NewTable()
	for _, line := range strings.Split(env.Output, "\n") {
		lines.Append(lua.LString(line))
	}
	L.SetGlobal("lines", lines)

	L.SetGlobal("context", L.NewFunction(func(L *lua.LState) int {
		tbl := L.NewTable()
		L.SetField(tbl, "run_id", lua.LString(env.RunID))
		L.SetField(tbl, "step", lua.LNumber(env.StepIndex))
		L.SetField(tbl, "agent", lua.LString(env.AgentID))
		L.SetField(tbl, "iteration", lua.LNumber(env.Iteration))
		for k, v := range env.Vars {
			L.SetField(tbl, k, goToLua(L, v))
		}
		L.Push(tbl)
		return 1
	}))

	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		message := L.CheckString(1)
		r.logs = append(r.logs, message)
		r.logger.Info("condition log", "message", message, "step", env.StepIndex)
		return 0
	}))
}

// goToLua converts a Go value to a Lua value
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []string:
		tbl := L.NewTable()
		for _, item := range val {
			tbl.Append(lua.LString(item))
		}
		return tbl
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			L.SetTable(tbl, lua.LNumber(i+1), goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			L.SetField(tbl, k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// Logs returns messages passed to log() across evaluations.
func (r *Runtime) Logs() []string {
	return r.logs
}

// IsLuaScript checks if a condition refers to a Lua file
func IsLuaScript(condition string) bool {
	return filepath.Ext(strings.TrimSpace(condition)) == ".lua" && !strings.Contains(condition, "\n")
}
