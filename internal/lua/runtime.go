package lua

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"

	"github.com/mpataki/sprinter/internal/agent"
)

// PromptHook builds agent prompts with a user Lua script in a sandboxed
// environment. The script must define a global prompt(task) function that
// returns the prompt string.
type PromptHook struct {
	scriptPath string
	script     string
	repoDir    string
	fallback   agent.Prompter
	logger     *slog.Logger
}

// NewPromptHook loads the script at scriptPath. fallback backs the
// default_prompt() API.
func NewPromptHook(scriptPath, repoDir string, fallback agent.Prompter, logger *slog.Logger) (*PromptHook, error) {
	if !IsLuaScript(scriptPath) {
		return nil, fmt.Errorf("prompt script %s is not a .lua file", scriptPath)
	}
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &PromptHook{
		scriptPath: scriptPath,
		script:     string(script),
		repoDir:    repoDir,
		fallback:   fallback,
		logger:     logger,
	}

	// Fail at startup rather than on the first task
	L := h.newState(agent.PromptData{})
	defer L.Close()
	if err := L.DoString(h.script); err != nil {
		return nil, fmt.Errorf("failed to load script: %w", err)
	}
	if _, ok := L.GetGlobal("prompt").(*lua.LFunction); !ok {
		return nil, fmt.Errorf("script must define a 'prompt' function")
	}
	return h, nil
}

// Prompt runs prompt(task) in a fresh state. A state is never shared, so
// parallel tasks can render prompts concurrently.
func (h *PromptHook) Prompt(data agent.PromptData) (string, error) {
	L := h.newState(data)
	defer L.Close()

	if err := L.DoString(h.script); err != nil {
		return "", fmt.Errorf("failed to load script: %w", err)
	}

	fn := L.GetGlobal("prompt")
	L.Push(fn)
	L.Push(taskTable(L, data))
	if err := L.PCall(1, 1, nil); err != nil {
		return "", fmt.Errorf("prompt script failed for #%s: %w", data.IssueRef, err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	s, ok := ret.(lua.LString)
	if !ok || s == "" {
		return "", fmt.Errorf("prompt() must return a non-empty string, got %s", ret.Type())
	}
	return string(s), nil
}

func (h *PromptHook) newState(data agent.PromptData) *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true, // Don't load any libraries by default
	})
	openSafeLibs(L)
	h.registerAPI(L, data)
	return L
}

// openSafeLibs loads only the safe standard libraries
func openSafeLibs(L *lua.LState) {
	// Base library (pairs, ipairs, type, tostring, tonumber, error, etc.)
	lua.OpenBase(L)

	// Remove dangerous base functions
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // Use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Prompts must be reproducible across retries
	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

// registerAPI registers the functions scripts can call
func (h *PromptHook) registerAPI(L *lua.LState, data agent.PromptData) {
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		h.logger.Info(L.CheckString(1), "issue", data.IssueRef, "script", filepath.Base(h.scriptPath))
		return 0
	}))
	L.SetGlobal("context", L.NewFunction(func(L *lua.LState) int {
		tbl := L.NewTable()
		L.SetField(tbl, "repo", lua.LString(h.repoDir))
		L.SetField(tbl, "script_dir", lua.LString(filepath.Dir(h.scriptPath)))
		L.Push(tbl)
		return 1
	}))
	L.SetGlobal("default_prompt", L.NewFunction(func(L *lua.LState) int {
		if h.fallback == nil {
			L.RaiseError("no default prompt configured")
			return 0
		}
		s, err := h.fallback.Prompt(data)
		if err != nil {
			L.RaiseError("%v", err)
			return 0
		}
		L.Push(lua.LString(s))
		return 1
	}))
}

// taskTable converts the prompt data to the task table passed to prompt()
func taskTable(L *lua.LState, data agent.PromptData) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "issue_ref", lua.LString(data.IssueRef))
	L.SetField(tbl, "title", lua.LString(data.Title))
	L.SetField(tbl, "branch", lua.LString(data.Branch))
	L.SetField(tbl, "workspace", lua.LString(data.WorkspacePath))
	L.SetField(tbl, "prior_work_diff", lua.LString(data.PriorWorkDiff))
	L.SetField(tbl, "retry", lua.LBool(data.PriorWorkDiff != ""))
	return tbl
}

// IsLuaScript checks if a file is a Lua script
func IsLuaScript(path string) bool {
	return filepath.Ext(path) == ".lua"
}
