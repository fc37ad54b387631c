// Package acp provides typed wrappers over the Agent-Client Protocol
// methods the Conductor and its proxies must ferry faithfully, plus the
// meta.symposium capability-metadata convention (spec.md §4.2).
//
// The full ACP message schema is an external contract (spec.md §1); this
// package only types the handful of methods the core inspects directly
// (initialize, session/new, session/prompt, session/cancel,
// session/update) and leaves everything else — authenticate,
// session/load, session/set_mode, session/request_permission, fs/*,
// terminal/* — as opaque method names proxies may decode however they like.
package acp

// Client-to-agent request methods.
const (
	MethodInitialize     = "initialize"
	MethodAuthenticate   = "authenticate"
	MethodSessionNew     = "session/new"
	MethodSessionLoad    = "session/load"
	MethodSessionPrompt  = "session/prompt"
	MethodSessionSetMode = "session/set_mode"
)

// Client-to-agent notification methods.
const (
	MethodSessionCancel = "session/cancel"
)

// Agent-to-client notification methods.
const (
	MethodSessionUpdate = "session/update"
)

// Agent-to-client request methods.
const (
	MethodSessionRequestPermission = "session/request_permission"
	MethodFSReadTextFile           = "fs/read_text_file"
	MethodFSWriteTextFile          = "fs/write_text_file"
	MethodTerminalCreate           = "terminal/create"
	MethodTerminalOutput           = "terminal/output"
	MethodTerminalRelease          = "terminal/release"
	MethodTerminalWaitForExit      = "terminal/wait_for_exit"
	MethodTerminalKill             = "terminal/kill"
)

// MCP-over-ACP bridge extension methods (spec.md §4.4/§6).
const (
	MethodMCPConnect      = "_mcp/connect"
	MethodMCPRequest      = "_mcp/request"
	MethodMCPNotification = "_mcp/notification"
	MethodMCPDisconnect   = "_mcp/disconnect"
)
