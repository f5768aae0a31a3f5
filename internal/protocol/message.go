// Package protocol defines the wire protocol spoken between the controller
// and its agents: UTF-8 JSON messages, one per line, over a persistent TCP
// (optionally TLS) connection.
package protocol

// Type tags a message on the wire.
type Type string

// Message types. Request/response pairs carry a command_id used to correlate
// a result with the request that produced it.
const (
	TypeRegistration      Type = "registration"
	TypeRegistrationAck   Type = "registration_ack"
	TypeRegistrationError Type = "registration_error"
	TypePing              Type = "ping"
	TypePong              Type = "pong"
	TypeCommandRequest    Type = "command_request"
	TypeCommandResult     Type = "command_result"
	TypeChat              Type = "chat"
	TypeError             Type = "error"

	// Legacy aliases still produced by older endpoints. Accepted on decode,
	// never emitted.
	TypeCommand         Type = "command"
	TypeCommandResponse Type = "command_response"
)

// Canonical maps legacy type aliases to their current names.
func (t Type) Canonical() Type {
	switch t {
	case TypeCommand:
		return TypeCommandRequest
	case TypeCommandResponse:
		return TypeCommandResult
	}
	return t
}

// Known reports whether t is a type this endpoint understands. Unknown types
// are logged and ignored by the dispatch path, never treated as fatal.
func (t Type) Known() bool {
	switch t.Canonical() {
	case TypeRegistration, TypeRegistrationAck, TypeRegistrationError,
		TypePing, TypePong, TypeCommandRequest, TypeCommandResult,
		TypeChat, TypeError:
		return true
	}
	return false
}

// Message is the envelope for every protocol exchange. Only the fields
// relevant to the message's type are populated; dispatch switches on Type.
type Message struct {
	Type Type `json:"type"`

	// CommandID correlates a command_request with its command_result.
	CommandID string `json:"command_id,omitempty"`

	// Command is the shell command text of a command_request.
	Command string `json:"command,omitempty"`

	// Result is the outcome of a command_request, echoed back with the
	// request's CommandID.
	Result *CommandResult `json:"result,omitempty"`

	// Chat carries free-form text relayed between peers; Sender is filled
	// in by the controller when it rebroadcasts a chat to other agents.
	Chat   string `json:"message,omitempty"`
	Sender string `json:"sender,omitempty"`

	// SystemInfo and AuthToken ride on registration messages.
	SystemInfo *SystemInfo `json:"system_info,omitempty"`
	AuthToken  string      `json:"auth_token,omitempty"`

	// Timestamp (unix seconds) rides on ping/pong.
	Timestamp float64 `json:"timestamp,omitempty"`

	// Error carries the reason on registration_error and error messages.
	Error string `json:"error,omitempty"`
}

// CommandResult is the immutable outcome of executing one command. Every
// result, success or error, reports the working directory in effect after
// the operation so the requesting side can keep its prompt in sync.
type CommandResult struct {
	Status   string `json:"status"` // "success" or "error"
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	WorkDir  string `json:"cwd,omitempty"`
	Error    string `json:"error,omitempty"`
}

// StatusSuccess and StatusError are the two CommandResult statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// OK reports whether the result represents a successful execution. A
// successful execution may still carry a non-zero exit code; OK means the
// command ran to completion, not that it exited zero.
func (r *CommandResult) OK() bool {
	return r != nil && r.Status == StatusSuccess
}

// ErrorResult builds an error CommandResult with the given description and
// working directory.
func ErrorResult(reason, workDir string) *CommandResult {
	return &CommandResult{Status: StatusError, ExitCode: -1, Error: reason, WorkDir: workDir}
}

// SystemInfo identifies an agent at registration time.
type SystemInfo struct {
	Hostname        string `json:"hostname"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version,omitempty"`
	AgentID         string `json:"agent_id"`
	IPAddress       string `json:"ip_address,omitempty"`
}
