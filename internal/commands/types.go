// Package commands implements slash commands: user-defined prompt
// shortcuts loaded from TOML files plus a small set of builtins.
//
// File commands are discovered from <user-config>/amcp/commands and the
// project's .amcp/commands directory; project commands take precedence.
// Subdirectories namespace the command name with ':' separators, so
// .amcp/commands/git/commit.toml becomes /git:commit.
package commands

// Kind distinguishes builtin from file-backed commands.
type Kind string

const (
	KindBuiltin Kind = "builtin"
	KindFile    Kind = "file"
)

// ResultType tells the caller what to do with a command result.
type ResultType string

const (
	// ResultSubmitPrompt means the content is a prompt for the agent.
	ResultSubmitPrompt ResultType = "submit_prompt"

	// ResultMessage means the content is shown to the user directly,
	// without a model call.
	ResultMessage ResultType = "message"

	// ResultHandled means the caller must perform a named action
	// (for example "clear" or "info").
	ResultHandled ResultType = "handled"
)

// Result is the outcome of executing a command.
type Result struct {
	Type    ResultType `json:"type"`
	Content string     `json:"content"`

	// MessageType qualifies ResultMessage results: info, error, success.
	MessageType string `json:"message_type,omitempty"`
}

func messageResult(content string) Result {
	return Result{Type: ResultMessage, Content: content, MessageType: "info"}
}

func errorResult(content string) Result {
	return Result{Type: ResultMessage, Content: content, MessageType: "error"}
}

func successResult(content string) Result {
	return Result{Type: ResultMessage, Content: content, MessageType: "success"}
}

// Context carries invocation details to command handlers and templates.
type Context struct {
	RawInput    string
	CommandName string
	Args        string
	WorkDir     string
	ProjectRoot string
}

// Handler executes a builtin command.
type Handler func(ctx *Context) Result

// Command is one registered slash command.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Kind        Kind   `json:"kind"`

	// SourceFile is the TOML file a file command was loaded from.
	SourceFile string `json:"source_file,omitempty"`

	// PromptTemplate is the file command's prompt, before substitution.
	PromptTemplate string `json:"-"`

	// Action handles builtin commands.
	Action Handler `json:"-"`
}
