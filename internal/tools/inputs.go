package tools

// BashInput runs a shell command.
type BashInput struct {
	Command string `json:"command" validate:"required"`
	// Dir is relative to the caller's scratch directory.
	Dir string `json:"cwd,omitempty"`
}

// ToolName implements Input.
func (BashInput) ToolName() string { return NameBash }

// Browser actions.
const (
	ActionScrape     = "scrape"
	ActionScreenshot = "screenshot"
)

// BrowserInput fetches a page.
type BrowserInput struct {
	URL    string `json:"url" validate:"required,url"`
	Action string `json:"action" validate:"required,oneof=scrape screenshot"`
}

// ToolName implements Input.
func (BrowserInput) ToolName() string { return NameBrowser }

// MCPInput calls a tool on a configured MCP server.
type MCPInput struct {
	Server    string         `json:"server_name" validate:"required"`
	Tool      string         `json:"tool_name" validate:"required"`
	Arguments map[string]any `json:"args,omitempty"`
}

// ToolName implements Input.
func (MCPInput) ToolName() string { return NameMCP }

// File operations.
const (
	OpRead  = "read"
	OpWrite = "write"
	OpPatch = "patch"
	OpList  = "list"
)

// FilesInput reads or edits a file in the caller's scratch directory.
type FilesInput struct {
	Operation string `json:"operation" validate:"required,oneof=read write patch list"`
	Path      string `json:"path" validate:"required_unless=Operation list"`
	Content   string `json:"content,omitempty"`
	Find      string `json:"find,omitempty" validate:"required_if=Operation patch"`
	Replace   string `json:"replace,omitempty"`
}

// ToolName implements Input.
func (FilesInput) ToolName() string { return NameFiles }
