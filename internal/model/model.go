// Package model holds the data types shared across the supervisor:
// installed-MCP configuration snapshots, lifecycle state machines, tool
// catalog entries, and the derived status summary published to observers.
package model

import "time"

// MCPType distinguishes a locally sandboxed MCP from one reached over HTTP.
type MCPType string

const (
	MCPTypeLocal  MCPType = "local"
	MCPTypeRemote MCPType = "remote"
)

// ServerConfig is the process/container configuration for a local MCP, as
// loaded from persistence. Command is optional: when empty the product's
// default base image runs Args directly as the in-container process.
type ServerConfig struct {
	Command        string            `json:"command,omitempty"`
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	FileInjections map[string]string `json:"fileInjections,omitempty"` // container path -> content
}

// OAuthTokens are the bearer credentials stored for a remote (or
// streamable-HTTP local) MCP.
type OAuthTokens struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	TokenType    string    `json:"tokenType,omitempty"` // defaults to "Bearer"
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
}

// OAuthConfig is the provider-supplied configuration needed to stand up a
// streamable-HTTP container port and to template file injections.
type OAuthConfig struct {
	StreamableHTTPPort int    `json:"streamableHttpPort,omitempty"`
	URLScheme          string `json:"urlScheme,omitempty"` // e.g. "http"
	URLPath            string `json:"urlPath,omitempty"`   // e.g. "/mcp"
}

// InstalledMCP is the configuration record loaded from persistence (C10).
// The supervisor treats it as an immutable snapshot for the duration of a
// lifecycle generation; only OAuth token fields are ever written back.
type InstalledMCP struct {
	ID           string         `json:"id"`
	DisplayName  string         `json:"displayName"`
	Type         MCPType        `json:"type"`
	ServerConfig ServerConfig   `json:"serverConfig"`
	UserConfig   map[string]any `json:"userConfig,omitempty"`
	RemoteURL    string         `json:"remoteUrl,omitempty"`
	OAuthTokens  *OAuthTokens   `json:"oauthTokens,omitempty"`
	OAuthConfig  *OAuthConfig   `json:"oauthConfig,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// RuntimeStatus is the container runtime's own lifecycle state.
type RuntimeStatus string

const (
	RuntimeNotInstalled RuntimeStatus = "not_installed"
	RuntimeInitializing RuntimeStatus = "initializing"
	RuntimeRunning      RuntimeStatus = "running"
	RuntimeStopping     RuntimeStatus = "stopping"
	RuntimeStopped      RuntimeStatus = "stopped"
	RuntimeError        RuntimeStatus = "error"
)

// RuntimeState mirrors spec.md §3's RuntimeState entity: two independent
// progress streams (machine startup, image pull) plus a status and an
// optional resolved control-socket path.
type RuntimeState struct {
	Status             RuntimeStatus `json:"status"`
	MachineStartupPct  int           `json:"machineStartupPercentage"`
	MachineMessage     string        `json:"machineMessage,omitempty"`
	MachineError       string        `json:"machineError,omitempty"`
	ImagePullPct       int           `json:"imagePullPercentage"`
	ImageMessage       string        `json:"imageMessage,omitempty"`
	ImageError         string        `json:"imageError,omitempty"`
	SocketPath         string        `json:"socketPath,omitempty"`
}

// ContainerStatus is a single MCP container's lifecycle state.
type ContainerStatus string

const (
	ContainerNotCreated  ContainerStatus = "not_created"
	ContainerCreated     ContainerStatus = "created"
	ContainerInitializing ContainerStatus = "initializing"
	ContainerRunning     ContainerStatus = "running"
	ContainerError       ContainerStatus = "error"
	ContainerRestarting  ContainerStatus = "restarting"
	ContainerStopping    ContainerStatus = "stopping"
	ContainerStopped     ContainerStatus = "stopped"
	ContainerExited      ContainerStatus = "exited"
)

// ContainerState is owned exclusively by its Controller (C2); readers
// elsewhere in the supervisor take unsynchronized copies.
//
// Invariant: StartupPercentage == 100 iff State == ContainerRunning;
// State == ContainerError implies Error != "";
// State == ContainerNotCreated implies StartupPercentage == 0.
type ContainerState struct {
	State             ContainerStatus `json:"state"`
	StartupPercentage int             `json:"startupPercentage"`
	Message           string          `json:"message,omitempty"`
	Error             string          `json:"error,omitempty"`
	AssignedHostPort  int             `json:"assignedHostPort,omitempty"`
	ContainerName     string          `json:"containerName"`
}

// Clone returns a value copy suitable for handing to observers (C9 never
// shares live references).
func (c ContainerState) Clone() ContainerState { return c }

// AnalysisStatus is the externally-computed semantic classification state
// for a single tool.
type AnalysisStatus string

const (
	AnalysisAwaiting   AnalysisStatus = "awaiting_analysis"
	AnalysisInProgress AnalysisStatus = "in_progress"
	AnalysisCompleted  AnalysisStatus = "completed"
	AnalysisError      AnalysisStatus = "error"
)

// ToolAnalysis is the read/write classification surfaced alongside a tool.
type ToolAnalysis struct {
	Status     AnalysisStatus `json:"status"`
	IsRead     *bool          `json:"isRead,omitempty"`
	IsWrite    *bool          `json:"isWrite,omitempty"`
	AnalyzedAt *time.Time     `json:"analyzedAt,omitempty"`
}

// ToolDescriptor is the catalog entry exposed to the chat front-end.
// CompositeID is "<mcp_id>__<tool_name>" (see ToolCompositeSeparator).
type ToolDescriptor struct {
	CompositeID    string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	InputSchema    any            `json:"inputSchema,omitempty"`
	MCPID          string         `json:"mcpServerId"`
	MCPDisplayName string         `json:"mcpServerName"`
	Analysis       ToolAnalysis   `json:"analysis"`
}

// ToolCompositeSeparator joins an MCP ID and a tool name into a composite
// tool ID. Chosen to be unambiguous within the expected tool-name alphabet
// (MCP tool names are conventionally snake_case/camelCase identifiers that
// never contain a double underscore run on their own).
const ToolCompositeSeparator = "__"

// CompositeToolID builds the globally unique tool identifier.
func CompositeToolID(mcpID, toolName string) string {
	return mcpID + ToolCompositeSeparator + toolName
}

// ToolAnalysisRow is the persisted analysis record read from C10.
type ToolAnalysisRow struct {
	MCPID      string     `json:"mcpServerId"`
	ToolName   string     `json:"toolName"`
	IsRead     *bool      `json:"isRead,omitempty"`
	IsWrite    *bool      `json:"isWrite,omitempty"`
	AnalyzedAt *time.Time `json:"analyzedAt,omitempty"`
}

// MCPStatusFragment is one MCP's contribution to a StatusSummary.
type MCPStatusFragment struct {
	MCPID     string           `json:"mcpServerId"`
	Container ContainerState   `json:"container"`
	Tools     []ToolDescriptor `json:"tools"`
}

// StatusSummary is the value-copy snapshot published by C9 on any state
// mutation (spec.md §3's StatusSummary entity).
type StatusSummary struct {
	Runtime RuntimeState          `json:"runtime"`
	Servers []MCPStatusFragment   `json:"servers"`
}
