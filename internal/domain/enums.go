// Package domain defines the core domain models for the feedback collector.
package domain

// InstanceState represents the lifecycle state of an isolated server instance.
type InstanceState string

const (
	InstanceStateUninitialized InstanceState = "UNINITIALIZED"
	InstanceStateStarting      InstanceState = "STARTING"
	InstanceStateRunning       InstanceState = "RUNNING"
	InstanceStateStopping      InstanceState = "STOPPING"
	InstanceStateDestroyed     InstanceState = "DESTROYED"
)

// AssignFallback selects what happens when a socket asks for a session and
// no session is owned by its bound protocol session.
type AssignFallback string

const (
	// AssignFallbackLatest hands out the most recently created session.
	AssignFallbackLatest AssignFallback = "latest"
	// AssignFallbackClosed refuses the assignment with no_active_session.
	AssignFallbackClosed AssignFallback = "closed"
)

// ParseAssignFallback maps a config value onto an AssignFallback. Unknown
// values keep the latest-session behavior.
func ParseAssignFallback(s string) AssignFallback {
	if AssignFallback(s) == AssignFallbackClosed {
		return AssignFallbackClosed
	}
	return AssignFallbackLatest
}

// TransportMode is how the agent speaks MCP to this process.
type TransportMode string

const (
	TransportModeStdio TransportMode = "stdio"
	TransportModeHTTP  TransportMode = "http"
)
