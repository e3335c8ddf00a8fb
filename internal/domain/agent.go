package domain

import "time"

// AgentStatus is the monotonic-within-a-lifecycle status of an agent
// (spec.md §3 "Agent / team member"), with the one permitted exception
// suspended -> starting -> active.
type AgentStatus string

const (
	AgentInactive  AgentStatus = "inactive"
	AgentStarting  AgentStatus = "starting"
	AgentActive    AgentStatus = "active"
	AgentSuspended AgentStatus = "suspended"
)

// WorkingStatus tracks whether a member is between tasks or executing one.
type WorkingStatus string

const (
	WorkingIdle       WorkingStatus = "idle"
	WorkingInProgress WorkingStatus = "in-progress"
)

// Role identifies the distinguished orchestrator role vs. ordinary members.
// The orchestrator role is forbidden from being suspended (spec.md §4.6).
const RoleOrchestrator = "orchestrator"

// Agent is a role-bearing team member bound (or not) to a running session.
type Agent struct {
	MemberID      string        `json:"member_id"`
	TeamID        string        `json:"team_id"`
	Role          string        `json:"role"`
	SessionName   string        `json:"session_name,omitempty"`
	Runtime       RuntimeType   `json:"runtime"`
	Status        AgentStatus   `json:"status"`
	Working       WorkingStatus `json:"working"`
	ResumeToken   string        `json:"resume_token,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// IsOrchestrator reports whether this member holds the orchestrator role.
func (a *Agent) IsOrchestrator() bool {
	return a.Role == RoleOrchestrator
}

// Team groups agents under a shared identity, persisted to teams.json.
type Team struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Members []*Agent `json:"members"`
}
