package domain

import "time"

// Session is the identity and static configuration of one managed PTY
// process (spec.md §3 "Session"). Mutation after creation is owned
// exclusively by internal/session's PTY session type.
type Session struct {
	Name      string            `json:"name"`
	PID       int               `json:"pid"`
	Cwd       string            `json:"cwd"`
	Cols      int               `json:"cols"`
	Rows      int               `json:"rows"`
	Shell     string            `json:"shell"`
	Env       map[string]string `json:"env,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
