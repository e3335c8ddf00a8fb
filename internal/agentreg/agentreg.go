// Package agentreg implements the agent registry and status machine (C7),
// suspend/rehydrate (C8), and rate-limited orchestrator restart (C9)
// (spec.md §4.6). The idempotent-suspend/single-flight-rehydrate logic is
// grounded on the teacher's idempotent container lifecycle
// (internal/container/manager.go EnsureContainer: inspect-then-reuse /
// restart-within-grace-period / recreate), generalized from containers to
// sessions/agents; the broadcast hook is grounded on
// TerminalMonitor.sendToSidebar's non-blocking channel send with
// default-drop.
package agentreg

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/orchestratord/internal/domain"
	"github.com/ashureev/orchestratord/internal/errs"
	"github.com/ashureev/orchestratord/internal/runtime"
)

// Scheduler is the subset of *scheduler.Scheduler CreateAgentSession and
// Rehydrate need to arm check-in/progress/commit-reminder/adaptive jobs
// and continuation prompts (spec.md §4.8, §11 "driving periodic
// check-ins, continuation prompts, and adaptive cadence").
type Scheduler interface {
	ScheduleCheck(session, message string, at time.Time, jobType domain.JobType) (string, error)
	ScheduleRecurring(session, message string, interval time.Duration, maxOccurrences int, jobType domain.JobType) (string, error)
	ScheduleContinuation(session, message string, delay time.Duration) (string, error)
	ScheduleAdaptive(session, message string) (string, error)
	CancelAllFor(session string) int
}

// CheckInConfig configures the check-in/progress-check/commit-reminder
// jobs a fresh agent session is armed with (spec.md §4.8 "Defaults:
// initial check 5 min, progress check 30 min, commit reminder 25 min").
type CheckInConfig struct {
	InitialCheckDelay      time.Duration
	ProgressCheckInterval  time.Duration
	CommitReminderInterval time.Duration
}

// StatusEvent is broadcast on every agent status or working-status change.
type StatusEvent struct {
	MemberID string
	TeamID   string
	Status   domain.AgentStatus
	Working  domain.WorkingStatus
}

// CreateParams configures CreateAgentSession.
type CreateParams struct {
	MemberID    string
	TeamID      string
	Role        string
	SessionName string
	Cwd         string
	Env         map[string]string
	Runtime     domain.RuntimeType
}

// CreateResult reports the outcome of CreateAgentSession (spec.md §6).
type CreateResult struct {
	Success bool
	Error   string
}

// Registry maps sessions to members/teams, owns the status machine, and
// coordinates suspend/rehydrate/restart.
type Registry struct {
	adapter *runtime.Adapter
	logger  *slog.Logger

	mu        sync.RWMutex
	agents    map[string]*domain.Agent // memberID -> agent
	bySession map[string]string        // session name -> memberID

	broadcast chan StatusEvent

	rehydrateMu sync.Mutex
	rehydrating map[string]*rehydrateFuture

	restart *restartLimiter

	scheduler Scheduler
	checkIns  CheckInConfig
}

type rehydrateFuture struct {
	done chan struct{}
	ok   bool
}

// New creates an agent registry over the given runtime adapter. restartMax
// and restartWindow configure the C9 rate limiter (spec.md §4.6/§8.7).
func New(adapter *runtime.Adapter, restartMax int, restartWindow time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		adapter:     adapter,
		logger:      logger,
		agents:      make(map[string]*domain.Agent),
		bySession:   make(map[string]string),
		broadcast:   make(chan StatusEvent, 100),
		rehydrating: make(map[string]*rehydrateFuture),
		restart:     newRestartLimiter(restartMax, restartWindow),
	}
}

// SetScheduler wires sched and its default check-in cadence into the
// registry so CreateAgentSession and Rehydrate can arm/cancel scheduled
// jobs for the sessions they manage. Optional: a registry with no
// scheduler set simply skips scheduling, e.g. in tests that don't
// exercise C11.
func (r *Registry) SetScheduler(sched Scheduler, checkIns CheckInConfig) {
	r.scheduler = sched
	r.checkIns = checkIns
}

// Broadcast returns the channel status events are published on. The
// composition root (or a WebSocket gateway) drains it; a full channel
// drops new events rather than blocking the registry (teacher precedent:
// sendToSidebar's select/default).
func (r *Registry) Broadcast() <-chan StatusEvent {
	return r.broadcast
}

func (r *Registry) publish(ev StatusEvent) {
	select {
	case r.broadcast <- ev:
	default:
		r.logger.Warn("status broadcast channel full, dropping event", "member_id", ev.MemberID)
	}
}

// CreateAgentSession transitions a member inactive -> starting -> active
// (or -> inactive on failure), starting its session via the runtime
// adapter (spec.md §4.6).
func (r *Registry) CreateAgentSession(ctx context.Context, p CreateParams) CreateResult {
	agent := &domain.Agent{
		MemberID:    p.MemberID,
		TeamID:      p.TeamID,
		Role:        p.Role,
		SessionName: p.SessionName,
		Runtime:     p.Runtime,
		Status:      domain.AgentStarting,
		Working:     domain.WorkingIdle,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	r.mu.Lock()
	r.agents[p.MemberID] = agent
	r.bySession[p.SessionName] = p.MemberID
	r.mu.Unlock()
	r.publish(StatusEvent{MemberID: p.MemberID, TeamID: p.TeamID, Status: domain.AgentStarting, Working: domain.WorkingIdle})

	err := r.adapter.Start(ctx, runtime.Config{
		SessionName: p.SessionName,
		Cwd:         p.Cwd,
		Env:         p.Env,
		Runtime:     p.Runtime,
		Primary:     p.Role == domain.RoleOrchestrator,
	})
	if err != nil {
		r.UpdateAgentStatus(p.MemberID, domain.AgentInactive)
		return CreateResult{Success: false, Error: err.Error()}
	}

	r.UpdateAgentStatus(p.MemberID, domain.AgentActive)
	r.scheduleDefaultJobs(p.SessionName)
	return CreateResult{Success: true}
}

// scheduleDefaultJobs arms the standard check-in, progress-check,
// commit-reminder, and adaptive jobs for a newly active session
// (spec.md §4.8 "Defaults"). A nil scheduler is a no-op. Scheduling
// failures are logged, not fatal: spec.md §4.8 "scheduler execution
// errors are logged and do not stop the scheduler."
func (r *Registry) scheduleDefaultJobs(sessionName string) {
	if r.scheduler == nil {
		return
	}
	if _, err := r.scheduler.ScheduleCheck(sessionName, "initial check-in", time.Now().Add(r.checkIns.InitialCheckDelay), domain.JobCheckIn); err != nil {
		r.logger.Warn("failed to schedule initial check-in", "session", sessionName, "error", err)
	}
	if _, err := r.scheduler.ScheduleRecurring(sessionName, "progress check-in", r.checkIns.ProgressCheckInterval, 0, domain.JobProgressCheck); err != nil {
		r.logger.Warn("failed to schedule recurring progress check", "session", sessionName, "error", err)
	}
	if _, err := r.scheduler.ScheduleRecurring(sessionName, "commit reminder", r.checkIns.CommitReminderInterval, 0, domain.JobCommitReminder); err != nil {
		r.logger.Warn("failed to schedule recurring commit reminder", "session", sessionName, "error", err)
	}
	if _, err := r.scheduler.ScheduleAdaptive(sessionName, "activity nudge"); err != nil {
		r.logger.Warn("failed to schedule adaptive nudge", "session", sessionName, "error", err)
	}
}

// UpdateAgentStatus sets the status of memberID and broadcasts the change.
func (r *Registry) UpdateAgentStatus(memberID string, status domain.AgentStatus) {
	r.mu.Lock()
	agent, ok := r.agents[memberID]
	if !ok {
		r.mu.Unlock()
		return
	}
	agent.Status = status
	agent.UpdatedAt = time.Now()
	ev := StatusEvent{MemberID: memberID, TeamID: agent.TeamID, Status: status, Working: agent.Working}
	r.mu.Unlock()
	r.publish(ev)
}

// FindMemberBySessionName resolves a session back to its team/member.
func (r *Registry) FindMemberBySessionName(name string) (*domain.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	memberID, ok := r.bySession[name]
	if !ok {
		return nil, errs.NotFound("no member bound to session " + name)
	}
	return r.agents[memberID], nil
}

// BroadcastTeamMemberStatus republishes an out-of-band status event, e.g.
// from a collaborator observing working-status changes directly.
func (r *Registry) BroadcastTeamMemberStatus(ev StatusEvent) {
	r.publish(ev)
}

// IsSuspended reports whether the member bound to sessionName is currently
// suspended.
func (r *Registry) IsSuspended(sessionName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	memberID, ok := r.bySession[sessionName]
	if !ok {
		return false
	}
	agent, ok := r.agents[memberID]
	return ok && agent.Status == domain.AgentSuspended
}

// Suspend kills sessionName while preserving resume identity, forbidden
// for the orchestrator role, and idempotent: a second call on an
// already-suspended agent is a no-op returning false (spec.md §4.6,
// §8 invariant 5).
func (r *Registry) Suspend(ctx context.Context, sessionName, teamID, memberID, role string) (bool, error) {
	if role == domain.RoleOrchestrator {
		return false, errs.FailedPrecondition("cannot suspend the orchestrator")
	}

	r.mu.Lock()
	agent, ok := r.agents[memberID]
	if !ok {
		r.mu.Unlock()
		return false, errs.NotFound("member " + memberID)
	}
	if agent.Status == domain.AgentSuspended {
		r.mu.Unlock()
		return false, nil
	}
	agent.Status = domain.AgentSuspended
	agent.UpdatedAt = time.Now()
	ev := StatusEvent{MemberID: memberID, TeamID: teamID, Status: domain.AgentSuspended, Working: agent.Working}
	r.mu.Unlock()

	if err := r.adapter.Stop(ctx, sessionName); err != nil {
		r.logger.Warn("suspend: stop returned error, proceeding since kill is tolerant of already-dead sessions",
			"session", sessionName, "error", err)
	}
	if r.scheduler != nil {
		r.scheduler.CancelAllFor(sessionName)
	}

	r.publish(ev)
	return true, nil
}

// Rehydrate re-creates a killed session for the same agent identity and
// resume token, transitioning suspended -> starting -> active. Concurrent
// calls for the same session deduplicate: one call drives the lifecycle
// while the others await its outcome (spec.md §4.6, §8 invariant 6).
// The in-flight map lives in memory only, so deduplication does not carry
// across a process restart: calls after a restart are independent.
func (r *Registry) Rehydrate(ctx context.Context, sessionName string, timeout time.Duration) (bool, error) {
	r.rehydrateMu.Lock()
	if f, inFlight := r.rehydrating[sessionName]; inFlight {
		r.rehydrateMu.Unlock()
		select {
		case <-f.done:
			return f.ok, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	f := &rehydrateFuture{done: make(chan struct{})}
	r.rehydrating[sessionName] = f
	r.rehydrateMu.Unlock()

	ok, err := r.rehydrateOnce(ctx, sessionName, timeout)

	r.rehydrateMu.Lock()
	f.ok = ok
	delete(r.rehydrating, sessionName)
	r.rehydrateMu.Unlock()
	close(f.done)

	return ok, err
}

func (r *Registry) rehydrateOnce(ctx context.Context, sessionName string, timeout time.Duration) (bool, error) {
	r.mu.RLock()
	memberID, ok := r.bySession[sessionName]
	r.mu.RUnlock()
	if !ok {
		return false, errs.NotFound("no member bound to session " + sessionName)
	}

	r.UpdateAgentStatus(memberID, domain.AgentStarting)

	r.mu.RLock()
	agent := *r.agents[memberID]
	r.mu.RUnlock()

	err := r.adapter.Start(ctx, runtime.Config{
		SessionName: sessionName,
		Runtime:     agent.Runtime,
		Primary:     agent.Role == domain.RoleOrchestrator,
	})
	if err != nil {
		r.UpdateAgentStatus(memberID, domain.AgentInactive)
		return false, err
	}

	// Prefer the event path (UpdateAgentStatus already set Active below),
	// retaining a timeout-bounded poll only as a fallback per spec.md §9.
	r.UpdateAgentStatus(memberID, domain.AgentActive)
	r.scheduleDefaultJobs(sessionName)
	if r.scheduler != nil {
		if _, err := r.scheduler.ScheduleContinuation(sessionName, "continue where you left off", r.checkIns.InitialCheckDelay); err != nil {
			r.logger.Warn("failed to schedule continuation prompt", "session", sessionName, "error", err)
		}
	}
	return r.pollUntilActive(ctx, memberID, timeout)
}

func (r *Registry) pollUntilActive(ctx context.Context, memberID string, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		r.mu.RLock()
		agent, ok := r.agents[memberID]
		status := domain.AgentInactive
		if ok {
			status = agent.Status
		}
		r.mu.RUnlock()
		if status == domain.AgentActive {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, errs.Timeout("rehydrate did not observe active status for " + memberID)
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}
