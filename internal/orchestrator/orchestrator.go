// Package orchestrator turns external events into Decisions. Each event gets
// a two-phase plan: independent agents fan out in parallel under a bounded
// semaphore, then dependent agents run in order with their predecessors'
// results. Agent failures are isolated; only critical-agent failures force a
// FAILED decision.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tiger/instant-dispatch/api/dispatch"
	"github.com/tiger/instant-dispatch/internal/agents/assignment"
	"github.com/tiger/instant-dispatch/internal/agents/contextprov"
	"github.com/tiger/instant-dispatch/internal/agents/emergency"
	"github.com/tiger/instant-dispatch/internal/agents/fleet"
	"github.com/tiger/instant-dispatch/internal/agents/routeopt"
	"github.com/tiger/instant-dispatch/internal/agents/slamonitor"
	"github.com/tiger/instant-dispatch/internal/config"
	"github.com/tiger/instant-dispatch/internal/core/ports"
)

const (
	riskOverload     = "OVERLOAD"
	riskTimeout      = "timeout"
	riskConflict     = "CONFLICT"
	riskOutOfZone    = "OUT_OF_COVERAGE"
	riskInfeasible   = "SLA_INFEASIBLE"
	riskHighDemand   = "HIGH_DEMAND"
	reasonOverload   = "OVERLOAD"
	reasonUnknown    = "UNKNOWN_EVENT"
	peakExpressOver  = 30
	peakTotalOver    = 100
	normalTotalUnder = 20
	riskDecayAfter   = 5 * time.Minute
)

// Mode is the coarse operating state.
type Mode string

const (
	ModeNormal    Mode = "normal"
	ModePeak      Mode = "peak"
	ModeEmergency Mode = "emergency"
)

// SystemState is the orchestrator's aggregate view, updated per event.
type SystemState struct {
	Mode           Mode
	ActiveExpress  int
	ActiveStandard int
	SLARisk        string
}

// AgentResult is one agent's outcome inside a plan run.
type AgentResult struct {
	Agent           string
	Err             error
	Elapsed         time.Duration
	DriverID        string
	Confidence      float64
	Queued          bool
	Route           *dispatch.Route
	Snapshot        *fleet.Snapshot
	SLA             *dispatch.SLAStatus
	Risks           []string
	Recommendations []string
}

// Orchestrator wires the agents behind the single Orchestrate entrypoint.
type Orchestrator struct {
	orders   ports.OrderRepository
	drivers  ports.DriverRepository
	fleet    *fleet.Agent
	monitor  *slamonitor.Monitor
	engine   *routeopt.Engine
	assigner *assignment.Assigner
	demand   *contextprov.Demand
	geo      *contextprov.Geo
	batch    *contextprov.Batch
	escalate *emergency.Escalator
	recovery *emergency.Recovery
	clock    ports.Clock
	cfg      config.Config
	log      *zap.Logger

	sem      *semaphore.Weighted
	inflight atomic.Int64

	mu          sync.Mutex
	state       SystemState
	lastWarning time.Time
	decided     map[string]dispatch.Decision
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Orders   ports.OrderRepository
	Drivers  ports.DriverRepository
	Fleet    *fleet.Agent
	Monitor  *slamonitor.Monitor
	Engine   *routeopt.Engine
	Assigner *assignment.Assigner
	Demand   *contextprov.Demand
	Geo      *contextprov.Geo
	Batch    *contextprov.Batch
	Escalate *emergency.Escalator
	Recovery *emergency.Recovery
	Clock    ports.Clock
}

func New(deps Deps, cfg config.Config, log *zap.Logger) *Orchestrator {
	cfg = cfg.Normalize()
	return &Orchestrator{
		orders:   deps.Orders,
		drivers:  deps.Drivers,
		fleet:    deps.Fleet,
		monitor:  deps.Monitor,
		engine:   deps.Engine,
		assigner: deps.Assigner,
		demand:   deps.Demand,
		geo:      deps.Geo,
		batch:    deps.Batch,
		escalate: deps.Escalate,
		recovery: deps.Recovery,
		clock:    deps.Clock,
		cfg:      cfg,
		log:      log,
		sem:      semaphore.NewWeighted(int64(cfg.Parallelism)),
		state:    SystemState{Mode: ModeNormal, SLARisk: "normal"},
		decided:  make(map[string]dispatch.Decision),
	}
}

// Orchestrate processes one event end to end. It never panics outward; any
// unhandled failure becomes an EMERGENCY_QUEUE decision.
func (o *Orchestrator) Orchestrate(ctx context.Context, event dispatch.Event) (decision dispatch.Decision) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("orchestration panic", zap.Any("panic", r), zap.String("event", string(event.Type)))
			o.setMode(ModeEmergency)
			decision = dispatch.Decision{
				Action:                     dispatch.DecisionEmergencyQueue,
				RequiresManualIntervention: true,
				Risks:                      []string{fmt.Sprintf("panic: %v", r)},
			}
		}
	}()

	if current := o.inflight.Add(1); current > int64(o.cfg.InflightMax) {
		o.inflight.Add(-1)
		return dispatch.Decision{
			Action: dispatch.DecisionQueued,
			Reason: reasonOverload,
			Risks:  []string{riskOverload},
		}
	}
	defer o.inflight.Add(-1)

	if !event.Known() {
		return dispatch.Decision{Action: dispatch.DecisionQueued, Reason: reasonUnknown}
	}
	if err := event.Validate(); err != nil {
		return dispatch.Decision{
			Action: dispatch.DecisionFailed,
			Risks:  []string{err.Error()},
		}
	}

	if event.Type == dispatch.EventNewOrder && event.OrderID != "" {
		if prior, ok := o.priorDecision(event.OrderID); ok {
			return prior
		}
	}

	start := o.clock.Now()
	ctx, cancel := context.WithTimeout(ctx, o.eventDeadline(event))
	defer cancel()

	plan := planFor(event, o.driverOfflineWithActive(ctx, event))
	results := o.runPlan(ctx, event, plan)
	decision = o.aggregate(ctx, event, plan, results)

	o.noteEvent(event, decision)
	switch {
	case event.Type == dispatch.EventNewOrder && event.OrderID != "" &&
		decision.Action != dispatch.DecisionFailed:
		o.rememberDecision(event.OrderID, decision)
	case event.Type == dispatch.EventOrderCompleted && event.OrderID != "":
		// Completed orders no longer need replay protection.
		o.forgetDecision(event.OrderID)
	}

	o.log.Info("event orchestrated",
		zap.String("event", string(event.Type)),
		zap.String("order_id", event.OrderID),
		zap.String("action", string(decision.Action)),
		zap.Duration("elapsed", o.clock.Now().Sub(start)))
	return decision
}

// State returns a copy of the aggregate counters.
func (o *Orchestrator) State() SystemState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// DecayRisk lowers slaRisk back to normal when no warning arrived within the
// decay window. Called from the scheduler tick.
func (o *Orchestrator) DecayRisk() {
	now := o.clock.Now()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.SLARisk == "high" && now.Sub(o.lastWarning) >= riskDecayAfter {
		o.state.SLARisk = "normal"
	}
}

func (o *Orchestrator) runPlan(ctx context.Context, event dispatch.Event, plan Plan) map[string]AgentResult {
	results := make(map[string]AgentResult, len(plan.Parallel)+len(plan.Sequential))
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	for _, task := range plan.Parallel {
		group.Go(func() error {
			if err := o.sem.Acquire(groupCtx, 1); err != nil {
				mu.Lock()
				results[task.Agent] = AgentResult{Agent: task.Agent, Err: err}
				mu.Unlock()
				return nil
			}
			defer o.sem.Release(1)

			result := o.runTask(groupCtx, task, event, nil)
			mu.Lock()
			results[task.Agent] = result
			mu.Unlock()
			return nil // failures are isolated, never cancel siblings
		})
	}
	_ = group.Wait()

	for _, task := range plan.Sequential {
		deps := make(map[string]AgentResult, len(task.Deps))
		ready := true
		for _, dep := range task.Deps {
			result, ok := results[dep]
			if !ok {
				ready = false
				break
			}
			deps[dep] = result
		}
		if !ready {
			results[task.Agent] = AgentResult{
				Agent: task.Agent,
				Err:   ports.Ef(ports.KindUnavailable, "orchestrator.plan", "dependency missing for %s", task.Agent),
			}
			continue
		}
		results[task.Agent] = o.runTask(ctx, task, event, deps)
	}
	return results
}

// runTask executes one agent under its own deadline and converts panics and
// errors into an AgentResult.
func (o *Orchestrator) runTask(ctx context.Context, task Task, event dispatch.Event, deps map[string]AgentResult) (result AgentResult) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = AgentResult{
				Agent: task.Agent,
				Err:   ports.Ef(ports.KindFatal, "orchestrator."+task.Agent, "agent panic: %v", r),
			}
		}
		result.Agent = task.Agent
		result.Elapsed = time.Since(started)
		if result.Err != nil {
			o.log.Warn("agent failed",
				zap.String("agent", task.Agent),
				zap.String("event", string(event.Type)),
				zap.String("order_id", event.OrderID),
				zap.Duration("elapsed", result.Elapsed),
				zap.Error(result.Err))
		}
	}()

	taskCtx, cancel := context.WithTimeout(ctx, o.cfg.AgentDeadline)
	defer cancel()

	switch task.Agent {
	case agentFleet:
		return o.runFleet(taskCtx)
	case agentSLAFeasibility, agentSLAMonitor:
		return o.runSLA(taskCtx, event)
	case agentGeo:
		return o.runGeo(taskCtx, event)
	case agentBatch:
		return o.runBatch(taskCtx)
	case agentDemand:
		return o.runDemand()
	case agentAssignment:
		return o.runAssignment(taskCtx, event, deps)
	case agentRoute:
		return o.runRoute(taskCtx, event, deps)
	case agentEscalation:
		return o.runEscalation(taskCtx, event, deps)
	case agentRecovery:
		return o.runRecovery(taskCtx, event, deps)
	case agentRebalancer:
		return o.runRebalancer(taskCtx)
	}
	return AgentResult{Err: ports.Ef(ports.KindInvalid, "orchestrator.run", "unknown agent %q", task.Agent)}
}

func (o *Orchestrator) runFleet(ctx context.Context) AgentResult {
	snap, err := o.fleet.Snapshot(ctx)
	if err != nil {
		return AgentResult{Err: err}
	}
	return AgentResult{Snapshot: &snap}
}

func (o *Orchestrator) runSLA(ctx context.Context, event dispatch.Event) AgentResult {
	if event.OrderID == "" {
		return AgentResult{}
	}
	order, err := o.orders.GetByID(ctx, event.OrderID)
	if err != nil {
		return AgentResult{Err: err}
	}
	status := o.monitor.Evaluate(ctx, order, o.clock.Now())
	result := AgentResult{SLA: &status}
	if !status.CanMeetSLA {
		result.Risks = append(result.Risks, riskInfeasible)
	}
	return result
}

func (o *Orchestrator) runGeo(ctx context.Context, event dispatch.Event) AgentResult {
	if event.OrderID == "" {
		return AgentResult{}
	}
	order, err := o.orders.GetByID(ctx, event.OrderID)
	if err != nil {
		return AgentResult{Err: err}
	}
	var result AgentResult
	if !o.geo.Locate(order.Pickup).Covered || !o.geo.Locate(order.Delivery).Covered {
		result.Risks = append(result.Risks, riskOutOfZone)
	}
	return result
}

func (o *Orchestrator) runBatch(ctx context.Context) AgentResult {
	active, err := o.orders.GetActive(ctx, ports.OrderFilter{ServiceClass: dispatch.ServiceStandard})
	if err != nil {
		return AgentResult{Err: err}
	}
	groups := o.batch.Group(active)
	var result AgentResult
	for _, group := range groups {
		if len(group) > 1 {
			result.Recommendations = append(result.Recommendations,
				fmt.Sprintf("BATCH_%d_ORDERS", len(group)))
		}
	}
	return result
}

func (o *Orchestrator) runDemand() AgentResult {
	snap := o.demand.Snapshot(o.clock.Now())
	var result AgentResult
	switch snap.Level {
	case contextprov.DemandHigh:
		result.Risks = append(result.Risks, riskHighDemand)
	case contextprov.DemandSurge:
		result.Risks = append(result.Risks, riskHighDemand)
		result.Recommendations = append(result.Recommendations, assignment.RecommendActivateStandby)
	}
	return result
}

func (o *Orchestrator) runAssignment(ctx context.Context, event dispatch.Event, deps map[string]AgentResult) AgentResult {
	if event.OrderID == "" {
		return AgentResult{Err: ports.Ef(ports.KindInvalid, "orchestrator.assignment", "event carries no order id")}
	}
	snap, err := o.snapshotFrom(ctx, deps)
	if err != nil {
		return AgentResult{Err: err}
	}

	if event.Type == dispatch.EventInternalReassign {
		status := dispatch.SLAStatus{OrderID: event.OrderID, Category: dispatch.SLACritical}
		if dep, ok := deps[agentSLAMonitor]; ok && dep.SLA != nil {
			status = *dep.SLA
		}
		res, err := o.assigner.Reassign(ctx, event.OrderID, "sla critical", status, snap)
		return assignmentResult(res, err)
	}

	order, err := o.orders.GetByID(ctx, event.OrderID)
	if err != nil {
		return AgentResult{Err: err}
	}
	res, err := o.assigner.Assign(ctx, order, snap)
	return assignmentResult(res, err)
}

func assignmentResult(res assignment.Result, err error) AgentResult {
	if err != nil {
		result := AgentResult{Err: err}
		if ports.KindOf(err) == ports.KindConflict {
			result.Risks = append(result.Risks, riskConflict)
		}
		return result
	}
	return AgentResult{
		DriverID:        res.DriverID,
		Confidence:      res.Confidence,
		Queued:          res.Queued,
		Recommendations: res.Recommendations,
	}
}

func (o *Orchestrator) runRoute(ctx context.Context, event dispatch.Event, deps map[string]AgentResult) AgentResult {
	assigned, ok := deps[agentAssignment]
	if event.Type == dispatch.EventBatchOptimization {
		// Batch runs re-plan routes for already-assigned work; nothing to do
		// without an order reference.
		if event.OrderID == "" {
			return AgentResult{}
		}
	} else {
		if !ok || assigned.Err != nil || assigned.DriverID == "" {
			return AgentResult{Err: ports.Ef(ports.KindUnavailable, "orchestrator.route", "no assignment to route")}
		}
	}

	driverID := assigned.DriverID
	if driverID == "" {
		order, err := o.orders.GetByID(ctx, event.OrderID)
		if err != nil {
			return AgentResult{Err: err}
		}
		driverID = order.AssignedDriverID
	}
	if driverID == "" {
		return AgentResult{Err: ports.Ef(ports.KindUnavailable, "orchestrator.route", "order has no driver")}
	}

	driver, err := o.drivers.GetByID(ctx, driverID)
	if err != nil {
		return AgentResult{Err: err}
	}
	order, err := o.orders.GetByID(ctx, event.OrderID)
	if err != nil {
		return AgentResult{Err: err}
	}
	route, err := o.engine.Optimize(ctx, driver, []dispatch.Order{order})
	if err != nil {
		return AgentResult{Err: err}
	}
	return AgentResult{Route: &route, DriverID: driverID}
}

func (o *Orchestrator) runEscalation(ctx context.Context, event dispatch.Event, deps map[string]AgentResult) AgentResult {
	dep := deps[agentSLAMonitor]
	if dep.SLA == nil || !dispatch.SLAAtLeast(dep.SLA.Category, dispatch.SLACritical) {
		return AgentResult{}
	}
	severity := dispatch.PriorityHigh
	if dep.SLA.Category == dispatch.SLABreached {
		severity = dispatch.PriorityCritical
	}
	esc, err := o.escalate.Initiate(ctx, dispatch.EmergencySLABreach, severity, []string{event.OrderID}, nil)
	if err != nil {
		return AgentResult{Err: err}
	}
	return AgentResult{
		SLA:   dep.SLA,
		Risks: []string{fmt.Sprintf("ESCALATED_%s", esc.Level)},
	}
}

func (o *Orchestrator) runRecovery(ctx context.Context, event dispatch.Event, deps map[string]AgentResult) AgentResult {
	if event.OrderID == "" && event.DriverID == "" {
		return AgentResult{}
	}

	failure := dispatch.FailureSLABreachRisk
	orderID := event.OrderID
	if event.Type == dispatch.EventDriverStatusChange {
		failure = dispatch.FailureDriverUnavailable
		if orderID == "" {
			driver, err := o.drivers.GetByID(ctx, event.DriverID)
			if err != nil {
				return AgentResult{Err: err}
			}
			if len(driver.ActiveOrderIDs) == 0 {
				return AgentResult{}
			}
			orderID = driver.ActiveOrderIDs[0]
		}
	}

	order, err := o.orders.GetByID(ctx, orderID)
	if err != nil {
		return AgentResult{Err: err}
	}
	delay := 0.0
	if dep, ok := deps[agentSLAMonitor]; ok && dep.SLA != nil && dep.SLA.RemainingMin < 0 {
		delay = -dep.SLA.RemainingMin
	}
	plan := o.recovery.PlanFor(emergency.Input{
		Order:    order,
		Failure:  failure,
		Attempts: order.DeliveryAttempts,
		DelayMin: delay,
		Now:      o.clock.Now(),
	})
	result := AgentResult{}
	for _, strategy := range plan.Strategies {
		result.Recommendations = append(result.Recommendations, string(strategy))
	}
	return result
}

func (o *Orchestrator) runRebalancer(ctx context.Context) AgentResult {
	snap, err := o.fleet.Snapshot(ctx)
	if err != nil {
		return AgentResult{Err: err}
	}
	var result AgentResult
	for _, zone := range o.geo.Zones() {
		if snap.ZoneDistribution[zone] == 0 {
			result.Recommendations = append(result.Recommendations, "REBALANCE_TO_"+zone)
		}
	}
	return result
}

// snapshotFrom reuses the fleet result when the plan produced one, otherwise
// takes a fresh snapshot.
func (o *Orchestrator) snapshotFrom(ctx context.Context, deps map[string]AgentResult) (fleet.Snapshot, error) {
	if dep, ok := deps[agentFleet]; ok && dep.Snapshot != nil {
		return *dep.Snapshot, nil
	}
	return o.fleet.Snapshot(ctx)
}

func (o *Orchestrator) aggregate(ctx context.Context, event dispatch.Event, plan Plan, results map[string]AgentResult) dispatch.Decision {
	decision := dispatch.Decision{}

	var criticalErr error
	for _, result := range results {
		decision.Risks = append(decision.Risks, result.Risks...)
		decision.Recommendations = append(decision.Recommendations, result.Recommendations...)
		if result.Err != nil {
			if criticalAgents[result.Agent] {
				criticalErr = multierr.Append(criticalErr,
					fmt.Errorf("%s: %w", result.Agent, result.Err))
			} else {
				decision.Risks = append(decision.Risks,
					fmt.Sprintf("%s: %v", result.Agent, result.Err))
			}
		}
	}

	if criticalErr != nil {
		o.log.Error("critical agents failed",
			zap.String("event_id", event.ID),
			zap.Error(criticalErr))
		decision.Action = dispatch.DecisionFailed
		for _, err := range multierr.Errors(criticalErr) {
			decision.Risks = append(decision.Risks, err.Error())
		}
		return decision
	}

	if assigned, ok := results[agentAssignment]; ok {
		decision.DriverID = assigned.DriverID
		decision.Confidence = assigned.Confidence
	}
	if routed, ok := results[agentRoute]; ok && routed.Route != nil {
		decision.Route = routed.Route
	}

	switch {
	case decision.DriverID != "" && decision.Route != nil:
		decision.Action = dispatch.DecisionAssigned
	case decision.DriverID != "":
		decision.Action = dispatch.DecisionAssignedPendingRoute
	default:
		decision.Action = dispatch.DecisionQueued
	}

	if ctx.Err() == context.DeadlineExceeded {
		decision.Action = dispatch.DecisionQueued
		decision.Risks = append(decision.Risks, riskTimeout)
	}
	return decision
}

func (o *Orchestrator) eventDeadline(event dispatch.Event) time.Duration {
	if event.DeadlineMS > 0 {
		return time.Duration(event.DeadlineMS) * time.Millisecond
	}
	return o.cfg.EventDeadline(event.ServiceClass)
}

func (o *Orchestrator) driverOfflineWithActive(ctx context.Context, event dispatch.Event) bool {
	if event.Type != dispatch.EventDriverStatusChange || event.DriverID == "" {
		return false
	}
	driver, err := o.drivers.GetByID(ctx, event.DriverID)
	if err != nil {
		return false
	}
	return driver.Status == dispatch.DriverOffline && len(driver.ActiveOrderIDs) > 0
}

func (o *Orchestrator) priorDecision(orderID string) (dispatch.Decision, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	decision, ok := o.decided[orderID]
	return decision, ok
}

func (o *Orchestrator) rememberDecision(orderID string, decision dispatch.Decision) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decided[orderID] = decision
}

func (o *Orchestrator) forgetDecision(orderID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.decided, orderID)
}

// RememberedDecisions reports the size of the idempotency record. Test hook.
func (o *Orchestrator) RememberedDecisions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.decided)
}

func (o *Orchestrator) setMode(mode Mode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state.Mode = mode
}

// noteEvent maintains the aggregate counters and mode transitions.
func (o *Orchestrator) noteEvent(event dispatch.Event, decision dispatch.Decision) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch event.Type {
	case dispatch.EventNewOrder:
		if event.ServiceClass == dispatch.ServiceExpress {
			o.state.ActiveExpress++
		} else {
			o.state.ActiveStandard++
		}
	case dispatch.EventOrderCompleted:
		if event.ServiceClass == dispatch.ServiceExpress && o.state.ActiveExpress > 0 {
			o.state.ActiveExpress--
		} else if o.state.ActiveStandard > 0 {
			o.state.ActiveStandard--
		}
	case dispatch.EventSLAWarning:
		o.state.SLARisk = "high"
		o.lastWarning = o.clock.Now()
	}

	total := o.state.ActiveExpress + o.state.ActiveStandard
	if o.state.Mode != ModeEmergency {
		switch {
		case o.state.ActiveExpress > peakExpressOver || total > peakTotalOver:
			o.state.Mode = ModePeak
		case total < normalTotalUnder:
			o.state.Mode = ModeNormal
		}
	}
	if decision.Action == dispatch.DecisionEmergencyQueue {
		o.state.Mode = ModeEmergency
	}
}
