package orchestrator

import (
	"github.com/tiger/instant-dispatch/api/dispatch"
)

// Agent task names used in plans and result maps.
const (
	agentFleet          = "fleet-status"
	agentSLAFeasibility = "sla-feasibility"
	agentGeo            = "geo-context"
	agentBatch          = "batch-optimization"
	agentDemand         = "demand-prediction"
	agentAssignment     = "order-assignment"
	agentRoute          = "route-optimization"
	agentSLAMonitor     = "sla-monitor"
	agentEscalation     = "emergency-escalation"
	agentRecovery       = "order-recovery"
	agentRebalancer     = "fleet-rebalancer"
)

// criticalAgents force a FAILED decision when they error.
var criticalAgents = map[string]bool{
	agentAssignment: true,
	agentFleet:      true,
	agentSLAMonitor: true,
}

// Task is one agent invocation inside a plan.
type Task struct {
	Agent    string
	Priority dispatch.ActionPriority
	Deps     []string
}

// Plan is the two-phase execution programme for one event.
type Plan struct {
	Parallel   []Task
	Sequential []Task
}

// planFor builds the execution plan for an event. driverOfflineWithActive is
// only consulted for DRIVER_STATUS_CHANGE.
func planFor(event dispatch.Event, driverOfflineWithActive bool) Plan {
	switch event.Type {
	case dispatch.EventNewOrder:
		if event.ServiceClass == dispatch.ServiceExpress {
			return Plan{
				Parallel: []Task{
					{Agent: agentFleet, Priority: dispatch.PriorityCritical},
					{Agent: agentSLAFeasibility, Priority: dispatch.PriorityHigh},
					{Agent: agentGeo, Priority: dispatch.PriorityMedium},
				},
				Sequential: []Task{
					{Agent: agentAssignment, Priority: dispatch.PriorityCritical, Deps: []string{agentFleet, agentSLAFeasibility}},
					{Agent: agentRoute, Priority: dispatch.PriorityHigh, Deps: []string{agentAssignment}},
				},
			}
		}
		return Plan{
			Parallel: []Task{
				{Agent: agentFleet, Priority: dispatch.PriorityHigh},
				{Agent: agentBatch, Priority: dispatch.PriorityMedium},
				{Agent: agentDemand, Priority: dispatch.PriorityLow},
			},
			Sequential: []Task{
				{Agent: agentAssignment, Priority: dispatch.PriorityHigh, Deps: []string{agentBatch}},
				{Agent: agentRoute, Priority: dispatch.PriorityMedium, Deps: []string{agentAssignment}},
			},
		}
	case dispatch.EventSLAWarning:
		return Plan{
			Parallel: []Task{
				{Agent: agentSLAMonitor, Priority: dispatch.PriorityCritical},
				{Agent: agentFleet, Priority: dispatch.PriorityHigh},
			},
			Sequential: []Task{
				{Agent: agentEscalation, Priority: dispatch.PriorityCritical, Deps: []string{agentSLAMonitor}},
				{Agent: agentRecovery, Priority: dispatch.PriorityHigh, Deps: []string{agentEscalation}},
			},
		}
	case dispatch.EventDriverStatusChange:
		plan := Plan{
			Parallel: []Task{
				{Agent: agentFleet, Priority: dispatch.PriorityHigh},
				{Agent: agentRebalancer, Priority: dispatch.PriorityMedium},
			},
		}
		if driverOfflineWithActive {
			plan.Sequential = append(plan.Sequential,
				Task{Agent: agentRecovery, Priority: dispatch.PriorityCritical, Deps: []string{agentFleet}})
		}
		return plan
	case dispatch.EventBatchOptimization:
		return Plan{
			Parallel: []Task{
				{Agent: agentBatch, Priority: dispatch.PriorityHigh},
				{Agent: agentFleet, Priority: dispatch.PriorityMedium},
			},
			Sequential: []Task{
				{Agent: agentRoute, Priority: dispatch.PriorityMedium, Deps: []string{agentBatch}},
			},
		}
	case dispatch.EventInternalReassign:
		return Plan{
			Parallel: []Task{
				{Agent: agentFleet, Priority: dispatch.PriorityCritical},
				{Agent: agentSLAMonitor, Priority: dispatch.PriorityHigh},
			},
			Sequential: []Task{
				{Agent: agentAssignment, Priority: dispatch.PriorityCritical, Deps: []string{agentFleet}},
				{Agent: agentRoute, Priority: dispatch.PriorityHigh, Deps: []string{agentAssignment}},
			},
		}
	case dispatch.EventInternalEscalate:
		return Plan{
			Parallel: []Task{
				{Agent: agentSLAMonitor, Priority: dispatch.PriorityCritical},
			},
			Sequential: []Task{
				{Agent: agentEscalation, Priority: dispatch.PriorityCritical, Deps: []string{agentSLAMonitor}},
			},
		}
	case dispatch.EventOrderCompleted:
		return Plan{
			Parallel: []Task{
				{Agent: agentFleet, Priority: dispatch.PriorityLow},
			},
		}
	}
	return Plan{}
}
