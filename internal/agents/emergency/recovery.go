package emergency

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tiger/instant-dispatch/api/dispatch"
)

// Strategy is one recovery move, executed in plan order.
type Strategy string

const (
	StrategyReassign        Strategy = "reassign"
	StrategyNearbySearch    Strategy = "nearby_search"
	StrategyServiceUpgrade  Strategy = "service_upgrade"
	StrategyContactCustomer Strategy = "contact_customer"
	StrategyLeaveAtDoor     Strategy = "leave_at_door"
	StrategyReschedule      Strategy = "reschedule"
	StrategyGPSVerify       Strategy = "gps_verify"
	StrategyLandmark        Strategy = "landmark_navigation"
	StrategyCustomerCall    Strategy = "customer_call"
	StrategyEmergencyMove   Strategy = "emergency_reassignment"
	StrategyCompensation    Strategy = "compensation"
	StrategyRecomputeRoute  Strategy = "recompute_route"
	StrategyNotifyCustomer  Strategy = "notify_customer"
	StrategyPriorityRouting Strategy = "priority_routing"
	StrategyReplacement     Strategy = "replacement"
	StrategyEscalate        Strategy = "escalate"
)

const (
	recoveryCompensationCap = 25.0
	compensationBaseExpress = 10.0
	compensationBaseStd     = 5.0
	contactAttempts         = 3
	rescheduleSlots         = 3
	multipleFailuresAt      = 2
	escalateBelow           = 0.6
)

var contactChannels = []string{"voice", "sms", "in_app"}

// Input describes one failed delivery needing a recovery plan.
type Input struct {
	Order            dispatch.Order
	Failure          dispatch.FailureType
	Attempts         int
	DelayMin         float64
	LeaveAtDoorOptIn bool
	Now              time.Time
}

// ContactAttempt is one scheduled customer contact.
type ContactAttempt struct {
	Channel string
	Attempt int
}

// Plan is an ordered recovery programme for one order.
type Plan struct {
	OrderID            string
	Failure            dispatch.FailureType
	Strategies         []Strategy
	Actions            []dispatch.Action
	Contacts           []ContactAttempt
	RescheduleSlots    []time.Time
	SuccessProbability float64
}

// Recovery builds recovery plans. Stateless; safe for concurrent use.
type Recovery struct {
	log *zap.Logger
}

func NewRecovery(log *zap.Logger) *Recovery {
	return &Recovery{log: log}
}

// PlanFor picks the strategy chain for the failure and prices any
// compensation. Two or more prior attempts override the failure-specific
// chain with escalate plus compensation.
func (r *Recovery) PlanFor(in Input) Plan {
	failure := in.Failure
	if in.Attempts >= multipleFailuresAt {
		failure = dispatch.FailureMultiple
	}

	plan := Plan{
		OrderID: in.Order.ID,
		Failure: failure,
	}

	switch failure {
	case dispatch.FailureDriverUnavailable:
		plan.Strategies = []Strategy{StrategyReassign, StrategyNearbySearch, StrategyServiceUpgrade}
	case dispatch.FailureCustomerUnavailable:
		plan.Strategies = []Strategy{StrategyContactCustomer}
		for attempt := 1; attempt <= contactAttempts; attempt++ {
			for _, channel := range contactChannels {
				plan.Contacts = append(plan.Contacts, ContactAttempt{Channel: channel, Attempt: attempt})
			}
		}
		if in.LeaveAtDoorOptIn {
			plan.Strategies = append(plan.Strategies, StrategyLeaveAtDoor)
		} else {
			plan.Strategies = append(plan.Strategies, StrategyReschedule)
			for i := 1; i <= rescheduleSlots; i++ {
				plan.RescheduleSlots = append(plan.RescheduleSlots, in.Now.Add(time.Duration(i)*time.Hour))
			}
		}
	case dispatch.FailureAddressIssue:
		plan.Strategies = []Strategy{StrategyGPSVerify, StrategyLandmark, StrategyCustomerCall}
	case dispatch.FailureVehicleBreakdown:
		plan.Strategies = []Strategy{StrategyEmergencyMove, StrategyCompensation}
		plan.Actions = append(plan.Actions, r.compensationAction(in))
	case dispatch.FailureTrafficDelay:
		plan.Strategies = []Strategy{StrategyRecomputeRoute, StrategyNotifyCustomer}
	case dispatch.FailureSLABreachRisk:
		plan.Strategies = []Strategy{StrategyPriorityRouting, StrategyServiceUpgrade}
	case dispatch.FailurePackageDamage:
		plan.Strategies = []Strategy{StrategyReplacement, StrategyCompensation}
		plan.Actions = append(plan.Actions, r.compensationAction(in))
	case dispatch.FailureMultiple:
		plan.Strategies = []Strategy{StrategyEscalate, StrategyCompensation}
		plan.Actions = append(plan.Actions, r.compensationAction(in))
	default:
		plan.Strategies = []Strategy{StrategyEscalate}
	}

	plan.SuccessProbability = successProbability(in.Attempts, plan.Strategies)
	if plan.SuccessProbability < escalateBelow && !hasStrategy(plan.Strategies, StrategyEscalate) {
		plan.Strategies = append(plan.Strategies, StrategyEscalate)
	}

	if r.log != nil {
		r.log.Info("recovery plan built",
			zap.String("order_id", in.Order.ID),
			zap.String("failure", string(failure)),
			zap.Int("attempts", in.Attempts),
			zap.Float64("success_probability", plan.SuccessProbability))
	}
	return plan
}

// successProbability starts at 0.8, loses 0.15 per prior attempt, and earns
// back 0.10 for escalation and 0.15 for a service upgrade, clipped to
// [0.1, 1.0].
func successProbability(attempts int, strategies []Strategy) float64 {
	p := 0.8 - 0.15*float64(attempts)
	for _, s := range strategies {
		switch s {
		case StrategyEscalate:
			p += 0.10
		case StrategyServiceUpgrade:
			p += 0.15
		}
	}
	if p < 0.1 {
		return 0.1
	}
	if p > 1.0 {
		return 1.0
	}
	return p
}

func (r *Recovery) compensationAction(in Input) dispatch.Action {
	base := compensationBaseStd
	if in.Order.ServiceClass == dispatch.ServiceExpress {
		base = compensationBaseExpress
	}
	amount := base + float64(int(in.DelayMin)/15)*2
	if amount > recoveryCompensationCap {
		amount = recoveryCompensationCap
	}
	return dispatch.Action{
		Type:      dispatch.ActionCustomerCompensation,
		Priority:  dispatch.PriorityHigh,
		Immediate: true,
		OrderID:   in.Order.ID,
		AmountSAR: amount,
		Reason:    fmt.Sprintf("recovery after %s", in.Failure),
	}
}

func hasStrategy(strategies []Strategy, want Strategy) bool {
	for _, s := range strategies {
		if s == want {
			return true
		}
	}
	return false
}
