package dispatch

import (
	"fmt"
	"time"
)

// ServiceClass identifies the SLA class an order was sold under.
type ServiceClass string

const (
	ServiceExpress  ServiceClass = "EXPRESS"
	ServiceStandard ServiceClass = "STANDARD"
)

// OrderStatus tracks an order through its delivery lifecycle.
type OrderStatus string

const (
	OrderPending            OrderStatus = "pending"
	OrderAssigned           OrderStatus = "assigned"
	OrderPickupInProgress   OrderStatus = "pickup_in_progress"
	OrderDeliveryInProgress OrderStatus = "delivery_in_progress"
	OrderDelivered          OrderStatus = "delivered"
	OrderCancelled          OrderStatus = "cancelled"
)

// VehicleType identifies fleet vehicle classes.
type VehicleType string

const (
	VehicleBike VehicleType = "BIKE"
	VehicleCar  VehicleType = "CAR"
	VehicleVan  VehicleType = "VAN"
)

// DriverStatus is the coarse availability bucket a driver reports or is derived into.
type DriverStatus string

const (
	DriverAvailable DriverStatus = "AVAILABLE"
	DriverBusy      DriverStatus = "BUSY"
	DriverBreak     DriverStatus = "BREAK"
	DriverOffline   DriverStatus = "OFFLINE"
	DriverFull      DriverStatus = "FULL"
)

// SLACategory classifies an in-flight order against its SLA clock.
type SLACategory string

const (
	SLAHealthy  SLACategory = "healthy"
	SLAWarning  SLACategory = "warning"
	SLACritical SLACategory = "critical"
	SLABreached SLACategory = "breached"
)

// categoryRank orders SLA categories for monotonicity checks.
var categoryRank = map[SLACategory]int{
	SLAHealthy:  0,
	SLAWarning:  1,
	SLACritical: 2,
	SLABreached: 3,
}

// WorseSLA returns the more severe of two SLA categories.
func WorseSLA(a, b SLACategory) SLACategory {
	if categoryRank[b] > categoryRank[a] {
		return b
	}
	return a
}

// SLAAtLeast reports whether category a is at least as severe as b.
func SLAAtLeast(a, b SLACategory) bool {
	return categoryRank[a] >= categoryRank[b]
}

// EventType enumerates the external and internal events the orchestrator accepts.
type EventType string

const (
	EventNewOrder           EventType = "NEW_ORDER"
	EventSLAWarning         EventType = "SLA_WARNING"
	EventDriverStatusChange EventType = "DRIVER_STATUS_CHANGE"
	EventBatchOptimization  EventType = "BATCH_OPTIMIZATION"
	EventOrderCompleted     EventType = "ORDER_COMPLETED"
	EventInternalReassign   EventType = "INTERNAL_REASSIGN"
	EventInternalEscalate   EventType = "INTERNAL_ESCALATE"
)

// DecisionAction is the terminal disposition the orchestrator reports per event.
type DecisionAction string

const (
	DecisionAssigned             DecisionAction = "ASSIGNED"
	DecisionAssignedPendingRoute DecisionAction = "ASSIGNED_PENDING_ROUTE"
	DecisionQueued               DecisionAction = "QUEUED"
	DecisionFailed               DecisionAction = "FAILED"
	DecisionEmergencyQueue       DecisionAction = "EMERGENCY_QUEUE"
)

// ActionPriority ranks corrective actions.
type ActionPriority string

const (
	PriorityLow      ActionPriority = "low"
	PriorityMedium   ActionPriority = "medium"
	PriorityHigh     ActionPriority = "high"
	PriorityCritical ActionPriority = "critical"
)

// ActionType enumerates corrective actions produced by the SLA monitor and recovery.
type ActionType string

const (
	ActionCustomerCompensation   ActionType = "customer_compensation"
	ActionCustomerNotification   ActionType = "customer_notification"
	ActionIncidentReport         ActionType = "incident_report"
	ActionEmergencyReassignment  ActionType = "emergency_reassignment"
	ActionExpediteDelivery       ActionType = "expedite_delivery"
	ActionSupervisorAlert        ActionType = "supervisor_alert"
	ActionOptimizeRoute          ActionType = "optimize_route"
	ActionProactiveCommunication ActionType = "proactive_communication"
)

// RouteQuality grades a produced route.
type RouteQuality string

const (
	QualityExcellent  RouteQuality = "excellent"
	QualityGood       RouteQuality = "good"
	QualityAcceptable RouteQuality = "acceptable"
	QualityPoor       RouteQuality = "poor"
	QualityFallback   RouteQuality = "fallback"
	QualityCached     RouteQuality = "cached"
)

// StopType tags a route stop.
type StopType string

const (
	StopStart    StopType = "start"
	StopPickup   StopType = "pickup"
	StopDelivery StopType = "delivery"
	StopEnd      StopType = "end"
)

// EscalationLevel is the organisational tier engaged on an escalation.
type EscalationLevel string

const (
	LevelSupervisor EscalationLevel = "L1"
	LevelManager    EscalationLevel = "L2"
	LevelDirector   EscalationLevel = "L3"
	LevelExecutive  EscalationLevel = "L4"
)

var levelRank = map[EscalationLevel]int{
	LevelSupervisor: 1,
	LevelManager:    2,
	LevelDirector:   3,
	LevelExecutive:  4,
}

// LevelRank returns the numeric rank of an escalation level (L1=1 .. L4=4).
func LevelRank(l EscalationLevel) int {
	return levelRank[l]
}

// BumpLevel raises an escalation level by one step, saturating at L4.
func BumpLevel(l EscalationLevel) EscalationLevel {
	switch l {
	case LevelSupervisor:
		return LevelManager
	case LevelManager:
		return LevelDirector
	case LevelDirector:
		return LevelExecutive
	default:
		return LevelExecutive
	}
}

// EmergencyType enumerates emergency classifications.
type EmergencyType string

const (
	EmergencySLABreach          EmergencyType = "SLA_BREACH"
	EmergencyMassSLABreach      EmergencyType = "MASS_SLA_BREACH"
	EmergencyDriver             EmergencyType = "DRIVER_EMERGENCY"
	EmergencySystemFailure      EmergencyType = "SYSTEM_FAILURE"
	EmergencySecurityIncident   EmergencyType = "SECURITY_INCIDENT"
	EmergencyFleetShortage      EmergencyType = "FLEET_SHORTAGE"
	EmergencyWeather            EmergencyType = "WEATHER_EMERGENCY"
	EmergencyCustomerEscalation EmergencyType = "CUSTOMER_ESCALATION"
)

// EscalationStatus tracks an escalation's lifecycle.
type EscalationStatus string

const (
	EscalationInitiated EscalationStatus = "initiated"
	EscalationActive    EscalationStatus = "active"
	EscalationResolved  EscalationStatus = "resolved"
	EscalationFailed    EscalationStatus = "failed"
	EscalationFallback  EscalationStatus = "fallback"
)

// FailureType enumerates order-recovery failure classifications.
type FailureType string

const (
	FailureDriverUnavailable   FailureType = "DRIVER_UNAVAILABLE"
	FailureCustomerUnavailable FailureType = "CUSTOMER_UNAVAILABLE"
	FailureAddressIssue        FailureType = "ADDRESS_ISSUE"
	FailureVehicleBreakdown    FailureType = "VEHICLE_BREAKDOWN"
	FailureTrafficDelay        FailureType = "TRAFFIC_DELAY"
	FailureSLABreachRisk       FailureType = "SLA_BREACH_RISK"
	FailurePackageDamage       FailureType = "PACKAGE_DAMAGE"
	FailureMultiple            FailureType = "MULTIPLE_FAILURES"
)

// LatLng is a WGS-84 coordinate pair.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// DriverLocation is a driver position with its report time.
type DriverLocation struct {
	LatLng
	ReportedAt time.Time `json:"reported_at"`
}

// Order is the canonical order record owned by the OrderRepository.
type Order struct {
	ID               string       `json:"id"`
	ServiceClass     ServiceClass `json:"service_class"`
	Status           OrderStatus  `json:"status"`
	CreatedAt        time.Time    `json:"created_at"`
	PromisedAt       time.Time    `json:"promised_at"`
	Pickup           LatLng       `json:"pickup"`
	Delivery         LatLng       `json:"delivery"`
	Priority         int          `json:"priority"`
	AssignedDriverID string       `json:"assigned_driver_id,omitempty"`
	PriorityBoost    int          `json:"priority_boost,omitempty"`
	DeliveryAttempts int          `json:"delivery_attempts"`
	SLANotified      bool         `json:"sla_notified"`
	DelayNotified    bool         `json:"delay_notified"`
}

// Terminal reports whether the order has left the in-flight set.
func (o Order) Terminal() bool {
	return o.Status == OrderDelivered || o.Status == OrderCancelled
}

func (o Order) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("order id is required")
	}
	if o.ServiceClass != ServiceExpress && o.ServiceClass != ServiceStandard {
		return fmt.Errorf("order %s has invalid service class %q", o.ID, o.ServiceClass)
	}
	if o.Priority < 1 || o.Priority > 10 {
		return fmt.Errorf("order %s priority must be in 1..10, got %d", o.ID, o.Priority)
	}
	return nil
}

// Driver is the canonical driver record owned by the DriverRepository.
type Driver struct {
	ID                    string         `json:"id"`
	VehicleType           VehicleType    `json:"vehicle_type"`
	Status                DriverStatus   `json:"status"`
	Location              DriverLocation `json:"location"`
	ActiveOrderIDs        []string       `json:"active_order_ids"`
	ActiveExpressCount    int            `json:"active_express_count"`
	ActiveStandardCount   int            `json:"active_standard_count"`
	ContinuousMinutes     int            `json:"continuous_minutes"`
	OrdersToday           int            `json:"orders_today"`
	LastBreakAt           time.Time      `json:"last_break_at"`
	BatteryPct            int            `json:"battery_pct"`
	Rating                float64        `json:"rating"`
	ExpressSuccessRate    float64        `json:"express_success_rate"`
	EstimatedCompletionAt time.Time      `json:"estimated_completion_at,omitempty"`
}

func (d Driver) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("driver id is required")
	}
	switch d.VehicleType {
	case VehicleBike, VehicleCar, VehicleVan:
	default:
		return fmt.Errorf("driver %s has invalid vehicle type %q", d.ID, d.VehicleType)
	}
	return nil
}

// Capacity is the per-vehicle-type concurrent order cap, split by SLA class.
type Capacity struct {
	Express  int `json:"express"`
	Standard int `json:"standard"`
}

// Total is the combined cap across both service classes.
func (c Capacity) Total() int {
	return c.Express + c.Standard
}

// Max returns the larger of the two class caps.
func (c Capacity) Max() int {
	if c.Express > c.Standard {
		return c.Express
	}
	return c.Standard
}

// Stop is one waypoint on a route.
type Stop struct {
	ID               string    `json:"id"`
	Type             StopType  `json:"type"`
	OrderID          string    `json:"order_id,omitempty"`
	Location         LatLng    `json:"location"`
	ServiceTimeMin   float64   `json:"service_time_min"`
	EstimatedArrival time.Time `json:"estimated_arrival"`
	Priority         int       `json:"priority"`
}

// Segment is one leg between consecutive stops.
type Segment struct {
	FromStopID       string  `json:"from_stop_id"`
	ToStopID         string  `json:"to_stop_id"`
	DistanceKm       float64 `json:"distance_km"`
	DurationMin      float64 `json:"duration_min"`
	TrafficCondition string  `json:"traffic_condition,omitempty"`
}

// Route is an ephemeral optimized route produced by the route engine.
type Route struct {
	ID               string       `json:"id"`
	DriverID         string       `json:"driver_id"`
	Stops            []Stop       `json:"stops"`
	Segments         []Segment    `json:"segments"`
	TotalDistanceKm  float64      `json:"total_distance_km"`
	TotalDurationMin float64      `json:"total_duration_min"`
	Quality          RouteQuality `json:"quality"`
}

func (r Route) Validate() error {
	if len(r.Stops) == 0 {
		return fmt.Errorf("route requires at least one stop")
	}
	if r.Stops[0].Type != StopStart {
		return fmt.Errorf("route must begin with a start stop, got %q", r.Stops[0].Type)
	}
	last := r.Stops[len(r.Stops)-1].Type
	if last != StopDelivery && last != StopEnd {
		return fmt.Errorf("route must end with a delivery or end stop, got %q", last)
	}
	var sum float64
	for _, seg := range r.Segments {
		sum += seg.DistanceKm
	}
	if diff := sum - r.TotalDistanceKm; diff > 1e-6 || diff < -1e-6 {
		return fmt.Errorf("route total distance %.6f does not match segment sum %.6f", r.TotalDistanceKm, sum)
	}
	return nil
}

// SLAStatus is the per-tick SLA evaluation of one order. Never stored canonically.
type SLAStatus struct {
	OrderID              string       `json:"order_id"`
	ServiceClass         ServiceClass `json:"service_class"`
	ElapsedMin           float64      `json:"elapsed_min"`
	RemainingMin         float64      `json:"remaining_min"`
	Category             SLACategory  `json:"category"`
	PredictedDeliveryMin float64      `json:"predicted_delivery_min"`
	CanMeetSLA           bool         `json:"can_meet_sla"`
	AlertRequired        bool         `json:"alert_required"`
	ActionRequired       bool         `json:"action_required"`
}

// Event is one unit of work delivered to the orchestrator.
type Event struct {
	ID           string         `json:"id,omitempty"`
	Type         EventType      `json:"type"`
	OrderID      string         `json:"order_id,omitempty"`
	DriverID     string         `json:"driver_id,omitempty"`
	ServiceClass ServiceClass   `json:"service_class,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	DeadlineMS   int64          `json:"deadline_ms,omitempty"`
}

// Known reports whether the event type is one the orchestrator plans for.
func (e Event) Known() bool {
	switch e.Type {
	case EventNewOrder, EventSLAWarning, EventDriverStatusChange,
		EventBatchOptimization, EventOrderCompleted,
		EventInternalReassign, EventInternalEscalate:
		return true
	}
	return false
}

func (e Event) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if e.Type == EventNewOrder {
		if e.OrderID == "" {
			return fmt.Errorf("NEW_ORDER event requires order_id")
		}
		if e.ServiceClass != ServiceExpress && e.ServiceClass != ServiceStandard {
			return fmt.Errorf("NEW_ORDER event requires a valid service_class, got %q", e.ServiceClass)
		}
	}
	if e.Type == EventDriverStatusChange && e.DriverID == "" {
		return fmt.Errorf("DRIVER_STATUS_CHANGE event requires driver_id")
	}
	if e.DeadlineMS < 0 {
		return fmt.Errorf("deadline_ms must be >= 0")
	}
	return nil
}

// Action is one corrective action produced by the SLA monitor or recovery.
type Action struct {
	Type      ActionType     `json:"type"`
	Priority  ActionPriority `json:"priority"`
	Immediate bool           `json:"immediate"`
	OrderID   string         `json:"order_id"`
	Target    string         `json:"target,omitempty"`
	AmountSAR float64        `json:"amount_sar,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

// TimelineEntry is one append-only escalation lifecycle record.
type TimelineEntry struct {
	At      time.Time `json:"at"`
	Stage   string    `json:"stage"`
	Detail  string    `json:"detail,omitempty"`
	Actor   string    `json:"actor,omitempty"`
	Level   string    `json:"level,omitempty"`
	OrderID string    `json:"order_id,omitempty"`
}

// Escalation is an emergency escalation record owned by the escalation store.
type Escalation struct {
	ID              string           `json:"id"`
	Level           EscalationLevel  `json:"level"`
	EmergencyType   EmergencyType    `json:"emergency_type"`
	Severity        ActionPriority   `json:"severity"`
	AffectedOrders  []string         `json:"affected_orders"`
	AffectedDrivers []string         `json:"affected_drivers"`
	Actions         []Action         `json:"actions"`
	Timeline        []TimelineEntry  `json:"timeline"`
	Status          EscalationStatus `json:"status"`
	InitiatedAt     time.Time        `json:"initiated_at"`
}

func (e Escalation) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("escalation id is required")
	}
	if len(e.AffectedOrders) == 0 && len(e.AffectedDrivers) == 0 {
		return fmt.Errorf("escalation %s must reference at least one order or driver", e.ID)
	}
	if _, ok := levelRank[e.Level]; !ok {
		return fmt.Errorf("escalation %s has invalid level %q", e.ID, e.Level)
	}
	return nil
}

// Decision is the single value the orchestrator returns per event.
type Decision struct {
	Action                     DecisionAction `json:"action"`
	DriverID                   string         `json:"driver_id,omitempty"`
	Route                      *Route         `json:"route,omitempty"`
	Confidence                 float64        `json:"confidence"`
	Risks                      []string       `json:"risks,omitempty"`
	Recommendations            []string       `json:"recommendations,omitempty"`
	Reason                     string         `json:"reason,omitempty"`
	RequiresManualIntervention bool           `json:"requires_manual_intervention,omitempty"`
}
