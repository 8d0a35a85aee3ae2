// Package inmem provides deterministic in-memory implementations of the core
// ports for tests and the local runner.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tiger/instant-dispatch/api/dispatch"
	"github.com/tiger/instant-dispatch/internal/core/ports"
)

// OrderStore is an in-memory OrderRepository with per-key CAS semantics.
type OrderStore struct {
	mu     sync.RWMutex
	orders map[string]dispatch.Order
}

func NewOrderStore() *OrderStore {
	return &OrderStore{orders: make(map[string]dispatch.Order)}
}

// Put seeds or replaces an order record.
func (s *OrderStore) Put(order dispatch.Order) error {
	if err := order.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = order
	return nil
}

func (s *OrderStore) GetActive(_ context.Context, filter ports.OrderFilter) ([]dispatch.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statusAllowed := func(status dispatch.OrderStatus) bool {
		if len(filter.Statuses) == 0 {
			return status != dispatch.OrderDelivered && status != dispatch.OrderCancelled
		}
		for _, allowed := range filter.Statuses {
			if status == allowed {
				return true
			}
		}
		return false
	}

	active := make([]dispatch.Order, 0, len(s.orders))
	for _, order := range s.orders {
		if !statusAllowed(order.Status) {
			continue
		}
		if filter.ServiceClass != "" && order.ServiceClass != filter.ServiceClass {
			continue
		}
		active = append(active, order)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })

	if filter.Offset > 0 {
		if filter.Offset >= len(active) {
			return nil, nil
		}
		active = active[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(active) {
		active = active[:filter.Limit]
	}
	return active, nil
}

func (s *OrderStore) GetByID(_ context.Context, id string) (dispatch.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return dispatch.Order{}, ports.E(ports.KindInvalid, "order.get", fmt.Errorf("order %s: %w", id, ports.ErrNotFound))
	}
	return order, nil
}

func (s *OrderStore) UpdateStatus(_ context.Context, id string, status dispatch.OrderStatus, patch ports.OrderPatch) (dispatch.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[id]
	if !ok {
		return dispatch.Order{}, ports.E(ports.KindInvalid, "order.update", fmt.Errorf("order %s: %w", id, ports.ErrNotFound))
	}
	if patch.SLANotified != nil {
		if order.SLANotified && !*patch.SLANotified {
			return dispatch.Order{}, ports.Ef(ports.KindFatal, "order.update", "sla_notified is monotonic for order %s", id)
		}
		order.SLANotified = *patch.SLANotified
	}
	if patch.DelayNotified != nil {
		if order.DelayNotified && !*patch.DelayNotified {
			return dispatch.Order{}, ports.Ef(ports.KindFatal, "order.update", "delay_notified is monotonic for order %s", id)
		}
		order.DelayNotified = *patch.DelayNotified
	}
	if patch.DeliveryAttempts != nil {
		order.DeliveryAttempts = *patch.DeliveryAttempts
	}
	if patch.PriorityBoost != nil {
		order.PriorityBoost = *patch.PriorityBoost
	}
	if patch.ServiceClass != nil {
		order.ServiceClass = *patch.ServiceClass
	}
	order.Status = status
	s.orders[id] = order
	return order, nil
}

func (s *OrderStore) CASAssignedDriver(_ context.Context, id, expected, next string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[id]
	if !ok {
		return ports.E(ports.KindInvalid, "order.cas", fmt.Errorf("order %s: %w", id, ports.ErrNotFound))
	}
	if order.AssignedDriverID != expected {
		return ports.E(ports.KindConflict, "order.cas",
			fmt.Errorf("order %s assigned to %q, expected %q: %w", id, order.AssignedDriverID, expected, ports.ErrCASMismatch))
	}
	order.AssignedDriverID = next
	if next != "" && order.Status == dispatch.OrderPending {
		order.Status = dispatch.OrderAssigned
	}
	s.orders[id] = order
	return nil
}

// DriverStore is an in-memory DriverRepository.
type DriverStore struct {
	mu      sync.RWMutex
	drivers map[string]dispatch.Driver
}

func NewDriverStore() *DriverStore {
	return &DriverStore{drivers: make(map[string]dispatch.Driver)}
}

// Put seeds or replaces a driver record.
func (s *DriverStore) Put(driver dispatch.Driver) error {
	if err := driver.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drivers[driver.ID] = driver
	return nil
}

// Mutate applies fn to a driver record under the store lock.
func (s *DriverStore) Mutate(id string, fn func(*dispatch.Driver)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	driver, ok := s.drivers[id]
	if !ok {
		return ports.E(ports.KindInvalid, "driver.mutate", fmt.Errorf("driver %s: %w", id, ports.ErrNotFound))
	}
	fn(&driver)
	s.drivers[id] = driver
	return nil
}

func (s *DriverStore) List(_ context.Context) ([]dispatch.Driver, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]dispatch.Driver, 0, len(s.drivers))
	for _, d := range s.drivers {
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all, nil
}

func (s *DriverStore) GetByID(_ context.Context, id string) (dispatch.Driver, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	driver, ok := s.drivers[id]
	if !ok {
		return dispatch.Driver{}, ports.E(ports.KindInvalid, "driver.get", fmt.Errorf("driver %s: %w", id, ports.ErrNotFound))
	}
	return driver, nil
}

func (s *DriverStore) UpdateLocation(_ context.Context, id string, loc dispatch.DriverLocation) error {
	return s.Mutate(id, func(d *dispatch.Driver) { d.Location = loc })
}

func (s *DriverStore) UpdateStatus(_ context.Context, id string, status dispatch.DriverStatus) error {
	return s.Mutate(id, func(d *dispatch.Driver) { d.Status = status })
}

func (s *DriverStore) AddActiveOrder(_ context.Context, driverID, orderID string, class dispatch.ServiceClass) error {
	return s.Mutate(driverID, func(d *dispatch.Driver) {
		for _, existing := range d.ActiveOrderIDs {
			if existing == orderID {
				return
			}
		}
		d.ActiveOrderIDs = append(d.ActiveOrderIDs, orderID)
		if class == dispatch.ServiceExpress {
			d.ActiveExpressCount++
		} else {
			d.ActiveStandardCount++
		}
	})
}

func (s *DriverStore) RemoveActiveOrder(_ context.Context, driverID, orderID string, class dispatch.ServiceClass) error {
	return s.Mutate(driverID, func(d *dispatch.Driver) {
		kept := d.ActiveOrderIDs[:0]
		removed := false
		for _, existing := range d.ActiveOrderIDs {
			if existing == orderID {
				removed = true
				continue
			}
			kept = append(kept, existing)
		}
		d.ActiveOrderIDs = kept
		if !removed {
			return
		}
		if class == dispatch.ServiceExpress && d.ActiveExpressCount > 0 {
			d.ActiveExpressCount--
		} else if class != dispatch.ServiceExpress && d.ActiveStandardCount > 0 {
			d.ActiveStandardCount--
		}
	})
}

// Clock is a manually advanced fake clock.
type Clock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

type fakeTicker struct {
	interval time.Duration
	next     time.Time
	fn       func(now time.Time)
	stopped  bool
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) AfterEvery(interval time.Duration, fn func(now time.Time)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	ticker := &fakeTicker{interval: interval, next: c.now.Add(interval), fn: fn}
	c.tickers = append(c.tickers, ticker)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		ticker.stopped = true
	}
}

// Advance moves the clock forward, firing due tickers in time order.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	deadline := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var due *fakeTicker
		for _, ticker := range c.tickers {
			if ticker.stopped || ticker.next.After(deadline) {
				continue
			}
			if due == nil || ticker.next.Before(due.next) {
				due = ticker
			}
		}
		if due == nil {
			c.now = deadline
			c.mu.Unlock()
			return
		}
		c.now = due.next
		due.next = due.next.Add(due.interval)
		fn, now := due.fn, c.now
		c.mu.Unlock()
		fn(now)
	}
}

// Notification is one recorded outbound message.
type Notification struct {
	Channel string
	Target  string
	Subject string
	Body    string
	Payload map[string]any
}

// Notifier records outbound messages for assertions.
type Notifier struct {
	mu   sync.Mutex
	sent []Notification
	fail bool
}

func NewNotifier() *Notifier {
	return &Notifier{}
}

// FailAll makes every send return a transient error.
func (n *Notifier) FailAll(fail bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fail = fail
}

func (n *Notifier) record(note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return ports.Ef(ports.KindTransient, "notify."+note.Channel, "notifier unavailable")
	}
	n.sent = append(n.sent, note)
	return nil
}

func (n *Notifier) SMS(_ context.Context, phone, message string) error {
	return n.record(Notification{Channel: "sms", Target: phone, Body: message})
}

func (n *Notifier) Email(_ context.Context, to, subject, body string) error {
	return n.record(Notification{Channel: "email", Target: to, Subject: subject, Body: body})
}

func (n *Notifier) InApp(_ context.Context, userID string, payload map[string]any) error {
	return n.record(Notification{Channel: "in_app", Target: userID, Payload: payload})
}

func (n *Notifier) Voice(_ context.Context, phone, message string) error {
	return n.record(Notification{Channel: "voice", Target: phone, Body: message})
}

// Sent returns a copy of the recorded notifications.
func (n *Notifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

// Page is one recorded escalation gateway notification.
type Page struct {
	Level   dispatch.EscalationLevel
	Payload map[string]any
}

// EscalationGateway records pages for assertions.
type EscalationGateway struct {
	mu    sync.Mutex
	pages []Page
}

func NewEscalationGateway() *EscalationGateway {
	return &EscalationGateway{}
}

func (g *EscalationGateway) Notify(_ context.Context, level dispatch.EscalationLevel, payload map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pages = append(g.pages, Page{Level: level, Payload: payload})
	return nil
}

func (g *EscalationGateway) Pages() []Page {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Page(nil), g.pages...)
}

// Directive is one recorded autonomous trigger.
type Directive struct {
	Source   string
	Reason   string
	Context  map[string]any
	Priority dispatch.ActionPriority
}

// Autonomous records autonomous directives for assertions.
type Autonomous struct {
	mu         sync.Mutex
	directives []Directive
}

func NewAutonomous() *Autonomous {
	return &Autonomous{}
}

func (a *Autonomous) Trigger(_ context.Context, source, reason string, context map[string]any, priority dispatch.ActionPriority) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.directives = append(a.directives, Directive{Source: source, Reason: reason, Context: context, Priority: priority})
	return nil
}

func (a *Autonomous) Directives() []Directive {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Directive(nil), a.directives...)
}

// RouterFunc adapts a function to the Router port.
type RouterFunc func(ctx context.Context, from, to dispatch.LatLng) (ports.RouteLeg, error)

func (f RouterFunc) Route(ctx context.Context, from, to dispatch.LatLng) (ports.RouteLeg, error) {
	return f(ctx, from, to)
}

// OracleFunc adapts a function to the RouteOracle port.
type OracleFunc func(ctx context.Context, start dispatch.LatLng, stops []dispatch.LatLng) ([]int, error)

func (f OracleFunc) Rank(ctx context.Context, start dispatch.LatLng, stops []dispatch.LatLng) ([]int, error) {
	return f(ctx, start, stops)
}
