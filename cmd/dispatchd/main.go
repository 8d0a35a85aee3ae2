// dispatchd runs the decision core as a single-node process: events arrive as
// JSON lines on stdin, decisions leave as JSON lines on stdout. Repositories
// are in-memory and seeded with a demo fleet, so the binary doubles as a local
// smoke harness.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tiger/instant-dispatch/api/dispatch"
	"github.com/tiger/instant-dispatch/internal/agents/assignment"
	"github.com/tiger/instant-dispatch/internal/agents/contextprov"
	"github.com/tiger/instant-dispatch/internal/agents/emergency"
	"github.com/tiger/instant-dispatch/internal/agents/fleet"
	"github.com/tiger/instant-dispatch/internal/agents/routeopt"
	"github.com/tiger/instant-dispatch/internal/agents/slamonitor"
	"github.com/tiger/instant-dispatch/internal/config"
	"github.com/tiger/instant-dispatch/internal/core/geo"
	"github.com/tiger/instant-dispatch/internal/core/ports"
	"github.com/tiger/instant-dispatch/internal/core/ports/inmem"
	"github.com/tiger/instant-dispatch/internal/intake"
	"github.com/tiger/instant-dispatch/internal/observability/metrics"
	"github.com/tiger/instant-dispatch/internal/orchestrator"
	"github.com/tiger/instant-dispatch/internal/scheduler"
)

const defaultMetricsAddr = ":9402"

func main() {
	if err := run(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "dispatchd: %v\n", err)
		os.Exit(1)
	}
}

// eventFeeder re-injects internal events produced by the monitor and
// assignment paths back into the orchestrator.
type eventFeeder struct {
	events chan dispatch.Event
}

func (f *eventFeeder) Inject(event dispatch.Event) {
	select {
	case f.events <- event:
	default:
		// A full internal queue drops the event; the next SLA tick
		// regenerates it.
	}
}

func run(stdin io.Reader, stdout io.Writer) error {
	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := config.Default()
	// Stagger background ticks so multiple instances do not poll in lockstep.
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	cfg.FleetTick = geo.Jitter(cfg.FleetTick, 0.1, rng)
	cfg.TrafficTick = geo.Jitter(cfg.TrafficTick, 0.1, rng)

	clock := ports.SystemClock{}
	orders := inmem.NewOrderStore()
	drivers := inmem.NewDriverStore()
	notifier := inmem.NewNotifier()
	gateway := inmem.NewEscalationGateway()
	autonomous := inmem.NewAutonomous()
	feeder := &eventFeeder{events: make(chan dispatch.Event, 64)}

	seedDemoFleet(drivers, clock.Now())

	registry := prometheus.NewRegistry()
	set := metrics.New(registry)

	fleetAgent := fleet.New(drivers, clock, cfg, log)
	monitor := slamonitor.New(orders, drivers, autonomous, clock, feeder, cfg, log)
	demand := contextprov.NewDemand(cfg, time.Now().UnixNano(), log)
	traffic := contextprov.NewTraffic(cfg, time.Now().UnixNano(), log)
	engine := routeopt.New(nil, nil, traffic, clock, cfg, log)
	assigner := assignment.New(orders, drivers, notifier, clock, feeder, cfg, log)
	escalator := emergency.NewEscalator(gateway, clock, nil, log)

	orch := orchestrator.New(orchestrator.Deps{
		Orders:   orders,
		Drivers:  drivers,
		Fleet:    fleetAgent,
		Monitor:  monitor,
		Engine:   engine,
		Assigner: assigner,
		Demand:   demand,
		Geo:      contextprov.NewGeo(cfg),
		Batch:    contextprov.NewBatch(),
		Escalate: escalator,
		Recovery: emergency.NewRecovery(log),
		Clock:    clock,
	}, cfg, log)

	sched := scheduler.New(clock, cfg, log)
	sched.Start(ctx, scheduler.Hooks{
		SLATick: func(ctx context.Context, _ time.Time) {
			report := monitor.Tick(ctx)
			orch.DecayRisk()
			for category, n := range map[string]int{
				"healthy":  report.Counts.Healthy,
				"warning":  report.Counts.Warning,
				"critical": report.Counts.Critical,
				"breached": report.Counts.Breached,
			} {
				set.SLACategory.WithLabelValues(category).Set(float64(n))
			}
		},
		FleetTick: func(ctx context.Context, _ time.Time) {
			if _, err := fleetAgent.Snapshot(ctx); err != nil {
				log.Warn("fleet tick failed", zap.Error(err))
			}
		},
		DemandTick: func(_ context.Context, now time.Time) {
			demand.Snapshot(now)
		},
		TrafficTick: func(_ context.Context, now time.Time) {
			traffic.Conditions(now)
		},
	})
	defer sched.Stop()

	stopChecker := escalator.StartChecker(ctx)
	defer stopChecker()

	metricsServer := &http.Server{Addr: defaultMetricsAddr, Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-feeder.events:
				started := clock.Now()
				decision := orch.Orchestrate(ctx, event)
				set.ObserveEvent(string(event.Type), string(decision.Action), clock.Now().Sub(started))
			}
		}
	}()

	decoder, err := intake.NewDecoder()
	if err != nil {
		return fmt.Errorf("build intake decoder: %w", err)
	}

	log.Info("dispatchd ready", zap.String("metrics_addr", defaultMetricsAddr))
	encoder := json.NewEncoder(stdout)
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		event, err := decoder.Decode(line)
		if err != nil {
			if encodeErr := encoder.Encode(map[string]string{"error": err.Error()}); encodeErr != nil {
				return encodeErr
			}
			continue
		}
		seedOrderFromEvent(orders, event, clock.Now())

		started := clock.Now()
		decision := orch.Orchestrate(ctx, event)
		set.ObserveEvent(string(event.Type), string(decision.Action), clock.Now().Sub(started))
		if err := encoder.Encode(decision); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// seedOrderFromEvent materialises NEW_ORDER payloads into the order store so
// piped demo events work without a separate order service.
func seedOrderFromEvent(orders *inmem.OrderStore, event dispatch.Event, now time.Time) {
	if event.Type != dispatch.EventNewOrder || event.OrderID == "" {
		return
	}
	if _, err := orders.GetByID(context.Background(), event.OrderID); err == nil {
		return
	}
	order := dispatch.Order{
		ID:           event.OrderID,
		ServiceClass: event.ServiceClass,
		Status:       dispatch.OrderPending,
		CreatedAt:    now,
		Priority:     5,
		Pickup:       latLngFromPayload(event.Payload, "pickup", dispatch.LatLng{Lat: 24.7136, Lng: 46.6753}),
		Delivery:     latLngFromPayload(event.Payload, "delivery", dispatch.LatLng{Lat: 24.72, Lng: 46.68}),
	}
	if event.ServiceClass == dispatch.ServiceExpress {
		order.PromisedAt = now.Add(time.Hour)
	} else {
		order.PromisedAt = now.Add(4 * time.Hour)
	}
	_ = orders.Put(order)
}

func latLngFromPayload(payload map[string]any, key string, fallback dispatch.LatLng) dispatch.LatLng {
	point, ok := payload[key].(map[string]any)
	if !ok {
		return fallback
	}
	lat, latOK := point["lat"].(float64)
	lng, lngOK := point["lng"].(float64)
	if !latOK || !lngOK {
		return fallback
	}
	return dispatch.LatLng{Lat: lat, Lng: lng}
}

func seedDemoFleet(drivers *inmem.DriverStore, now time.Time) {
	demo := []dispatch.Driver{
		{
			ID: "drv-bike-1", VehicleType: dispatch.VehicleBike, Status: dispatch.DriverAvailable,
			Location:   dispatch.DriverLocation{LatLng: dispatch.LatLng{Lat: 24.7140, Lng: 46.6750}, ReportedAt: now},
			BatteryPct: 92, Rating: 4.8, ExpressSuccessRate: 0.95, LastBreakAt: now.Add(-30 * time.Minute),
		},
		{
			ID: "drv-car-1", VehicleType: dispatch.VehicleCar, Status: dispatch.DriverAvailable,
			Location:   dispatch.DriverLocation{LatLng: dispatch.LatLng{Lat: 24.7250, Lng: 46.6850}, ReportedAt: now},
			BatteryPct: 78, Rating: 4.5, ExpressSuccessRate: 0.92, LastBreakAt: now.Add(-1 * time.Hour),
		},
		{
			ID: "drv-van-1", VehicleType: dispatch.VehicleVan, Status: dispatch.DriverAvailable,
			Location:   dispatch.DriverLocation{LatLng: dispatch.LatLng{Lat: 24.7000, Lng: 46.6600}, ReportedAt: now},
			BatteryPct: 85, Rating: 4.2, ExpressSuccessRate: 0.88, LastBreakAt: now.Add(-2 * time.Hour),
		},
	}
	for _, driver := range demo {
		if err := drivers.Put(driver); err != nil {
			panic(fmt.Sprintf("seed demo fleet: %v", err))
		}
	}
}
