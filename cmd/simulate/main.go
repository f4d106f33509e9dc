/*
main.go - Contention simulator

PURPOSE:
  Hammers a single authorization with concurrent bookings, cancellations,
  and completions, then checks that the counters still add up:

    used      == sum of units on sessions
    scheduled == sum of reserved units on open appointments
    used + scheduled <= total

  Runs in-process against the memory or SQLite store so it needs no
  infrastructure. Patient and practitioner names come from gofakeit.

EXAMPLES:
  simulate --workers 32 --ops 500 --total 400
  simulate --store sqlite --sqlite-path /tmp/sim.db
*/
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/spf13/cobra"

	"github.com/warp/authunits/audit"
	"github.com/warp/authunits/engine"
	"github.com/warp/authunits/engine/store"
	"github.com/warp/authunits/logging"
	"github.com/warp/authunits/scheduling"
	"github.com/warp/authunits/store/sqlite"
)

type simConfig struct {
	Workers    int
	Ops        int
	Total      int
	Store      string
	SQLitePath string
	Seed       uint64
	LogLevel   string
}

func main() {
	var cfg simConfig
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run concurrent bookings against one authorization and verify the counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.IntVar(&cfg.Workers, "workers", 16, "concurrent workers")
	f.IntVar(&cfg.Ops, "ops", 200, "operations per worker")
	f.IntVar(&cfg.Total, "total", 200, "authorized units")
	f.StringVar(&cfg.Store, "store", "memory", "store: memory or sqlite")
	f.StringVar(&cfg.SQLitePath, "sqlite-path", "./data/simulate.db", "SQLite file (removed first)")
	f.Uint64Var(&cfg.Seed, "seed", 0, "random seed (0 = random)")
	f.StringVar(&cfg.LogLevel, "log-level", "warn", "log level")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// =============================================================================
// OUTCOME TRACKING
// =============================================================================

type outcomes struct {
	mu     sync.Mutex
	byKind map[string]int64
	booked atomic.Int64
}

func (o *outcomes) record(op string, err error) {
	key := op + ":ok"
	if err != nil {
		key = op + ":" + string(engine.KindOf(err))
	}
	o.mu.Lock()
	o.byKind[key]++
	o.mu.Unlock()
}

// =============================================================================
// RUN
// =============================================================================

func run(ctx context.Context, cfg simConfig) error {
	log := logging.NewWithWriter(os.Stderr, "production", cfg.LogLevel)
	faker := gofakeit.New(cfg.Seed)

	ts, cleanup, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	retrier := engine.NewRetrier(engine.RetryConfig{
		MaxAttempts:  20,
		BaseDelay:    time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		JitterFactor: 0.5,
	}, engine.WithRetryLogger(log))
	rec := &audit.Recorder{}
	ledger := engine.NewLedger(ts, retrier, engine.WithLogger(log), engine.WithAuditSink(rec))
	coord := scheduling.NewCoordinator(ledger, scheduling.WithLogger(log))

	org := engine.OrganizationID("org-sim")
	admin := engine.Principal{UserID: "sim-admin", OrganizationID: org, Role: engine.RoleAdmin}

	practitioners := make([]engine.PractitionerID, 4)
	for i := range practitioners {
		practitioners[i] = engine.PractitionerID(fmt.Sprintf("pract-%d", i+1))
		if err := coord.SavePractitioner(ctx, admin, engine.Practitioner{
			ID: practitioners[i], OrganizationID: org, Name: faker.Name(),
		}); err != nil {
			return fmt.Errorf("save practitioner: %w", err)
		}
	}

	patient := engine.PatientID(faker.UUID())
	start := time.Now().UTC().Truncate(24 * time.Hour)
	auth, err := ledger.CreateAuthorization(ctx, admin, engine.NewAuthorization{
		OrganizationID: org,
		PatientID:      patient,
		ServiceCode:    "97153",
		TotalUnits:     cfg.Total,
		StartDate:      start,
		EndDate:        start.AddDate(0, 3, 0),
	})
	if err != nil {
		return fmt.Errorf("create authorization: %w", err)
	}

	fmt.Printf("simulating %d workers x %d ops against %d units (%s store), patient %s\n",
		cfg.Workers, cfg.Ops, cfg.Total, cfg.Store, faker.Name())

	out := &outcomes{byKind: make(map[string]int64)}
	began := time.Now()

	var wg sync.WaitGroup
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		// Each worker gets its own faker; gofakeit.Faker is not safe for concurrent use.
		wf := gofakeit.New(faker.Uint64())
		p := engine.Principal{
			UserID:         fmt.Sprintf("sim-worker-%d", w),
			OrganizationID: org,
			Role:           engine.RolePractitioner,
		}
		go func() {
			defer wg.Done()
			worker(ctx, coord, wf, p, auth, practitioners, cfg.Ops, out)
		}()
	}
	wg.Wait()
	elapsed := time.Since(began)

	report(out, rec, retrier.Stats(), elapsed)
	return verify(ctx, ledger, admin, auth.ID, ts)
}

func openStore(cfg simConfig) (engine.TxStore, func(), error) {
	switch cfg.Store {
	case "memory":
		return store.NewMemory(), func() {}, nil
	case "sqlite":
		_ = os.Remove(cfg.SQLitePath)
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
}

func worker(
	ctx context.Context,
	coord *scheduling.Coordinator,
	faker *gofakeit.Faker,
	p engine.Principal,
	auth *engine.Authorization,
	practitioners []engine.PractitionerID,
	ops int,
	out *outcomes,
) {
	for i := 0; i < ops; i++ {
		startAt := auth.StartDate.Add(time.Duration(faker.Number(8*60, 17*60)) * time.Minute).
			AddDate(0, 0, faker.Number(0, 60))
		minutes := faker.RandomInt([]int{15, 30, 45, 60, 90, 120})

		appt, err := coord.Create(ctx, p, scheduling.CreateRequest{
			OrganizationID:  p.OrganizationID,
			PatientID:       auth.PatientID,
			PractitionerID:  practitioners[faker.Number(0, len(practitioners)-1)],
			ServiceCode:     auth.ServiceCode,
			AuthorizationID: auth.ID,
			StartTime:       startAt,
			EndTime:         startAt.Add(time.Duration(minutes) * time.Minute),
			Notes:           "booked for " + faker.FirstName(),
		})
		out.record("book", err)
		if err != nil {
			continue
		}
		out.booked.Add(1)

		switch roll := faker.Float64Range(0, 1); {
		case roll < 0.35:
			_, err = coord.Cancel(ctx, p, appt.ID)
			out.record("cancel", err)
		case roll < 0.45:
			_, err = coord.MarkNoShow(ctx, p, appt.ID)
			out.record("no_show", err)
		case roll < 0.85:
			if _, err = coord.Start(ctx, p, appt.ID); err != nil {
				out.record("start", err)
				continue
			}
			// Sessions run at most as long as booked.
			actual := time.Duration(faker.Number(1, minutes)) * time.Minute
			_, err = coord.Complete(ctx, p, appt.ID, scheduling.CompleteRequest{
				ActualStart: appt.StartTime,
				ActualEnd:   appt.StartTime.Add(actual),
			})
			out.record("complete", err)
		default:
			// Left open: its units stay scheduled.
		}
	}
}

func report(out *outcomes, rec *audit.Recorder, stats engine.RetryStats, elapsed time.Duration) {
	out.mu.Lock()
	defer out.mu.Unlock()

	keys := make([]string, 0, len(out.byKind))
	for k := range out.byKind {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Printf("\nfinished in %s, %d appointments booked\n", elapsed.Round(time.Millisecond), out.booked.Load())
	for _, k := range keys {
		fmt.Printf("  %-40s %d\n", k, out.byKind[k])
	}
	fmt.Printf("  %-40s %d\n", "retries", stats.Retried)
	fmt.Printf("  %-40s %d\n", "retries exhausted", stats.Exhausted)

	actions := make(map[engine.AuditAction]int)
	for _, a := range rec.Actions() {
		actions[a]++
	}
	fmt.Printf("  %-40s %d\n", "audit records", len(rec.Records()))
	for _, a := range []engine.AuditAction{
		engine.AuditAppointmentCreated, engine.AuditAppointmentCancelled,
		engine.AuditAppointmentNoShow, engine.AuditAppointmentCompleted,
	} {
		fmt.Printf("    %-38s %d\n", a, actions[a])
	}
}

// verify recomputes the counters from appointments and sessions. It needs
// the memory store's direct accessors, so SQLite runs only check the bound.
func verify(ctx context.Context, ledger *engine.Ledger, admin engine.Principal, id engine.AuthorizationID, ts engine.TxStore) error {
	a, err := ledger.Get(ctx, admin, id)
	if err != nil {
		return err
	}
	c := a.Counters()
	fmt.Printf("\nfinal: total=%d used=%d scheduled=%d available=%d status=%s\n",
		c.Total, c.Used, c.Scheduled, c.Available(), c.Status)
	if !c.Valid() {
		return fmt.Errorf("counter invariant violated: %+v", c)
	}

	mem, ok := ts.(*store.Memory)
	if !ok {
		fmt.Println("invariant holds")
		return nil
	}
	scheduled, used := mem.Tally(id)
	if scheduled != c.Scheduled || used != c.Used {
		return fmt.Errorf("counters drifted: ledger scheduled=%d used=%d, recomputed scheduled=%d used=%d",
			c.Scheduled, c.Used, scheduled, used)
	}
	fmt.Println("invariant holds, counters match appointments and sessions")
	return nil
}
