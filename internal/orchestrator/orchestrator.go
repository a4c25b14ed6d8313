// Package orchestrator implements C12, the Reconciliation Orchestrator:
// the fixed seven-phase pipeline that sequences C5 through C10 with
// strict dependency ordering, per user, under both scheduled and
// on-demand invocation. Broker push events (C11) advance state
// immediately on a best-effort basis; this package is what repairs
// whatever C11 missed.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/senextrader/lifecycle-engine/internal/broker"
	"github.com/senextrader/lifecycle-engine/internal/execution"
	"github.com/senextrader/lifecycle-engine/internal/ingest"
	"github.com/senextrader/lifecycle-engine/internal/positions"
	"github.com/senextrader/lifecycle-engine/internal/profittarget"
	"github.com/senextrader/lifecycle-engine/internal/retry"
	"github.com/senextrader/lifecycle-engine/internal/store"
)

// Fixed phase names, in pipeline order. fix_profit_targets runs last
// so closures processed by process_closures don't spawn ghost targets
// for a position that just closed.
const (
	PhaseSyncOrderHistory  = "sync_order_history"
	PhaseSyncTransactions  = "sync_transactions"
	PhaseDiscoverPositions = "discover_positions"
	PhaseSyncPositions     = "sync_positions"
	PhaseProcessClosures   = "process_closures"
	PhaseReconcileTrades   = "reconcile_trades"
	PhaseFixProfitTargets  = "fix_profit_targets"
)

var phaseOrder = []string{
	PhaseSyncOrderHistory,
	PhaseSyncTransactions,
	PhaseDiscoverPositions,
	PhaseSyncPositions,
	PhaseProcessClosures,
	PhaseReconcileTrades,
	PhaseFixProfitTargets,
}

// PhaseResult is the contract return shape every phase produces,
// spec.md §4.12's `{success, duration, items_processed, items_updated,
// items_created, errors[], details}`.
type PhaseResult struct {
	Success        bool
	Duration       time.Duration
	ItemsProcessed int
	ItemsUpdated   int
	ItemsCreated   int
	Errors         []string
	Details        map[string]any
}

// UserRunReport is the outcome of running the full pipeline for one
// (user, trading_account) pair.
type UserRunReport struct {
	User           string
	TradingAccount string
	Success        bool
	Phases         map[string]PhaseResult
	Skipped        string // set (e.g. "auth_error") when the account was unreachable and every phase was skipped
}

// RunReport aggregates every user's run in one orchestrator
// invocation.
type RunReport struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Success    bool
	Users      []UserRunReport
}

// Options configures one orchestrator invocation, mirroring spec.md
// §6's Configuration table.
type Options struct {
	DaysBack                int
	DryRun                  bool
	Verbose                 bool
	UserID                  string
	PositionID              int64
	Symbol                  string
	CancelOrphanedOrders    bool
	ReplaceCancelledTargets bool
	// MaxParallelUsers caps how many users' pipelines run concurrently.
	// Zero means unbounded (errgroup.SetLimit is skipped).
	MaxParallelUsers int
}

// BrokerFactory hands the orchestrator an authenticated Broker session
// for one trading account. Session acquisition and the Accounts
// module's credential handling live outside the core (spec.md §1); the
// orchestrator only knows how to ask for one per account and reuse it
// across that account's phases.
type BrokerFactory func(ctx context.Context, account string) (broker.Broker, error)

// Orchestrator is C12.
type Orchestrator struct {
	store      *store.Store
	newBroker  BrokerFactory
	log        *logrus.Entry
	retryCfg   retry.Config
}

// New builds a C12 orchestrator. newBroker supplies one Broker session
// per trading_account; it is called once per user-run and that session
// is reused across every phase for that user (spec.md §5).
func New(st *store.Store, newBroker BrokerFactory, log *logrus.Entry, retryCfg retry.Config) *Orchestrator {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Orchestrator{store: st, newBroker: newBroker, log: log, retryCfg: retryCfg}
}

// Run executes the fixed seven-phase pipeline for the selected
// user-set: every distinct (user, trading_account) on file, or just
// opts.UserID's accounts when scoped. Per-user pipelines run
// concurrently (spec.md §5's "across users, work proceeds in
// parallel"); within one user, phases run in strict sequence.
func (o *Orchestrator) Run(ctx context.Context, opts Options) RunReport {
	report := RunReport{StartedAt: time.Now(), Success: true}

	users, err := o.selectUsers(ctx, opts)
	if err != nil {
		report.Success = false
		report.FinishedAt = time.Now()
		o.log.WithError(err).Error("orchestrator: failed to select user-set")
		return report
	}

	results := make([]UserRunReport, len(users))
	g, gctx := errgroup.WithContext(ctx)
	if opts.MaxParallelUsers > 0 {
		g.SetLimit(opts.MaxParallelUsers)
	}

	for i, u := range users {
		i, u := i, u
		g.Go(func() error {
			results[i] = o.runForUser(gctx, u, opts)
			return nil
		})
	}
	// Run errors are recorded per-user, never propagated — one user's
	// failure must not abort another's pipeline (spec.md §5).
	_ = g.Wait()

	for _, r := range results {
		report.Users = append(report.Users, r)
		if !r.Success {
			report.Success = false
		}
	}
	report.FinishedAt = time.Now()
	return report
}

// selectUsers implements spec.md §4.12's user-set selection: every
// (user, trading_account) pair with at least one Position on file, or a
// single user/position's user when scoped. Whether an account is primary
// or validated is not checked.
func (o *Orchestrator) selectUsers(ctx context.Context, opts Options) ([]store.UserAccount, error) {
	if opts.PositionID != 0 {
		p, err := o.store.GetPosition(ctx, opts.PositionID)
		if err != nil {
			return nil, fmt.Errorf("resolve scoped position %d: %w", opts.PositionID, err)
		}
		return []store.UserAccount{{User: p.User, TradingAccount: p.TradingAccount}}, nil
	}

	all, err := o.store.ListDistinctUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list distinct users: %w", err)
	}
	if opts.UserID == "" {
		return all, nil
	}
	var scoped []store.UserAccount
	for _, ua := range all {
		if ua.User == opts.UserID {
			scoped = append(scoped, ua)
		}
	}
	return scoped, nil
}

// runForUser runs all seven phases for one (user, trading_account)
// pair under one reused broker session. A phase failure marks the run
// non-successful but never aborts the remaining phases — spec.md
// §4.12's "a failed phase does not abort the pipeline".
func (o *Orchestrator) runForUser(ctx context.Context, ua store.UserAccount, opts Options) UserRunReport {
	out := UserRunReport{User: ua.User, TradingAccount: ua.TradingAccount, Success: true, Phases: map[string]PhaseResult{}}

	brk, err := o.newBroker(ctx, ua.TradingAccount)
	if err != nil {
		o.log.WithField("account", ua.TradingAccount).WithError(err).Warn("orchestrator: broker session unreachable, skipping account")
		out.Success = false
		out.Skipped = "auth_error"
		return out
	}

	log := o.log.WithFields(logrus.Fields{"user": ua.User, "account": ua.TradingAccount})
	retryClient := retry.NewClient(log, o.retryCfg)

	orderSyncer := ingest.NewOrderHistorySyncer(o.store, brk, retryClient, log)
	txnSyncer := ingest.NewTransactionSyncer(o.store, brk, log)
	discoverer := positions.NewDiscoverer(o.store, log)
	closer := positions.NewCloser(o.store, log)
	syncer := positions.NewSyncer(o.store, closer, log)
	pending := positions.NewPendingReconciler(o.store, log)
	planner := execution.DefaultPlanner{}
	collab := execution.NewBrokerCollaborator(brk, retryClient, log)
	ptReconciler := profittarget.NewReconciler(o.store, brk, planner, collab, log)

	daysBack := opts.DaysBack
	if daysBack <= 0 {
		daysBack = 30
	}

	run := func(name string, fn func() PhaseResult) {
		start := time.Now()
		res := fn()
		res.Duration = time.Since(start)
		res.Success = len(res.Errors) == 0
		out.Phases[name] = res
		if !res.Success {
			out.Success = false
		}
		if opts.Verbose || !res.Success {
			log.WithFields(logrus.Fields{
				"phase": name, "processed": res.ItemsProcessed, "updated": res.ItemsUpdated,
				"created": res.ItemsCreated, "errors": len(res.Errors), "duration": res.Duration,
			}).Info("orchestrator: phase complete")
		}
	}

	run(PhaseSyncOrderHistory, func() PhaseResult {
		if opts.DryRun {
			return PhaseResult{Success: true, Details: map[string]any{"dry_run": true}}
		}
		r := orderSyncer.Sync(ctx, ua.User, ua.TradingAccount, daysBack)
		return PhaseResult{
			Success: len(r.Errors) == 0, ItemsProcessed: r.OrdersSynced,
			ItemsCreated: r.NewOrders, ItemsUpdated: r.UpdatedOrders, Errors: r.Errors,
		}
	})

	run(PhaseSyncTransactions, func() PhaseResult {
		if opts.DryRun {
			return PhaseResult{Success: true, Details: map[string]any{"dry_run": true}}
		}
		startDate := time.Now().AddDate(0, 0, -daysBack)
		var txns []broker.Transaction
		err := retryClient.Do(ctx, "get_transactions", func(ctx context.Context) error {
			var err error
			txns, err = brk.GetTransactions(ctx, ua.TradingAccount, startDate)
			return err
		})
		if err != nil {
			return PhaseResult{Errors: []string{err.Error()}}
		}
		imp := txnSyncer.ImportTransactions(ctx, ua.User, ua.TradingAccount, txns)
		link := txnSyncer.LinkTransactionsToPositions(ctx, ua.User, ua.TradingAccount)
		errs := append(append([]string{}, imp.Errors...), link.Errors...)
		return PhaseResult{
			Success: len(errs) == 0, ItemsProcessed: imp.TransactionsSynced,
			ItemsCreated: imp.NewTransactions, ItemsUpdated: imp.UpdatedTransactions + link.Linked,
			Errors: errs, Details: map[string]any{"linked": link.Linked, "unresolved": link.Unresolved},
		}
	})

	run(PhaseDiscoverPositions, func() PhaseResult {
		if opts.DryRun {
			return PhaseResult{Success: true, Details: map[string]any{"dry_run": true}}
		}
		openingTxns, err := o.loadOpeningTransactions(ctx, opts)
		if err != nil {
			return PhaseResult{Errors: []string{err.Error()}}
		}
		r := discoverer.Discover(ctx, ua.User, ua.TradingAccount, openingTxns)
		return PhaseResult{
			Success: len(r.Errors) == 0, ItemsProcessed: len(openingTxns),
			ItemsCreated: r.PositionsDiscovered, Errors: r.Errors,
		}
	})

	var brokerLegs []broker.PositionLeg
	run(PhaseSyncPositions, func() PhaseResult {
		if opts.DryRun {
			return PhaseResult{Success: true, Details: map[string]any{"dry_run": true}}
		}
		err := retryClient.Do(ctx, "list_positions", func(ctx context.Context) error {
			var err error
			brokerLegs, err = brk.ListPositions(ctx, ua.TradingAccount, true)
			return err
		})
		if err != nil {
			return PhaseResult{Errors: []string{err.Error()}}
		}

		managed, err := o.openPositions(ctx, ua, opts, true)
		if err != nil {
			return PhaseResult{Errors: []string{err.Error()}}
		}
		syncResult := syncer.Sync(ctx, ua.User, ua.TradingAccount, managed, brokerLegs)

		allOpen, err := o.openPositions(ctx, ua, opts, false)
		if err != nil {
			return PhaseResult{Errors: append(syncResult.Errors, err.Error())}
		}
		underlyings := make(map[string]bool, len(brokerLegs))
		for _, l := range brokerLegs {
			underlyings[l.UnderlyingSymbol] = true
		}
		absentClosure := syncer.BrokerAbsentClosure(ctx, allOpen, underlyings)

		// §4.8's pending-order reconciliation: positions still
		// pending_entry get checked against the broker's live-order
		// list, then a single get_order fallback, so a terminal-but-
		// uncancelled order doesn't leave a Position orphaned. This is
		// C8's own live-broker check; the OrderHistory-driven stuck-
		// pending-entry sweep in reconcile_trades (phase 6) below is a
		// separate, proactive mechanism, not an alias of this one.
		pendingPositions, err := o.store.ListPositionsByState(ctx, ua.User, []store.LifecycleState{store.PendingEntry})
		if err != nil {
			return PhaseResult{Errors: append(append([]string{}, syncResult.Errors...), err.Error())}
		}
		pendingPositions = filterByOpts(pendingPositions, opts)

		var pendingResult positions.SyncResult
		if len(pendingPositions) > 0 {
			var liveOrders []broker.PlacedOrder
			if err := retryClient.Do(ctx, "get_live_orders", func(ctx context.Context) error {
				var err error
				liveOrders, err = brk.GetLiveOrders(ctx, ua.TradingAccount)
				return err
			}); err != nil {
				return PhaseResult{Errors: append(append([]string{}, syncResult.Errors...), err.Error())}
			}

			getOrder := func(ctx context.Context, orderID string) (*broker.PlacedOrder, error) {
				var order *broker.PlacedOrder
				err := retryClient.Do(ctx, "get_order", func(ctx context.Context) error {
					var err error
					order, err = brk.GetOrder(ctx, ua.TradingAccount, orderID)
					return err
				})
				return order, err
			}

			pendingResult = pending.Reconcile(ctx, pendingPositions, liveOrders, getOrder)
		}

		errs := append(append(append([]string{}, syncResult.Errors...), absentClosure.Errors...), pendingResult.Errors...)
		return PhaseResult{
			Success: len(errs) == 0, ItemsProcessed: len(managed) + len(allOpen) + len(pendingPositions),
			ItemsUpdated: syncResult.PositionsSynced + pendingResult.PositionsSynced, ItemsCreated: absentClosure.PositionsClosed,
			Errors: errs,
		}
	})

	run(PhaseProcessClosures, func() PhaseResult {
		if opts.DryRun {
			return PhaseResult{Success: true, Details: map[string]any{"dry_run": true}}
		}
		openPositions, err := o.openPositions(ctx, ua, opts, false)
		if err != nil {
			return PhaseResult{Errors: []string{err.Error()}}
		}
		brokerSymbols := make(map[string]bool, len(brokerLegs))
		for _, l := range brokerLegs {
			brokerSymbols[l.Symbol] = true
		}
		r := closer.Process(ctx, openPositions, brokerSymbols)
		return PhaseResult{
			Success: len(r.Errors) == 0, ItemsProcessed: len(openPositions),
			ItemsUpdated: r.PositionsClosed, Errors: r.Errors,
		}
	})

	run(PhaseReconcileTrades, func() PhaseResult {
		if opts.DryRun {
			return PhaseResult{Success: true, Details: map[string]any{"dry_run": true}}
		}
		// SPEC_FULL.md §5's stuck-pending-entry sweep: driven off the
		// locally cached OrderHistory rather than a live broker call,
		// proactively catching a pending_entry Position whose opening
		// order has sat Filled at the broker for longer than the grace
		// window — distinct from sync_positions' live-orders-miss
		// fallback above, which only acts once an order drops off the
		// live-order list entirely.
		stuckPositions, err := o.store.ListPositionsByState(ctx, ua.User, []store.LifecycleState{store.PendingEntry})
		if err != nil {
			return PhaseResult{Errors: []string{err.Error()}}
		}
		stuckPositions = filterByOpts(stuckPositions, opts)

		r := pending.ReconcileStuckPendingEntries(ctx, stuckPositions)
		return PhaseResult{
			Success: len(r.Errors) == 0, ItemsProcessed: len(stuckPositions),
			ItemsUpdated: r.PositionsSynced, Errors: r.Errors,
		}
	})

	run(PhaseFixProfitTargets, func() PhaseResult {
		if opts.DryRun {
			return PhaseResult{Success: true, Details: map[string]any{"dry_run": true}}
		}
		candidates, err := o.openPositions(ctx, ua, opts, true)
		if err != nil {
			return PhaseResult{Errors: []string{err.Error()}}
		}
		r := ptReconciler.Reconcile(ctx, ua.TradingAccount, candidates)
		return PhaseResult{
			Success: len(r.Errors) == 0, ItemsProcessed: r.PositionsProcessed,
			ItemsUpdated: r.TargetsAdopted + r.TargetsFilled, ItemsCreated: r.TargetsCreated,
			Errors: r.Errors,
		}
	})

	if opts.Verbose {
		for _, name := range phaseOrder {
			res := out.Phases[name]
			log.WithField("phase", name).WithField("success", res.Success).Debug("orchestrator: run summary")
		}
	}

	return out
}

// loadOpeningTransactions fetches the unlinked opening transactions
// discover_positions groups into new Positions: every Sell/Buy-to-Open
// row whose order_id has no matching Position yet. The days_back
// window is already enforced by sync_transactions' import, so
// discovery just works off whatever is cached and still unlinked.
// Scoped by opts.
func (o *Orchestrator) loadOpeningTransactions(ctx context.Context, opts Options) ([]*store.Transaction, error) {
	unlinked, err := o.store.ListUnlinkedTransactions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unlinked transactions: %w", err)
	}
	out := make([]*store.Transaction, 0, len(unlinked))
	for _, t := range unlinked {
		if t.Action != "Sell to Open" && t.Action != "Buy to Open" {
			continue
		}
		if opts.Symbol != "" && t.UnderlyingSymbol != opts.Symbol {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// openPositions lists every Position in an open lifecycle state for
// ua, optionally restricted to is_app_managed rows, scoped by opts.
func (o *Orchestrator) openPositions(ctx context.Context, ua store.UserAccount, opts Options, appManagedOnly bool) ([]*store.Position, error) {
	states := []store.LifecycleState{store.OpenFull, store.OpenPartial, store.Closing}
	all, err := o.store.ListPositionsByState(ctx, ua.User, states)
	if err != nil {
		return nil, err
	}
	out := make([]*store.Position, 0, len(all))
	for _, p := range all {
		if p.TradingAccount != ua.TradingAccount {
			continue
		}
		if appManagedOnly && !p.IsAppManaged {
			continue
		}
		out = append(out, p)
	}
	return filterByOpts(out, opts), nil
}

func filterByOpts(positions []*store.Position, opts Options) []*store.Position {
	if opts.PositionID == 0 && opts.Symbol == "" {
		return positions
	}
	out := make([]*store.Position, 0, len(positions))
	for _, p := range positions {
		if opts.PositionID != 0 && p.ID != opts.PositionID {
			continue
		}
		if opts.Symbol != "" && p.Symbol != opts.Symbol {
			continue
		}
		out = append(out, p)
	}
	return out
}
