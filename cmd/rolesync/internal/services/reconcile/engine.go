// Package reconcile detects and repairs divergent copies of user roles across
// the cache, the identity provider and the system-of-record database.
//
// Operations are queued by Trigger and drained by a single background worker.
// Each operation reads every user's role from the three sources, repairs
// sources that are simply missing the agreed value, and resolves conflicting
// values with a source-priority strategy or leaves them for an operator.
package reconcile

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/audit"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/breaker"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/idp"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/logging"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/repository"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/rolestate"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/telemetry"
)

const tracerName = "rolesync/reconcile"

// ModifiedBy is recorded on every write the engine makes.
const ModifiedBy = "reconcile"

// SystemActor resolves conflicts automatically and initiates scheduled syncs.
const SystemActor = "system"

var (
	ErrQueueFull         = errors.New("sync queue is full")
	ErrClosed            = errors.New("sync engine is closed")
	ErrOperationNotFound = errors.New("sync operation not found")
	ErrConflictNotFound  = errors.New("sync conflict not found")
	ErrConflictResolved  = errors.New("sync conflict already resolved")
	ErrInvalidRequest    = errors.New("invalid sync request")
)

// Deps are the stores and collaborators the engine reads and writes.
type Deps struct {
	State    *rolestate.Store
	IdP      idp.Client
	Roles    repository.RoleRepository
	Breakers *breaker.Registry
	// Operations persists finished operations. Optional.
	Operations repository.SyncOperationRepository
	// Audit records completed syncs and manual resolutions. Optional.
	Audit audit.Sink
}

// Options tunes the engine.
type Options struct {
	BatchSize   int
	BatchPause  time.Duration
	Concurrency int
	QueueSize   int

	DefaultStrategy Strategy
	Priority        []Source
	Severity        SeverityPolicy

	RoleAttribute string
	PageSize      int
	// WriteRetries bounds retries of a cache write that hit a held lock.
	WriteRetries int
	LockTTL      time.Duration
	// RetainFinished is how many finished operations are kept in memory.
	RetainFinished int

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *telemetry.SyncMetrics
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.DefaultStrategy == "" {
		o.DefaultStrategy = StrategyPriority
	}
	if len(o.Priority) == 0 {
		o.Priority = DefaultPriority
	}
	if o.Severity.CriticalRoles == nil {
		o.Severity = DefaultSeverityPolicy()
	}
	if o.RoleAttribute == "" {
		o.RoleAttribute = "role"
	}
	if o.PageSize <= 0 {
		o.PageSize = 100
	}
	if o.WriteRetries < 0 {
		o.WriteRetries = 0
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 5 * time.Second
	}
	if o.RetainFinished <= 0 {
		o.RetainFinished = 256
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	o.Logger = logging.OrDiscard(o.Logger)
	return o
}

// Engine runs sync operations.
type Engine struct {
	state      *rolestate.Store
	idp        idp.Client
	roles      repository.RoleRepository
	operations repository.SyncOperationRepository
	audit      audit.Sink

	cacheCB *breaker.Breaker
	idpCB   *breaker.Breaker
	dbCB    *breaker.Breaker

	opts   Options
	clock  clock.Clock
	logger *slog.Logger

	mu        sync.Mutex
	queue     []*SyncOperation
	active    map[string]*SyncOperation
	finished  *lru.Cache[string, *SyncOperation]
	done      map[string]chan struct{}
	conflicts map[string]string // unresolved conflict ID → operation ID
	closed    bool

	// draining guards against more than one queue-drain loop.
	draining atomic.Bool
	wg       sync.WaitGroup
}

// NewEngine builds an engine. Nothing runs until the first Trigger.
func NewEngine(deps Deps, opts Options) (*Engine, error) {
	if deps.State == nil || deps.IdP == nil || deps.Roles == nil || deps.Breakers == nil {
		return nil, errors.New("reconcile: state, idp, roles and breakers are required")
	}
	opts = opts.withDefaults()
	if opts.DefaultStrategy != StrategyManual {
		if _, err := ParseStrategy(string(opts.DefaultStrategy)); err != nil {
			return nil, err
		}
	}
	finished, err := lru.New[string, *SyncOperation](opts.RetainFinished)
	if err != nil {
		return nil, fmt.Errorf("create finished operation cache: %w", err)
	}
	sink := deps.Audit
	if sink == nil {
		sink = audit.Discard{}
	}

	return &Engine{
		state:      deps.State,
		idp:        deps.IdP,
		roles:      deps.Roles,
		operations: deps.Operations,
		audit:      sink,
		cacheCB:    deps.Breakers.Get(breaker.ServiceCache),
		idpCB:      deps.Breakers.Get(breaker.ServiceIdP),
		dbCB:       deps.Breakers.Get(breaker.ServiceDatabase),
		opts:       opts,
		clock:      opts.Clock,
		logger:     opts.Logger,
		active:     make(map[string]*SyncOperation),
		finished:   finished,
		done:       make(map[string]chan struct{}),
		conflicts:  make(map[string]string),
	}, nil
}

// Trigger validates req and queues an operation. The returned copy has status
// pending; the operation runs on a background worker detached from ctx.
func (e *Engine) Trigger(ctx context.Context, req TriggerRequest) (*SyncOperation, error) {
	switch req.Type {
	case TypeFull:
		if req.TargetUserID != "" {
			return nil, fmt.Errorf("%w: full sync does not take a target user", ErrInvalidRequest)
		}
	case TypeTargeted:
		if req.TargetUserID == "" {
			return nil, fmt.Errorf("%w: targeted sync requires a target user", ErrInvalidRequest)
		}
	default:
		return nil, fmt.Errorf("%w: unknown sync type %q", ErrInvalidRequest, req.Type)
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = e.opts.DefaultStrategy
	}
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	initiatedBy := req.InitiatedBy
	if initiatedBy == "" {
		initiatedBy = SystemActor
	}

	op := &SyncOperation{
		ID:           uuid.NewString(),
		Type:         req.Type,
		Status:       StatusPending,
		InitiatedBy:  initiatedBy,
		TargetUserID: req.TargetUserID,
		Strategy:     strategy,
		Conflicts:    []*SyncConflict{},
		Errors:       []SyncError{},
		CreatedAt:    e.clock.Now(),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if len(e.queue) >= e.opts.QueueSize {
		return nil, ErrQueueFull
	}
	e.queue = append(e.queue, op)
	e.active[op.ID] = op
	e.done[op.ID] = make(chan struct{})
	if e.draining.CompareAndSwap(false, true) {
		e.wg.Add(1)
		go e.drain()
	}

	e.logger.InfoContext(ctx, "sync operation queued",
		"operation_id", op.ID, "type", op.Type, "strategy", op.Strategy,
		"target_user_id", op.TargetUserID, "initiated_by", op.InitiatedBy)
	return op.clone(), nil
}

func (e *Engine) drain() {
	defer e.wg.Done()
	for {
		op := e.dequeue()
		if op == nil {
			e.draining.Store(false)
			// An operation queued between dequeue and Store would otherwise
			// wait for the next Trigger.
			if !e.hasQueued() || !e.draining.CompareAndSwap(false, true) {
				return
			}
			continue
		}
		e.run(context.Background(), op)
	}
}

func (e *Engine) dequeue() *SyncOperation {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return nil
	}
	op := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	return op
}

func (e *Engine) hasQueued() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue) > 0
}

// Close stops accepting operations and waits for queued ones to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
}

// Get returns a copy of the operation, looking in memory first and then in
// the operation repository.
func (e *Engine) Get(ctx context.Context, id string) (*SyncOperation, error) {
	if op := e.lookup(id); op != nil {
		return op, nil
	}
	op, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return op.clone(), nil
}

func (e *Engine) lookup(id string) *SyncOperation {
	e.mu.Lock()
	defer e.mu.Unlock()
	if op, ok := e.active[id]; ok {
		return op.clone()
	}
	if op, ok := e.finished.Get(id); ok {
		return op.clone()
	}
	return nil
}

// load reads a persisted operation and keeps it in memory for later updates.
func (e *Engine) load(ctx context.Context, id string) (*SyncOperation, error) {
	if e.operations == nil {
		return nil, ErrOperationNotFound
	}
	row, err := e.operations.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, err
	}
	op, err := fromModel(row)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cached, ok := e.finished.Get(id); ok {
		return cached, nil
	}
	e.finished.Add(id, op)
	for _, c := range op.Unresolved() {
		e.conflicts[c.ID] = op.ID
	}
	return op, nil
}

// ListActive returns copies of the pending and running operations, oldest first.
func (e *Engine) ListActive() []*SyncOperation {
	e.mu.Lock()
	out := make([]*SyncOperation, 0, len(e.active))
	for _, op := range e.active {
		out = append(out, op.clone())
	}
	e.mu.Unlock()

	slices.SortFunc(out, func(a, b *SyncOperation) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Wait blocks until the operation is terminal or ctx is done.
func (e *Engine) Wait(ctx context.Context, id string) (*SyncOperation, error) {
	e.mu.Lock()
	ch, ok := e.done[id]
	e.mu.Unlock()
	if ok {
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.Get(ctx, id)
}

// run executes one operation to a terminal status.
func (e *Engine) run(ctx context.Context, op *SyncOperation) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "reconcile.Run",
		attribute.String(telemetry.AttrSyncOperationID, op.ID),
		attribute.String(telemetry.AttrSyncType, string(op.Type)),
		attribute.String(telemetry.AttrSyncStrategy, string(op.Strategy)),
	)
	defer span.End()

	start := e.clock.Now()
	e.update(func() {
		op.Status = StatusRunning
		op.StartedAt = &start
	})
	e.logger.Info("sync operation started", "operation_id", op.ID, "type", op.Type)

	var runErr error
	func() {
		defer func() {
			if p := recover(); p != nil {
				runErr = fmt.Errorf("sync operation panicked: %v", p)
			}
		}()
		runErr = e.process(ctx, op)
	}()

	telemetry.RecordError(span, runErr)
	status := e.finish(ctx, op, start, runErr)
	span.SetAttributes(attribute.String(telemetry.AttrSyncStatus, string(status)))
}

func (e *Engine) process(ctx context.Context, op *SyncOperation) error {
	users, err := e.users(ctx, op)
	if err != nil {
		return err
	}
	e.update(func() { op.Progress.Total = len(users) })

	for i := 0; i < len(users); i += e.opts.BatchSize {
		if i > 0 && e.opts.BatchPause > 0 {
			e.clock.Sleep(e.opts.BatchPause)
		}
		e.processBatch(ctx, op, users[i:min(i+e.opts.BatchSize, len(users))])
	}
	return nil
}

// finish sets the terminal status, computes the result and hands the
// operation over to the finished set, the repository and the audit sink.
func (e *Engine) finish(ctx context.Context, op *SyncOperation, start time.Time, runErr error) Status {
	now := e.clock.Now()
	elapsed := now.Sub(start)

	e.mu.Lock()
	switch {
	case runErr != nil:
		op.Status = StatusFailed
		op.Failure = runErr.Error()
	case len(op.Unresolved()) > 0:
		op.Status = StatusConflictDetected
	default:
		op.Status = StatusCompleted
	}
	op.CompletedAt = &now
	op.Result = buildResult(op, elapsed)
	for _, c := range op.Unresolved() {
		e.conflicts[c.ID] = op.ID
	}
	delete(e.active, op.ID)
	e.finished.Add(op.ID, op)
	done := e.done[op.ID]
	delete(e.done, op.ID)
	snapshot := op.clone()
	e.mu.Unlock()

	e.opts.Metrics.RecordOperation(ctx, string(op.Type), string(op.Strategy), string(snapshot.Status),
		snapshot.Progress.Processed, elapsed)
	e.persist(ctx, snapshot)
	e.audit.Record(ctx, audit.EventSyncCompleted, map[string]any{
		"operation_id": snapshot.ID,
		"type":         string(snapshot.Type),
		"status":       string(snapshot.Status),
		"strategy":     string(snapshot.Strategy),
		"initiated_by": snapshot.InitiatedBy,
		"users":        snapshot.Progress.Processed,
		"conflicts":    snapshot.Progress.Conflicts,
		"repairs":      snapshot.Progress.Repairs,
		"errors":       snapshot.Progress.Errors,
	})

	log := e.logger.Info
	if snapshot.Status == StatusFailed {
		log = e.logger.Error
	}
	log("sync operation finished",
		"operation_id", snapshot.ID, "status", snapshot.Status, "duration", elapsed,
		"users", snapshot.Progress.Processed, "conflicts", snapshot.Progress.Conflicts,
		"repairs", snapshot.Progress.Repairs, "errors", snapshot.Progress.Errors,
		"failure", snapshot.Failure)
	for _, rec := range snapshot.Result.Recommendations {
		e.logger.Warn("sync recommendation", "operation_id", snapshot.ID, "recommendation", rec)
	}

	if done != nil {
		close(done)
	}
	return snapshot.Status
}

func (e *Engine) persist(ctx context.Context, op *SyncOperation) {
	if e.operations == nil {
		return
	}
	row, err := toModel(op)
	if err == nil {
		err = e.dbCB.Execute(ctx, "save_sync_operation", func(ctx context.Context) error {
			return e.operations.Save(ctx, row)
		})
	}
	if err != nil {
		e.logger.Warn("failed to persist sync operation", "operation_id", op.ID, "error", err)
	}
}

// update applies fn under the engine lock. Every mutation of an operation
// owned by the engine goes through it.
func (e *Engine) update(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn()
}

func (e *Engine) recordError(ctx context.Context, op *SyncOperation, src Source, userID, operation string, err error, recoverable bool) {
	e.update(func() {
		op.Errors = append(op.Errors, SyncError{
			UserID:      userID,
			Source:      src,
			Operation:   operation,
			Message:     err.Error(),
			Recoverable: recoverable,
			BreakerOpen: breaker.IsOpen(err),
			At:          e.clock.Now(),
		})
		op.Progress.Errors++
	})
	e.opts.Metrics.RecordError(ctx, string(src))
	e.logger.Warn("sync error",
		"operation_id", op.ID, "user_id", userID, "source", src, "operation", operation, "error", err)
}
