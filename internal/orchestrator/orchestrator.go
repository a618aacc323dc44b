package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/privyscan/privyscan/internal/aggregator"
	"github.com/privyscan/privyscan/internal/config"
	"github.com/privyscan/privyscan/internal/license"
	"github.com/privyscan/privyscan/internal/logger"
	"github.com/privyscan/privyscan/internal/models"
	"github.com/privyscan/privyscan/internal/registry"
	"github.com/privyscan/privyscan/internal/scanner"
	"github.com/privyscan/privyscan/internal/scoring"
)

// ErrNotFound is returned when a job does not exist for the tenant.
var ErrNotFound = errors.New("job not found")

const defaultDeadline = 10 * time.Minute

// queuedJob is one admitted submission waiting for a worker slot. The
// registry snapshot is captured at admission so a mid-queue rule reload
// never changes what an already-admitted job evaluates.
type queuedJob struct {
	job  *models.ScanJob
	req  *models.ScanRequest
	snap *registry.Snapshot
}

// activeJob tracks one running job. The run context is cancelled either by
// the per-type deadline or by an explicit cancel request.
type activeJob struct {
	mu          sync.Mutex
	job         *models.ScanJob
	ctx         context.Context
	cancel      context.CancelFunc
	cancelledBy string
}

func (a *activeJob) requestCancel(by string) {
	a.mu.Lock()
	if a.cancelledBy == "" {
		a.cancelledBy = by
	}
	a.mu.Unlock()
	a.cancel()
}

func (a *activeJob) cancelRequestedBy() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelledBy
}

func (a *activeJob) update(fn func(*models.ScanJob)) {
	a.mu.Lock()
	fn(a.job)
	a.job.UpdatedAt = time.Now()
	a.mu.Unlock()
}

func (a *activeJob) view() models.ScanJob {
	a.mu.Lock()
	defer a.mu.Unlock()
	return *a.job
}

// runState accumulates one attempt's output.
type runState struct {
	findings    []models.Finding
	diagnostics []models.Diagnostic
	panicked    bool
}

func (r *runState) reset() {
	r.findings = nil
	r.diagnostics = nil
	r.panicked = false
}

// Orchestrator owns the scan job lifecycle: admission, per-tenant fair
// queueing, worker dispatch, deadlines, retries, cancellation and terminal
// result assembly.
type Orchestrator struct {
	cfg      *config.Config
	scanners *scanner.Registry
	admitter Admitter
	store    Store
	registry *registry.Registry
	scorer   *scoring.Engine
	notifier Notifier
	log      *logger.Logger
	workerID string

	hub *eventHub

	mu      sync.Mutex
	queues  map[uuid.UUID][]*queuedJob
	order   []uuid.UUID
	next    int
	queued  int
	active  map[uuid.UUID]*activeJob
	perType map[models.ScanType]int

	slots    chan struct{}
	wake     chan struct{}
	stopChan chan struct{}
	stopped  bool
	wg       sync.WaitGroup
}

// New builds an orchestrator. Start must be called before submissions.
func New(cfg *config.Config, scanners *scanner.Registry, admitter Admitter, store Store, reg *registry.Registry, log *logger.Logger) *Orchestrator {
	host, _ := os.Hostname()
	poolSize := cfg.GlobalPoolSize
	if poolSize < 1 {
		poolSize = 1
	}
	return &Orchestrator{
		cfg:      cfg,
		scanners: scanners,
		admitter: admitter,
		store:    store,
		registry: reg,
		scorer:   scoring.New(),
		log:      log,
		workerID: fmt.Sprintf("%s-%d", host, os.Getpid()),
		hub:      newEventHub(),
		queues:   make(map[uuid.UUID][]*queuedJob),
		active:   make(map[uuid.UUID]*activeJob),
		perType:  make(map[models.ScanType]int),
		slots:    make(chan struct{}, poolSize),
		wake:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
}

// SetNotifier installs the terminal-state hook. Must be called before Start.
func (o *Orchestrator) SetNotifier(n Notifier) { o.notifier = n }

// Start recovers jobs left over from a previous process and begins
// dispatching.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.recoverStale(ctx); err != nil {
		return fmt.Errorf("recovering unfinished jobs: %w", err)
	}
	o.wg.Add(1)
	go o.dispatchLoop()
	o.log.Info("orchestrator started", "worker_id", o.workerID, "pool_size", cap(o.slots))
	return nil
}

// Stop cancels running jobs and waits for workers to drain. Jobs still
// queued stay Queued in storage and are failed by recovery on next start.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	running := make([]*activeJob, 0, len(o.active))
	for _, aj := range o.active {
		running = append(running, aj)
	}
	o.mu.Unlock()

	close(o.stopChan)
	for _, aj := range running {
		aj.requestCancel("system:shutdown")
	}
	o.wg.Wait()
	o.log.Info("orchestrator stopped")
}

// Submit admits one scan request. A nil rejection and nil error means the
// job was queued; the returned job carries its ID and Queued state.
func (o *Orchestrator) Submit(ctx context.Context, req *models.ScanRequest) (*models.ScanJob, *license.Rejection, error) {
	if req.RequestID == uuid.Nil {
		req.RequestID = uuid.New()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now()
	}
	target := "job:" + req.RequestID.String()

	if _, ok := o.scanners.Get(req.ScanType); !ok {
		rej := &license.Rejection{Kind: license.RejectedUnknownScanType}
		o.audit(req.TenantID, req.Principal.UserID, models.AuditActionSubmit, target, models.AuditOutcomeRejected, map[string]string{"kind": rej.Kind})
		return nil, rej, nil
	}

	if o.overloaded() {
		rej := &license.Rejection{Kind: license.RejectedConcurrency, Reason: "queue_backpressure", RetryAfter: 30 * time.Second}
		o.audit(req.TenantID, req.Principal.UserID, models.AuditActionSubmit, target, models.AuditOutcomeRejected, map[string]string{"kind": rej.Kind, "reason": rej.Reason})
		return nil, rej, nil
	}

	res, rej, err := o.admitter.Admit(ctx, req)
	if err != nil {
		return nil, nil, fmt.Errorf("admitting request: %w", err)
	}
	if rej != nil {
		o.audit(req.TenantID, req.Principal.UserID, models.AuditActionSubmit, target, models.AuditOutcomeRejected, map[string]string{"kind": rej.Kind, "reason": rej.Reason})
		return nil, rej, nil
	}

	now := time.Now()
	job := &models.ScanJob{
		ID:          req.RequestID,
		TenantID:    req.TenantID,
		ScanType:    req.ScanType,
		State:       models.JobStateQueued,
		SubmittedAt: req.SubmittedAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.SaveJob(ctx, job); err != nil {
		if res != nil {
			if rerr := o.admitter.Release(ctx, res); rerr != nil {
				o.log.Error("releasing reservation after failed save", rerr)
			}
		}
		return nil, nil, fmt.Errorf("saving job: %w", err)
	}

	o.enqueue(&queuedJob{job: job, req: req, snap: o.registry.Snapshot()})

	// Queue wait can outlive the reservation TTL, so the quota is settled
	// now. A later cancellation does not refund it.
	if res != nil {
		if err := o.admitter.Commit(ctx, res); err != nil {
			o.log.Error("committing quota reservation", err)
		}
	}

	o.audit(req.TenantID, req.Principal.UserID, models.AuditActionSubmit, target, models.AuditOutcomeOK, map[string]string{"scan_type": string(req.ScanType)})
	o.kick()
	return job, nil, nil
}

// Cancel requests cancellation of a job. Queued jobs go terminal directly;
// running jobs observe the cancel through their context. Cancelling a job
// that already finished is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, tenantID, jobID uuid.UUID, cancelledBy string) error {
	target := "job:" + jobID.String()

	o.mu.Lock()
	if qj := o.removeQueuedLocked(tenantID, jobID); qj != nil {
		o.mu.Unlock()
		o.finalizeQueued(qj, cancelledBy)
		o.audit(tenantID, cancelledBy, models.AuditActionCancel, target, models.AuditOutcomeOK, nil)
		return nil
	}
	if aj, ok := o.active[jobID]; ok && aj.view().TenantID == tenantID {
		o.mu.Unlock()
		aj.requestCancel(cancelledBy)
		o.audit(tenantID, cancelledBy, models.AuditActionCancel, target, models.AuditOutcomeOK, nil)
		return nil
	}
	o.mu.Unlock()

	job, err := o.store.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return ErrNotFound
	}
	// Already terminal, or owned by a worker that is gone.
	return nil
}

// Job returns the current view of a job, preferring live state over storage.
func (o *Orchestrator) Job(ctx context.Context, tenantID, jobID uuid.UUID) (*models.ScanJob, error) {
	o.mu.Lock()
	if aj, ok := o.active[jobID]; ok {
		v := aj.view()
		o.mu.Unlock()
		if v.TenantID != tenantID {
			return nil, ErrNotFound
		}
		return &v, nil
	}
	for _, qj := range o.queues[tenantID] {
		if qj.job.ID == jobID {
			v := *qj.job
			o.mu.Unlock()
			return &v, nil
		}
	}
	o.mu.Unlock()

	job, err := o.store.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrNotFound
	}
	return job, nil
}

// Stream replays the job's events so far and tails the rest until the
// terminal event. The cancel func releases the subscription.
func (o *Orchestrator) Stream(ctx context.Context, tenantID, jobID uuid.UUID) ([]scanner.Event, <-chan scanner.Event, func(), error) {
	if _, err := o.Job(ctx, tenantID, jobID); err != nil {
		return nil, nil, nil, err
	}
	replay, live, cancel := o.hub.Subscribe(jobID)
	return replay, live, cancel, nil
}

// QueueDepth reports jobs admitted but not yet terminal.
func (o *Orchestrator) QueueDepth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queued + len(o.active)
}

func (o *Orchestrator) overloaded() bool {
	threshold := o.cfg.QueueMaxAdmitted * o.cfg.BackpressureThresholdPct / 100
	if threshold < 1 {
		threshold = 1
	}
	return o.QueueDepth() >= threshold
}

func (o *Orchestrator) enqueue(qj *queuedJob) {
	o.mu.Lock()
	defer o.mu.Unlock()
	tid := qj.job.TenantID
	if _, ok := o.queues[tid]; !ok {
		o.order = append(o.order, tid)
	}
	o.queues[tid] = append(o.queues[tid], qj)
	o.queued++
}

// removeQueuedLocked pulls a job out of its tenant queue. Caller holds the
// lock.
func (o *Orchestrator) removeQueuedLocked(tenantID, jobID uuid.UUID) *queuedJob {
	q := o.queues[tenantID]
	for i, qj := range q {
		if qj.job.ID != jobID {
			continue
		}
		o.queues[tenantID] = append(q[:i], q[i+1:]...)
		if len(o.queues[tenantID]) == 0 {
			delete(o.queues, tenantID)
			o.dropFromOrderLocked(tenantID)
		}
		o.queued--
		return qj
	}
	return nil
}

func (o *Orchestrator) dropFromOrderLocked(tenantID uuid.UUID) {
	for i, tid := range o.order {
		if tid != tenantID {
			continue
		}
		o.order = append(o.order[:i], o.order[i+1:]...)
		if i < o.next {
			o.next--
		}
		if len(o.order) > 0 {
			o.next %= len(o.order)
		} else {
			o.next = 0
		}
		return
	}
}

func (o *Orchestrator) dispatchLoop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.stopChan:
			return
		case <-o.wake:
			o.dispatch()
		}
	}
}

func (o *Orchestrator) kick() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// dispatch fills free worker slots with queued jobs, visiting tenants
// round-robin so one busy tenant cannot starve the rest.
func (o *Orchestrator) dispatch() {
	for {
		select {
		case o.slots <- struct{}{}:
		default:
			return
		}
		aj, qj := o.claimNext()
		if qj == nil {
			<-o.slots
			return
		}
		o.wg.Add(1)
		go o.runJob(aj, qj)
	}
}

// claimNext pops the next runnable job honoring per-type caps. A tenant
// whose head-of-queue type is at its cap is skipped this round.
func (o *Orchestrator) claimNext() (*activeJob, *queuedJob) {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := len(o.order)
	for i := 0; i < n; i++ {
		idx := (o.next + i) % n
		tid := o.order[idx]
		q := o.queues[tid]
		if len(q) == 0 {
			continue
		}
		head := q[0]
		t := head.job.ScanType
		if limit, ok := o.cfg.PerTypeCaps[t]; ok && o.perType[t] >= limit {
			continue
		}

		o.queues[tid] = q[1:]
		if len(o.queues[tid]) == 0 {
			delete(o.queues, tid)
			o.order = append(o.order[:idx], o.order[idx+1:]...)
			if idx < o.next {
				o.next--
			}
			if len(o.order) > 0 {
				o.next %= len(o.order)
			} else {
				o.next = 0
			}
		} else {
			o.next = (idx + 1) % n
		}
		o.queued--
		o.perType[t]++

		runCtx, cancel := context.WithCancel(context.Background())
		aj := &activeJob{job: head.job, ctx: runCtx, cancel: cancel}
		o.active[head.job.ID] = aj
		return aj, head
	}
	return nil, nil
}

func (o *Orchestrator) deadlineFor(t models.ScanType) time.Duration {
	if d, ok := o.cfg.DeadlinePerType[t]; ok && d > 0 {
		return d
	}
	return defaultDeadline
}

// runJob drives one job from Admitted to a terminal state.
func (o *Orchestrator) runJob(aj *activeJob, qj *queuedJob) {
	defer o.wg.Done()
	job := qj.job

	defer func() {
		o.mu.Lock()
		delete(o.active, job.ID)
		o.perType[job.ScanType]--
		o.mu.Unlock()
		<-o.slots
		o.kick()
	}()

	aj.update(func(j *models.ScanJob) {
		j.State = models.JobStateAdmitted
		j.WorkerID = o.workerID
	})
	o.persistJob(aj)

	ctx, cancel := context.WithTimeout(aj.ctx, o.deadlineFor(job.ScanType))
	defer cancel()

	started := time.Now()
	aj.update(func(j *models.ScanJob) {
		j.State = models.JobStateRunning
		j.StartedAt = &started
	})
	o.persistJob(aj)

	sc, _ := o.scanners.Get(job.ScanType)
	run := &runState{}
	emit := o.emitFunc(ctx, aj, run)

	maxAttempts := 1
	if sc.RetrySafe() && o.cfg.RetryMaxAttempts > 0 {
		maxAttempts = 1 + o.cfg.RetryMaxAttempts
	}

	var hints *scanner.SummaryHints
	var runErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := o.cfg.RetryBackoffBase << (2 * (attempt - 1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
			run.reset()
			o.hub.Publish(job.ID, scanner.Event{Kind: scanner.EventDiagnostic, Diagnostic: &models.Diagnostic{
				Level:   models.DiagWarning,
				Message: fmt.Sprintf("retrying after transient failure (attempt %d of %d)", attempt+1, maxAttempts),
			}})
		}
		hints, runErr = o.invoke(ctx, sc, qj, emit, run)
		if runErr == nil || run.panicked || ctx.Err() != nil {
			break
		}
	}

	state := models.JobStateSucceeded
	errMsg := ""
	cancelledBy := aj.cancelRequestedBy()
	switch {
	case cancelledBy != "":
		state = models.JobStateCancelled
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		state = models.JobStateTimedOut
		errMsg = "deadline exceeded"
	case runErr != nil:
		state = models.JobStateFailed
		errMsg = runErr.Error()
	}

	o.finalize(aj, qj, state, errMsg, cancelledBy, started, hints, run)
}

// invoke runs one scanner attempt with panic containment.
func (o *Orchestrator) invoke(ctx context.Context, sc scanner.Scanner, qj *queuedJob, emit scanner.Emit, run *runState) (hints *scanner.SummaryHints, err error) {
	defer func() {
		if r := recover(); r != nil {
			run.panicked = true
			err = fmt.Errorf("scanner panic: %v", r)
			o.log.Error("scanner panicked", err)
		}
	}()
	return sc.Run(ctx, qj.req, qj.snap, emit)
}

// emitFunc builds the scanner-facing event sink. It observes cancellation,
// mirrors events to the stream hub and persists findings as they arrive so
// a crash never loses completed work.
func (o *Orchestrator) emitFunc(ctx context.Context, aj *activeJob, run *runState) scanner.Emit {
	return func(ev scanner.Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch ev.Kind {
		case scanner.EventProgress:
			aj.update(func(j *models.ScanJob) { j.ProgressPct = ev.ProgressPct })
		case scanner.EventFinding:
			f := *ev.Finding
			run.findings = append(run.findings, f)
			aj.update(func(j *models.ScanJob) { j.PartialFindings = len(run.findings) })
			pctx, cancel := o.persistCtx()
			if err := o.store.AppendFindings(pctx, aj.job.TenantID, aj.job.ID, []models.Finding{f}); err != nil {
				o.log.Error("appending finding", err)
			}
			cancel()
		case scanner.EventDiagnostic:
			run.diagnostics = append(run.diagnostics, *ev.Diagnostic)
		}
		o.hub.Publish(aj.job.ID, ev)
		return nil
	}
}

// finalize assembles the canonical result, persists the terminal transition
// and publishes the terminal event.
func (o *Orchestrator) finalize(aj *activeJob, qj *queuedJob, state models.JobState, errMsg, cancelledBy string, started time.Time, hints *scanner.SummaryHints, run *runState) {
	now := time.Now()
	aj.update(func(j *models.ScanJob) {
		j.State = state
		j.FinishedAt = &now
		j.ErrorMessage = errMsg
		j.CancelledBy = cancelledBy
		if state == models.JobStateSucceeded {
			j.ProgressPct = 100
		}
	})
	job := aj.view()

	result := aggregator.Build(aggregator.Input{
		Job:         &job,
		State:       state,
		StartedAt:   started,
		CompletedAt: now,
		Findings:    run.findings,
		Diagnostics: run.diagnostics,
		Hints:       hints,
		Snapshot:    qj.snap,
	})
	o.scorer.Score(result, qj.snap)

	var point *models.ComplianceHistoryPoint
	if state == models.JobStateSucceeded {
		p := o.scorer.HistoryPoint(result, now)
		point = &p
	}

	pctx, cancel := o.persistCtx()
	if err := o.store.CompleteJob(pctx, &job, result, point); err != nil {
		o.log.Error("completing job", err)
	}
	cancel()

	o.hub.Publish(job.ID, scanner.Event{Kind: scanner.EventTerminal, TerminalState: state})
	o.audit(job.TenantID, "system", models.AuditActionFinish, "job:"+job.ID.String(), finishOutcome(state), map[string]string{"state": string(state)})
	o.log.Info("job finished",
		"job_id", job.ID.String(), "scan_type", string(job.ScanType),
		"state", string(state), "findings", result.Totals.TotalFindings,
		"score", fmt.Sprintf("%.1f", result.ComplianceScore))

	if o.notifier != nil {
		o.notifier.JobFinished(&job, result)
	}
}

// finalizeQueued goes Queued to Cancelled without ever running. The quota
// was committed at submission and stays consumed.
func (o *Orchestrator) finalizeQueued(qj *queuedJob, cancelledBy string) {
	now := time.Now()
	job := qj.job
	job.State = models.JobStateCancelled
	job.CancelledBy = cancelledBy
	job.FinishedAt = &now
	job.UpdatedAt = now

	result := aggregator.Build(aggregator.Input{
		Job:         job,
		State:       models.JobStateCancelled,
		StartedAt:   job.SubmittedAt,
		CompletedAt: now,
		Snapshot:    qj.snap,
	})
	o.scorer.Score(result, qj.snap)

	pctx, cancel := o.persistCtx()
	defer cancel()
	if err := o.store.CompleteJob(pctx, job, result, nil); err != nil {
		o.log.Error("completing cancelled job", err)
	}
	o.hub.Publish(job.ID, scanner.Event{Kind: scanner.EventTerminal, TerminalState: models.JobStateCancelled})
}

// recoverStale fails jobs a previous process left non-terminal, rebuilding
// what it can from findings persisted before the interruption.
func (o *Orchestrator) recoverStale(ctx context.Context) error {
	jobs, err := o.store.ListUnfinishedJobs(ctx)
	if err != nil {
		return err
	}
	snap := o.registry.Snapshot()
	for i := range jobs {
		job := jobs[i]
		findings, err := o.store.ListFindings(ctx, job.TenantID, job.ID)
		if err != nil {
			o.log.Error("listing findings for recovery", err)
		}

		now := time.Now()
		started := job.SubmittedAt
		if job.StartedAt != nil {
			started = *job.StartedAt
		}
		job.State = models.JobStateFailed
		job.ErrorMessage = "interrupted by process restart"
		job.FinishedAt = &now
		job.UpdatedAt = now

		result := aggregator.Build(aggregator.Input{
			Job:         &job,
			State:       models.JobStateFailed,
			StartedAt:   started,
			CompletedAt: now,
			Findings:    findings,
			Snapshot:    snap,
		})
		o.scorer.Score(result, snap)

		if err := o.store.CompleteJob(ctx, &job, result, nil); err != nil {
			o.log.Error("completing recovered job", err)
			continue
		}
		o.audit(job.TenantID, "system", models.AuditActionFinish, "job:"+job.ID.String(), models.AuditOutcomeError, map[string]string{"state": string(models.JobStateFailed), "reason": "recovered"})
		o.log.Warn("recovered stale job", "job_id", job.ID.String(), "findings", len(findings))
	}
	return nil
}

func finishOutcome(state models.JobState) string {
	if state == models.JobStateSucceeded {
		return models.AuditOutcomeOK
	}
	return models.AuditOutcomeError
}

func (o *Orchestrator) persistJob(aj *activeJob) {
	job := aj.view()
	pctx, cancel := o.persistCtx()
	defer cancel()
	if err := o.store.UpdateJob(pctx, &job); err != nil {
		o.log.Error("updating job", err)
	}
}

func (o *Orchestrator) persistCtx() (context.Context, context.CancelFunc) {
	timeout := o.cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

func (o *Orchestrator) audit(tenantID uuid.UUID, actor, action, target, outcome string, attrs map[string]string) {
	pctx, cancel := o.persistCtx()
	defer cancel()
	ev := models.AuditEvent{
		At:         time.Now(),
		TenantID:   tenantID,
		Actor:      actor,
		Action:     action,
		Target:     target,
		Outcome:    outcome,
		Attributes: attrs,
	}
	if err := o.store.AppendAudit(pctx, ev); err != nil {
		o.log.Error("appending audit event", err)
	}
}
