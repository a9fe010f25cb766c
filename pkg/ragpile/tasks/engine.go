// Package tasks runs user-owned scheduled jobs on cron triggers.
// Uses robfig/cron for cron expression parsing and firing, with the
// job table in the store as the source of truth across restarts.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ragpile/ragpile/pkg/ragpile/store"
	"github.com/ragpile/ragpile/pkg/ragpile/tools"
)

var (
	// ErrUnknownBody is returned when a job names a body that no host
	// code registered.
	ErrUnknownBody = errors.New("unknown job body")

	// ErrJobNotFound is returned for operations on job ids the engine
	// does not know.
	ErrJobNotFound = errors.New("job not found")
)

// cronParser accepts standard 5-field expressions plus @daily-style
// descriptors and @every intervals. Specs are validated against it on
// create and stored verbatim.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// RunContext is handed to a job body for one execution. Tools are
// rebound to the job's owner on every run, so a body never observes a
// binding left over from another user's job on the same worker.
type RunContext struct {
	Job   *store.Job
	Tools map[string]tools.Bound

	// State is the job's private key-value bag. The body mutates it
	// freely; the engine persists the whole bag as one snapshot after
	// the run succeeds, and discards the mutations when it fails.
	State map[string]string

	// Notify delivers a message to the job's owner.
	Notify func(ctx context.Context, text string) error

	Log *slog.Logger
}

// Body is a host-registered function executed when a job fires.
type Body func(ctx context.Context, rc *RunContext) error

// Notifier delivers job output to a user.
type Notifier func(ctx context.Context, userID, text string) error

// Config tunes the Engine.
type Config struct {
	// Workers is the size of the fixed execution pool.
	Workers int

	// RunTimeout bounds a single job execution.
	RunTimeout time.Duration
}

// Engine owns the cron schedule, the worker pool, and the in-memory
// view of all jobs.
type Engine struct {
	store    store.Store
	registry *tools.Registry
	cfg      Config
	log      *slog.Logger

	cron    *cron.Cron
	cronIDs map[string]cron.EntryID

	// jobs is the in-memory mirror of the persisted job table.
	jobs map[string]*store.Job

	// running marks jobs with an execution in flight or queued, so a
	// trigger that fires while the previous run is still going is
	// skipped rather than stacked.
	running map[string]bool

	bodies   map[string]Body
	notifier Notifier

	fires  chan string
	wg     sync.WaitGroup
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine creates an Engine over st. Bodies must be registered
// before Start so persisted jobs can be matched against them.
func NewEngine(st store.Store, registry *tools.Registry, cfg Config, log *slog.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:    st,
		registry: registry,
		cfg:      cfg,
		log:      log.With("component", "tasks"),
		cronIDs:  make(map[string]cron.EntryID),
		jobs:     make(map[string]*store.Job),
		running:  make(map[string]bool),
		bodies:   make(map[string]Body),
		fires:    make(chan string, cfg.Workers*4),
	}
}

// RegisterBody makes fn available to jobs under name.
func (e *Engine) RegisterBody(name string, fn Body) error {
	if name == "" || fn == nil {
		return errors.New("job body needs a name and a function")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.bodies[name]; ok {
		return fmt.Errorf("job body %q registered twice", name)
	}
	e.bodies[name] = fn
	return nil
}

// SetNotifier registers the delivery callback used by RunContext.Notify.
func (e *Engine) SetNotifier(n Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifier = n
}

// Start loads persisted jobs, prunes the ones no registered body can
// serve, schedules the rest, and launches the worker pool.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.cron = cron.New(cron.WithParser(cronParser))

	jobs, err := e.store.ListAllJobs(e.ctx)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}

	e.mu.Lock()
	for _, job := range jobs {
		if _, ok := e.bodies[job.Body]; !ok {
			// A job left behind by a removed body would fail on every
			// trigger forever. Drop it instead.
			e.mu.Unlock()
			if err := e.store.DeleteJob(e.ctx, job.ID); err != nil {
				e.log.Error("failed to prune orphaned job", "id", job.ID, "error", err)
			} else {
				e.log.Warn("pruned job with unregistered body", "id", job.ID, "body", job.Body)
			}
			e.mu.Lock()
			continue
		}
		e.jobs[job.ID] = job
		if !job.Paused {
			if err := e.scheduleLocked(job); err != nil {
				e.log.Warn("skipping job with invalid schedule",
					"id", job.ID, "spec", job.Spec, "error", err)
			}
		}
	}
	jobCount := len(e.jobs)
	e.mu.Unlock()

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	e.cron.Start()

	e.log.Info("task engine started", "jobs", jobCount, "workers", e.cfg.Workers)
	return nil
}

// Stop halts triggering and waits for in-flight runs to finish.
func (e *Engine) Stop() {
	if e.cron != nil {
		<-e.cron.Stop().Done()
	}
	close(e.fires)
	e.wg.Wait()
	if e.cancel != nil {
		e.cancel()
	}
	e.log.Info("task engine stopped")
}

// ValidateSpec checks a cron expression without touching any engine
// state. Callers that build jobs outside the engine use it to reject
// bad specs early.
func ValidateSpec(spec string) error {
	_, err := cronParser.Parse(spec)
	return err
}

// Create validates, persists, and schedules a new job. The cron spec is
// kept exactly as the user wrote it.
func (e *Engine) Create(ctx context.Context, job *store.Job) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	if _, err := cronParser.Parse(job.Spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", job.Spec, err)
	}

	e.mu.Lock()
	if _, ok := e.bodies[job.Body]; !ok {
		e.mu.Unlock()
		return fmt.Errorf("%q: %w", job.Body, ErrUnknownBody)
	}
	if _, exists := e.jobs[job.ID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("job %q already exists", job.ID)
	}
	e.mu.Unlock()

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.State == nil {
		job.State = make(map[string]string)
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("persist job: %w", err)
	}

	e.mu.Lock()
	e.jobs[job.ID] = job
	var schedErr error
	if !job.Paused && e.cron != nil {
		schedErr = e.scheduleLocked(job)
	}
	e.mu.Unlock()
	if schedErr != nil {
		return schedErr
	}

	e.log.Info("job created", "id", job.ID, "spec", job.Spec, "body", job.Body, "user", job.UserID)
	return nil
}

// Update changes a job's name, schedule, or state and reschedules it.
// Owner, body, and run bookkeeping stay as they are. The new cron spec
// is validated before anything is touched.
func (e *Engine) Update(ctx context.Context, id, name, spec string, state map[string]string) error {
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	e.mu.Lock()
	job, ok := e.jobs[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("job %q: %w", id, ErrJobNotFound)
	}
	if name != "" {
		job.Name = name
	}
	rescheduled := job.Spec != spec
	job.Spec = spec
	if state != nil {
		job.State = state
	}
	var schedErr error
	if rescheduled && !job.Paused {
		e.unscheduleLocked(id)
		if e.cron != nil {
			schedErr = e.scheduleLocked(job)
		}
	}
	snap := *job
	snap.State = maps.Clone(job.State)
	e.mu.Unlock()
	if schedErr != nil {
		return schedErr
	}

	if err := e.store.UpdateJob(ctx, &snap); err != nil {
		return fmt.Errorf("persist job: %w", err)
	}
	e.log.Info("job updated", "id", id, "spec", spec)
	return nil
}

// Delete removes a job from the schedule and the store.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	if _, ok := e.jobs[id]; !ok {
		e.mu.Unlock()
		return fmt.Errorf("job %q: %w", id, ErrJobNotFound)
	}
	e.unscheduleLocked(id)
	delete(e.jobs, id)
	e.mu.Unlock()

	if err := e.store.DeleteJob(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete job: %w", err)
	}
	e.log.Info("job deleted", "id", id)
	return nil
}

// Pause keeps the job persisted but stops triggering it.
func (e *Engine) Pause(ctx context.Context, id string) error {
	return e.setPaused(ctx, id, true)
}

// Resume puts a paused job back on the schedule.
func (e *Engine) Resume(ctx context.Context, id string) error {
	return e.setPaused(ctx, id, false)
}

func (e *Engine) setPaused(ctx context.Context, id string, paused bool) error {
	e.mu.Lock()
	job, ok := e.jobs[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("job %q: %w", id, ErrJobNotFound)
	}
	if job.Paused == paused {
		e.mu.Unlock()
		return nil
	}
	job.Paused = paused
	var schedErr error
	if paused {
		e.unscheduleLocked(id)
	} else if e.cron != nil {
		schedErr = e.scheduleLocked(job)
	}
	snap := *job
	snap.State = maps.Clone(job.State)
	e.mu.Unlock()
	if schedErr != nil {
		return schedErr
	}

	if err := e.store.UpdateJob(ctx, &snap); err != nil {
		return fmt.Errorf("persist job: %w", err)
	}
	return nil
}

// List returns the jobs owned by userID; an empty userID lists all.
func (e *Engine) List(userID string) []*store.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*store.Job, 0, len(e.jobs))
	for _, j := range e.jobs {
		if userID == "" || j.UserID == userID {
			out = append(out, j)
		}
	}
	return out
}

// Get returns a job by id.
func (e *Engine) Get(id string) (*store.Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[id]
	return j, ok
}

// Trigger queues an immediate run outside the schedule, with the same
// coalescing as a cron fire.
func (e *Engine) Trigger(id string) error {
	e.mu.Lock()
	_, ok := e.jobs[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q: %w", id, ErrJobNotFound)
	}
	e.fire(id)
	return nil
}

// ---------- Internal ----------

// scheduleLocked registers the job with cron. Caller holds e.mu.
func (e *Engine) scheduleLocked(job *store.Job) error {
	id := job.ID
	entryID, err := e.cron.AddFunc(job.Spec, func() { e.fire(id) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", job.Spec, err)
	}
	e.cronIDs[id] = entryID
	return nil
}

// unscheduleLocked drops the job's cron entry. Caller holds e.mu.
func (e *Engine) unscheduleLocked(id string) {
	if entryID, ok := e.cronIDs[id]; ok {
		e.cron.Remove(entryID)
		delete(e.cronIDs, id)
	}
}

// fire hands a job id to the worker pool unless a run for it is
// already queued or executing.
func (e *Engine) fire(id string) {
	e.mu.Lock()
	if e.running[id] {
		e.mu.Unlock()
		e.log.Debug("skipping trigger, job already running", "id", id)
		return
	}
	e.running[id] = true
	e.mu.Unlock()

	select {
	case e.fires <- id:
	default:
		// Pool saturated. Drop the fire; the job keeps its schedule.
		e.mu.Lock()
		delete(e.running, id)
		e.mu.Unlock()
		e.log.Warn("dropping trigger, worker pool saturated", "id", id)
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for id := range e.fires {
		e.runJob(id)
	}
}

// runJob executes one job on the calling worker. Panics are contained
// to the run; the job's state bag is replaced wholesale only when the
// body returns nil.
func (e *Engine) runJob(id string) {
	defer func() {
		e.mu.Lock()
		delete(e.running, id)
		e.mu.Unlock()
	}()

	e.mu.Lock()
	job, ok := e.jobs[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	body := e.bodies[job.Body]
	notifier := e.notifier
	userID := job.UserID
	scratch := maps.Clone(job.State)
	// The body runs unlocked; give it a copy so a concurrent Update
	// cannot change the record under it.
	jobCopy := *job
	e.mu.Unlock()

	if scratch == nil {
		scratch = make(map[string]string)
	}
	jobCopy.State = scratch
	if body == nil {
		e.log.Error("job has no registered body", "id", id, "body", job.Body)
		return
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.RunTimeout)
	defer cancel()

	rc := &RunContext{
		Job:   &jobCopy,
		Tools: e.registry.Bind(userID),
		State: scratch,
		Log:   e.log.With("job", id),
	}
	if notifier != nil {
		rc.Notify = func(ctx context.Context, text string) error {
			return notifier(ctx, userID, text)
		}
	} else {
		rc.Notify = func(context.Context, string) error { return nil }
	}

	start := time.Now()
	err := e.execute(ctx, body, rc)
	duration := time.Since(start)

	e.mu.Lock()
	now := start.UTC()
	job.LastRunAt = &now
	job.RunCount++
	if err != nil {
		job.LastError = err.Error()
	} else {
		job.LastError = ""
		job.State = scratch
	}
	_, stillExists := e.jobs[id]
	// Snapshot while still holding the lock; Update can mutate the live
	// job concurrently, and the store call must not read a torn record.
	snap := *job
	snap.State = maps.Clone(job.State)
	e.mu.Unlock()

	if err != nil {
		e.log.Error("job run failed", "id", id, "error", err, "duration", duration)
	} else {
		e.log.Info("job run completed", "id", id, "duration", duration)
	}

	if stillExists {
		if perr := e.store.UpdateJob(e.ctx, &snap); perr != nil {
			e.log.Error("failed to persist job after run", "id", id, "error", perr)
		}
	}
}

// execute invokes the body with panic containment.
func (e *Engine) execute(ctx context.Context, body Body, rc *RunContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job body panicked: %v", r)
		}
	}()
	return body(ctx, rc)
}
