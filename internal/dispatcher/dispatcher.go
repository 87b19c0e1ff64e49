package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/serverledge-faas/offloadge/internal/decision"
	"github.com/serverledge-faas/offloadge/internal/history"
	"github.com/serverledge-faas/offloadge/internal/metrics"
	"github.com/serverledge-faas/offloadge/internal/netsampler"
	"github.com/serverledge-faas/offloadge/internal/protocol"
	"github.com/serverledge-faas/offloadge/internal/registry"
	"github.com/serverledge-faas/offloadge/internal/telemetry"
)

var (
	ErrDispatcherClosed     = errors.New("dispatcher is closed")
	ErrDispatcherNotStarted = errors.New("dispatcher not started")
)

const DefaultWorkers = 3

type Config struct {
	AppName       string
	Workers       int
	QueueCapacity int
	// number of clones asked to cooperate on each offloaded call
	HelperCount int
}

// Dispatcher runs application calls on a fixed pool of workers, locally or on the clone.
type Dispatcher struct {
	cfg     Config
	methods *registry.Registry
	policy  decision.Policy
	store   *history.Store
	conn    Connection
	sampler SampleSource

	nextID atomic.Uint64
	tasks  chan *Task
	stopCh chan struct{}
	wg     sync.WaitGroup
	// Submit calls between the state check and the enqueue
	submitting sync.WaitGroup

	mu       sync.Mutex
	started  bool
	stopped  bool
	inflight atomic.Int64
}

func New(cfg Config, methods *registry.Registry, policy decision.Policy, store *history.Store, conn Connection, sampler SampleSource) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 500
	}
	if cfg.HelperCount <= 0 {
		cfg.HelperCount = 1
	}
	return &Dispatcher{
		cfg:     cfg,
		methods: methods,
		policy:  policy,
		store:   store,
		conn:    conn,
		sampler: sampler,
		tasks:   make(chan *Task, cfg.QueueCapacity),
		stopCh:  make(chan struct{}),
	}
}

func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return ErrDispatcherClosed
	}
	if d.started {
		return errors.New("dispatcher already started")
	}

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.work()
		}()
	}
	d.started = true
	log.Printf("Dispatcher started with %d workers", d.cfg.Workers)
	return nil
}

func (d *Dispatcher) work() {
	for {
		select {
		case <-d.stopCh:
			return
		case task := <-d.tasks:
			d.run(task)
		}
	}
}

// Submit queues call and returns the task whose Done channel delivers the result.
func (d *Dispatcher) Submit(ctx context.Context, call Call) (*Task, error) {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil, ErrDispatcherNotStarted
	}
	if d.stopped {
		d.mu.Unlock()
		return nil, ErrDispatcherClosed
	}
	d.submitting.Add(1)
	d.mu.Unlock()
	defer d.submitting.Done()

	task := &Task{
		Call:      call,
		ID:        d.nextID.Add(1),
		CreatedAt: time.Now(),
		ctx:       ctx,
		done:      make(chan TaskResult, 1),
	}

	select {
	case d.tasks <- task:
		return task, nil
	case <-d.stopCh:
		return nil, ErrDispatcherClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Execute submits call and waits for its result.
func (d *Dispatcher) Execute(ctx context.Context, call Call) TaskResult {
	task, err := d.Submit(ctx, call)
	if err != nil {
		return TaskResult{Err: err}
	}
	select {
	case res := <-task.Done():
		return res
	case <-ctx.Done():
		return TaskResult{TaskID: task.ID, Err: ctx.Err()}
	}
}

// Stop waits for the running tasks; queued tasks are completed with ErrDispatcherClosed.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.stopped = true
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	close(d.stopCh)
	d.wg.Wait()
	d.submitting.Wait()

	for {
		select {
		case task := <-d.tasks:
			task.done <- TaskResult{TaskID: task.ID, Err: ErrDispatcherClosed}
		default:
			log.Println("Dispatcher stopped")
			return
		}
	}
}

// Inflight returns the number of tasks currently executing.
func (d *Dispatcher) Inflight() int64 {
	return d.inflight.Load()
}

func (d *Dispatcher) run(task *Task) {
	d.inflight.Add(1)
	defer d.inflight.Add(-1)

	ctx := task.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if telemetry.DefaultTracer != nil {
		var span trace.Span
		ctx, span = telemetry.DefaultTracer.Start(ctx, fmt.Sprintf("task-%d", task.ID))
		defer span.End()
	}

	start := time.Now()
	location := history.LOCAL
	if d.conn != nil && d.conn.IsConnected() {
		sample := d.currentSample()
		location = d.policy.Decide(d.cfg.AppName, task.Method, sample.UlRate, sample.DlRate)
	}
	if telemetry.DefaultTracer != nil {
		trace.SpanFromContext(ctx).AddEvent(fmt.Sprintf("Decision: %s", location))
	}

	var result TaskResult
	offloaded := false
	if location == history.REMOTE {
		result, offloaded = d.executeRemotely(ctx, task, start)
	}
	if !offloaded {
		result = d.executeLocally(task, time.Now())
	}

	if telemetry.DefaultTracer != nil {
		trace.SpanFromContext(ctx).AddEvent("Task complete")
	}
	if result.Err == nil {
		metrics.AddCompletedTask(task.Method, string(result.Location), result.Duration)
	}
	task.done <- result
}

func (d *Dispatcher) currentSample() netsampler.Sample {
	if d.sampler == nil {
		return netsampler.EmptySample("")
	}
	return d.sampler.Current()
}

func (d *Dispatcher) executeLocally(task *Task, start time.Time) TaskResult {
	result := TaskResult{TaskID: task.ID, Location: history.LOCAL}

	typeID, err := registry.TypeOf(task.Receiver)
	if err != nil {
		result.Err = err
		return result
	}
	method, err := d.methods.Lookup(typeID, task.Method, task.ParamTypes)
	if err != nil {
		result.Err = err
		return result
	}

	pureStart := time.Now()
	value, err := method.Call(registry.LocalContext(), task.Receiver, task.Args)
	pure := time.Since(pureStart)
	result.Duration = time.Since(start)

	sample := d.currentSample()
	d.store.Record(history.Record{
		AppName:          d.cfg.AppName,
		MethodName:       task.Method,
		Location:         history.LOCAL,
		NetworkType:      sample.NetworkType,
		RTT:              sample.RTTNanos(),
		UlRate:           sample.UlRate,
		DlRate:           sample.DlRate,
		ExecDuration:     int64(result.Duration),
		PureExecDuration: int64(pure),
	})

	if err != nil {
		log.Printf("[%d] %s failed locally: %v", task.ID, task.Method, err)
		result.Err = err
		return result
	}
	result.Value, result.Err = json.Marshal(value)
	return result
}

// executeRemotely reports false when the task must run locally instead.
func (d *Dispatcher) executeRemotely(ctx context.Context, task *Task, start time.Time) (TaskResult, bool) {
	sample := d.currentSample()

	prepareStart := time.Now()
	if preparer, ok := task.Receiver.(registry.ClientPreparer); ok {
		preparer.PrepareDataOnClient()
	}
	prepare := time.Since(prepareStart)

	state, err := registry.EncodeReceiver(task.Receiver)
	if err != nil {
		d.fallback(task, "encoding", err)
		return TaskResult{}, false
	}

	req := &protocol.OffloadRequest{
		HelperCount:   int32(d.cfg.HelperCount),
		ReceiverState: state,
		Method:        task.Method,
		ParamTypes:    task.ParamTypes,
		ParamValues:   task.Args.Raw(),
	}
	env, err := d.conn.Offload(ctx, req)
	if err != nil {
		d.fallback(task, "transport", err)
		return TaskResult{}, false
	}
	if !env.Result.IsSuccess() {
		d.fallback(task, "remote-failure", errors.New(env.Result.String()))
		return TaskResult{}, false
	}
	if len(env.ObjectState) > 0 {
		if err := d.methods.ReplaceState(task.Receiver, env.ObjectState); err != nil {
			d.fallback(task, "state", err)
			return TaskResult{}, false
		}
	}

	duration := time.Since(start)
	d.store.Record(history.Record{
		AppName:             d.cfg.AppName,
		MethodName:          task.Method,
		Location:            history.REMOTE,
		NetworkType:         sample.NetworkType,
		RTT:                 sample.RTTNanos(),
		UlRate:              sample.UlRate,
		DlRate:              sample.DlRate,
		ExecDuration:        int64(duration),
		PureExecDuration:    env.PureExecutionDuration,
		PrepareDataDuration: int64(prepare),
	})

	return TaskResult{
		TaskID:   task.ID,
		Location: history.REMOTE,
		Value:    env.Result.Value,
		Duration: duration,
	}, true
}

func (d *Dispatcher) fallback(task *Task, reason string, err error) {
	log.Printf("[%d] remote execution of %s failed (%s), running locally: %v", task.ID, task.Method, reason, err)
	metrics.AddFallback(task.Method, reason)
}
