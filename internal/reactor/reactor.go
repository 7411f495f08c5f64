// Package reactor implements the process-wide flow-control supervisor: a
// ticking action loop that escalates tasks running past their hard time
// limit to the parent supervisor, and batches liveness pings and events
// for the same parent connection.
//
// Ported directly from zmon_worker_monitor/workflow.py's
// FlowControlReactor (see original_source/): the same three actions
// (hard-kill, send-ping, send-events) run in order on a 200ms tick, the
// same randomized initial ping/event timers de-correlate a fleet of
// workers, and the same event dedup-by-(origin,type,body) and
// FIFO-drop-oldest buffer cap apply. Python's threading.currentThread()
// key for the running-task map has no Go equivalent (goroutines are not
// named), so EnterTaskContext issues its own per-call token instead —
// the map's purpose (one entry per in-flight task, removed on both
// normal and error exit) is unchanged.
package reactor

import (
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamspace-dev/worker-core/internal/rpcclient"
)

const (
	tWait            = 200 * time.Millisecond
	pingTimedelta    = 30 * time.Second
	eventsTimedelta  = 60 * time.Second
	maxKeepEvents    = 5000
	actionHardKillOp = "FlowControlReactor.action_hard_kill"
	taskEndedOp      = "FlowControlReactor.task_ended"
	actionLoopOp     = "FlowControlReactor.action_loop"
)

// Clock is injected so tests can control time deterministically, per
// spec.md §9's "prefer dependency injection of the RPC client and the
// clock to ease testing".
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type taskEntry struct {
	taskname string
	tHard    float64
	tSoft    float64
	start    time.Time
}

// Reactor is the singleton flow-control supervisor for this process.
// Construct with New and call Start once; Stop ends the action loop.
type Reactor struct {
	pid    int
	rpc    rpcclient.Client
	clock  Clock
	logger zerolog.Logger

	tasksMu sync.Mutex
	tasks   map[uint64]*taskEntry
	nextKey uint64

	pingMu      sync.Mutex
	pingData    rpcclient.PingData
	idlePoints  int
	totalPoints int
	tLastPing   time.Time
	numPingSent int

	eventMu     sync.Mutex
	events      []rpcclient.EventRecord
	tLastEvents time.Time

	running int32
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a Reactor bound to an RPC client for the parent supervisor.
// clock may be nil, defaulting to wall-clock time.
func New(rpc rpcclient.Client, clock Clock, logger zerolog.Logger) *Reactor {
	if clock == nil {
		clock = realClock{}
	}
	now := clock.Now()
	return &Reactor{
		pid:    os.Getpid(),
		rpc:    rpc,
		clock:  clock,
		logger: logger,
		tasks:  make(map[uint64]*taskEntry),
		// randomize initial ping/event timers to de-correlate fleet-wide pings
		tLastPing:   now.Add(-time.Duration(rand.Float64() * float64(pingTimedelta))),
		tLastEvents: now.Add(time.Duration(rand.Float64() * float64(eventsTimedelta))),
		numPingSent: -1,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the 200ms action loop in a background goroutine.
func (r *Reactor) Start() {
	if !atomic.CompareAndSwapInt32(&r.running, 0, 1) {
		return
	}
	r.wg.Add(1)
	go r.actionLoop()
}

// Stop ends the action loop and waits for it to exit.
func (r *Reactor) Stop() {
	if !atomic.CompareAndSwapInt32(&r.running, 1, 0) {
		return
	}
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Reactor) actionLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(tWait)
	defer ticker.Stop()

	actions := []func(){r.actionHardKill, r.actionSendPing, r.actionSendEvents}

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			for _, action := range actions {
				r.runActionSafely(action)
			}
		}
	}
}

func (r *Reactor) runActionSafely(action func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.addEvent(actionLoopOp, "ERROR", fmt.Sprintf("%v", rec), 1)
			r.logger.Error().Interface("panic", rec).Msg("scary error in reactor action loop")
		}
	}()
	action()
}

// EnterTaskContext registers taskname as running with the given hard/soft
// time limits, runs fn, and guarantees the task is removed from the
// running-task map whether fn returns normally, returns an error, or
// panics — mirroring enter_task_context's try/except/else shape. A panic
// from fn is re-raised after cleanup, same as the original's bare
// "raise"; the broker consumer is responsible for recovering it at the
// dispatch call site so a single bad task cannot crash the process.
func (r *Reactor) EnterTaskContext(taskname string, tHard, tSoft float64, fn func() error) (err error) {
	key := r.taskReceived(taskname, tHard, tSoft)

	defer func() {
		if rec := recover(); rec != nil {
			r.taskEnded(key, fmt.Errorf("panic: %v", rec))
			panic(rec)
		}
	}()

	err = fn()
	r.taskEnded(key, err)
	return err
}

func (r *Reactor) taskReceived(taskname string, tHard, tSoft float64) uint64 {
	r.tasksMu.Lock()
	defer r.tasksMu.Unlock()
	r.nextKey++
	key := r.nextKey
	r.tasks[key] = &taskEntry{taskname: taskname, tHard: tHard, tSoft: tSoft, start: r.clock.Now()}
	return key
}

func (r *Reactor) taskEnded(key uint64, taskErr error) {
	r.tasksMu.Lock()
	entry, ok := r.tasks[key]
	delete(r.tasks, key)
	r.tasksMu.Unlock()

	if taskErr == nil {
		r.pingMu.Lock()
		r.pingData.TasksDone++
		if ok {
			r.pingData.TaskDuration += r.clock.Now().Sub(entry.start).Seconds()
		}
		r.pingMu.Unlock()
		return
	}

	r.addEvent(taskEndedOp, "ERROR", taskErr.Error(), 1)
}

// actionHardKill escalates any task that has exceeded its hard time
// limit: one mark_for_termination RPC and one buffered ACTION event per
// offending task, then the task is dropped from the running map so it is
// not escalated again on the next tick.
func (r *Reactor) actionHardKill() {
	now := r.clock.Now()

	r.tasksMu.Lock()
	snapshot := make(map[uint64]*taskEntry, len(r.tasks))
	for k, v := range r.tasks {
		snapshot[k] = v
	}
	r.tasksMu.Unlock()

	for key, entry := range snapshot {
		deadline := entry.start.Add(time.Duration(entry.tHard * float64(time.Second)))
		if !now.After(deadline) {
			continue
		}

		msg := fmt.Sprintf("hard kill request received for worker pid=%d, task=%s, t_hard=%.2f",
			r.pid, entry.taskname, entry.tHard)
		r.logger.Warn().Msg(msg)
		r.addEvent(actionHardKillOp, "ACTION", msg, 1)

		if err := r.rpc.MarkForTermination(r.pid); err != nil {
			r.logger.Error().Err(err).Msg("mark_for_termination RPC failed")
		}

		r.tasksMu.Lock()
		delete(r.tasks, key)
		r.tasksMu.Unlock()
	}
}

// actionSendPing flushes accumulated ping data to the parent once every
// pingTimedelta, otherwise accumulates one idle/total sample point.
func (r *Reactor) actionSendPing() {
	now := r.clock.Now()

	if now.Sub(r.tLastPing) < pingTimedelta {
		r.tasksMu.Lock()
		idle := len(r.tasks) == 0
		r.tasksMu.Unlock()

		r.pingMu.Lock()
		if idle {
			r.idlePoints++
		}
		r.totalPoints++
		r.pingMu.Unlock()
		return
	}

	r.pingMu.Lock()
	data := r.pingData
	r.pingData = rpcclient.PingData{}
	idle, total := r.idlePoints, r.totalPoints
	r.idlePoints, r.totalPoints = 0, 0
	sent := r.numPingSent
	r.pingMu.Unlock()

	data.Timestamp = float64(now.UnixNano()) / 1e9
	data.TimeDelta = now.Sub(r.tLastPing).Seconds()
	if total > 0 {
		data.PercentIdle = (float64(idle) * 100.0) / float64(total)
	}

	// the very first flush only establishes the baseline window; nothing
	// has accumulated yet, so skip sending (mirrors num_ping_sent >= 0).
	if sent >= 0 {
		if err := r.rpc.Ping(r.pid, data); err != nil {
			r.logger.Error().Err(err).Msg("ping RPC failed")
		}
	}

	r.pingMu.Lock()
	r.numPingSent++
	r.pingMu.Unlock()
	r.tLastPing = now
}

// actionSendEvents flushes the buffered event list to the parent once
// every eventsTimedelta, collapsing duplicate (origin,type,body) events
// within the flush window into one record with summed repeats.
func (r *Reactor) actionSendEvents() {
	now := r.clock.Now()
	if now.Sub(r.tLastEvents) < eventsTimedelta {
		return
	}

	r.eventMu.Lock()
	batch := r.events
	r.events = nil
	r.eventMu.Unlock()

	deduped := dedupeEvents(batch)
	if len(deduped) > 0 {
		if err := r.rpc.AddEvents(r.pid, deduped); err != nil {
			r.logger.Error().Err(err).Msg("add_events RPC failed")
		}
	}
	r.tLastEvents = now
}

type eventKey struct {
	origin string
	typ    string
	body   string
}

// dedupeEvents replicates action_send_events' dict-collapse: walking the
// batch from most-recent to oldest, the first occurrence of a key is kept
// as the representative record and every earlier duplicate's repeats are
// folded into it. The result is sorted by ascending timestamp.
func dedupeEvents(batch []rpcclient.EventRecord) []rpcclient.EventRecord {
	byKey := make(map[eventKey]*rpcclient.EventRecord, len(batch))
	order := make([]eventKey, 0, len(batch))

	for i := len(batch) - 1; i >= 0; i-- {
		e := batch[i]
		k := eventKey{e.Origin, e.Type, e.Body}
		if existing, ok := byKey[k]; ok {
			existing.Repeats += e.Repeats
			continue
		}
		rec := e
		byKey[k] = &rec
		order = append(order, k)
	}

	out := make([]rpcclient.EventRecord, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// addEvent appends one event to the buffer, dropping the oldest entries
// once the buffer exceeds maxKeepEvents.
func (r *Reactor) addEvent(origin, typ, body string, repeats int) {
	r.eventMu.Lock()
	defer r.eventMu.Unlock()

	r.events = append(r.events, rpcclient.EventRecord{
		Origin:    origin,
		Type:      typ,
		Body:      body,
		Repeats:   repeats,
		Timestamp: float64(r.clock.Now().UnixNano()) / 1e9,
	})
	if len(r.events) > maxKeepEvents {
		r.events = r.events[len(r.events)-maxKeepEvents:]
	}
}

// AddEvent buffers an application-visible event (e.g. from the executor),
// exposed for callers outside this package.
func (r *Reactor) AddEvent(origin, typ, body string) {
	r.addEvent(origin, typ, body, 1)
}

// RunningTaskCount reports how many tasks are currently tracked, used by
// tests.
func (r *Reactor) RunningTaskCount() int {
	r.tasksMu.Lock()
	defer r.tasksMu.Unlock()
	return len(r.tasks)
}
