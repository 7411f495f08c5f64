// Package broker implements the task intake loop: a blocking pop from a
// Redis list queue, envelope decode (raw JSON or snappy-compressed),
// sampling-config refresh, body decode per body_encoding, the expiry
// gate, and dispatch into the reactor's managed task scope.
//
// Grounded on zmon_worker_monitor/workflow.py's
// flow_simple_queue_processor/process_message (see original_source/) for
// the algorithm, and on the teacher's own redis.Client wiring idiom
// (context-scoped calls, *redis.Client injected rather than constructed
// deep inside the package).
package broker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/streamspace-dev/worker-core/internal/executor"
	"github.com/streamspace-dev/worker-core/internal/reactor"
	"github.com/streamspace-dev/worker-core/internal/tracing"
	"github.com/streamspace-dev/worker-core/internal/value"
	"github.com/streamspace-dev/worker-core/internal/workerrors"
)

const (
	popTimeout             = 5 * time.Second
	samplingRateEntityID   = "worker-sampling-rate"
	samplingRequestTimeout = 2 * time.Second
	queueOperation         = "worker_task_processing"
	resultTag              = "worker_task_result"
	expireTag              = "worker_task_expire_time"
	errorBackoff           = 5 * time.Second
)

// BodyEncoding names the transport encoding of an envelope's body field.
type BodyEncoding string

const (
	BodyEncodingNested BodyEncoding = "nested"
	BodyEncodingBase64 BodyEncoding = "base64"
	BodyEncodingSnappy BodyEncoding = "snappy"
)

// Envelope is the Task Envelope as received from the broker.
type Envelope struct {
	Body       json.RawMessage      `json:"body"`
	Properties EnvelopeProperties   `json:"properties"`
	ContentType string              `json:"content-type"`
}

// EnvelopeProperties is the envelope's properties mapping.
type EnvelopeProperties struct {
	BodyEncoding BodyEncoding           `json:"body_encoding"`
	DeliveryInfo map[string]interface{} `json:"delivery_info"`
	Trace        map[string]string      `json:"trace"`
}

// TaskRecord is the decoded body of a Task Envelope.
type TaskRecord struct {
	Task      string                   `json:"task"`
	ID        string                   `json:"id"`
	Args      []value.Value            `json:"args"`
	Kwargs    map[string]value.Value   `json:"kwargs"`
	Expires   string                   `json:"expires"`
	UTC       *bool                    `json:"utc"`
	TimeLimit [2]float64               `json:"timelimit"`
}

// isUTC defaults to true, matching msg_body.get('utc', True).
func (t TaskRecord) isUTC() bool {
	if t.UTC == nil {
		return true
	}
	return *t.UTC
}

// SamplingConfig refreshed at most once every SamplingUpdateRate from an
// external entity endpoint. Persists the last successful value on
// refresh failure.
type SamplingConfig = executor.SamplingConfig

// TokenSource supplies the bearer token used to authenticate the
// sampling-rate refresh request. No pack example wires a credentials
// library for this (Zalando's "tokens" package and golang.org/x/oauth2
// are both absent from the corpus), so this is a small injected function
// rather than an ecosystem dependency — see DESIGN.md.
type TokenSource func() (string, error)

// Config is the subset of worker configuration the consumer needs.
type Config struct {
	Queue               string
	EntityServiceURL    string
	DefaultSamplingRate int
	CriticalChecks      []string
	SamplingUpdateRate  time.Duration
}

// Consumer runs the task intake loop against one Redis queue.
type Consumer struct {
	cfg      Config
	redis    *redis.Client
	reactor  *reactor.Reactor
	executor *executor.Executor
	tracer   *tracing.Tracer
	http     *http.Client
	token    TokenSource
	logger   zerolog.Logger

	samplingMu      sync.RWMutex
	sampling        *SamplingConfig
	samplingUpdated time.Time

	expiredCount uint64
}

// New builds a Consumer. token may be nil, in which case the sampling
// refresh request is sent without an Authorization header.
func New(cfg Config, redisClient *redis.Client, react *reactor.Reactor, exec *executor.Executor, tracer *tracing.Tracer, token TokenSource, logger zerolog.Logger) *Consumer {
	if cfg.SamplingUpdateRate <= 0 {
		cfg.SamplingUpdateRate = 60 * time.Second
	}
	return &Consumer{
		cfg:      cfg,
		redis:    redisClient,
		reactor:  react,
		executor: exec,
		tracer:   tracer,
		http:     &http.Client{Timeout: samplingRequestTimeout},
		token:    token,
		logger:   logger,
	}
}

// Run blocks, processing tasks until ctx is cancelled. Broker/decode
// errors are logged and retried after a 5s backoff; the loop only
// returns when ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.processOnce(ctx); err != nil {
			if err == workerrors.ErrIdleLoop {
				continue // idle loop is the expected steady state, not an error condition worth backing off on
			}
			c.logger.Error().Err(err).Msg("exception in redis loop")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(errorBackoff):
			}
		}
	}
}

// processOnce pops one message and fully processes it.
func (c *Consumer) processOnce(ctx context.Context) error {
	result, err := c.redis.BLPop(ctx, popTimeout, c.cfg.Queue).Result()
	if err == redis.Nil {
		return workerrors.ErrIdleLoop
	}
	if err != nil {
		return fmt.Errorf("broker: blpop: %w", err)
	}

	return c.handleFrame(ctx, []byte(result[1]))
}

// handleFrame decodes one raw queue frame (snappy-decompressing it first
// when it does not start with '{') and drives it through the same
// span-tagged dispatch processOnce uses against a live broker. Split out
// so the dispatch/tagging path is exercisable without a Redis connection.
// Only frame-level snappy/JSON decode failures are returned; failures
// after the span is started are tagged on the span and nil is returned.
func (c *Consumer) handleFrame(ctx context.Context, raw []byte) error {
	var err error
	if len(raw) > 0 && raw[0] != '{' {
		raw, err = snappy.Decode(nil, raw)
		if err != nil {
			return fmt.Errorf("broker: snappy-decode frame: %w", err)
		}
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: %v", workerrors.ErrDecodeEnvelope, err)
	}

	spanCtx, span := c.tracer.StartSpan(ctx, env.Properties.Trace, queueOperation)
	defer span.End()

	c.refreshSamplingIfStale(spanCtx, span)

	// processMessage recovers any panic propagated out of dispatch (an
	// unknown task name, or a handler panic) into its error return, so a
	// single bad task is tagged and the loop continues rather than
	// crashing the process.
	processed, err := c.processMessage(spanCtx, span, env)
	switch {
	case err != nil:
		tracing.SetTag(span, "error", true)
		tracing.SetTag(span, resultTag, "error")
		tracing.LogKV(span, map[string]interface{}{"exception": err.Error()})
	case processed:
		tracing.SetTag(span, resultTag, "success")
	default:
		tracing.SetTag(span, resultTag, "expired")
		n := atomic.AddUint64(&c.expiredCount, 1)
		if n%500 == 0 {
			c.logger.Warn().Uint64("expired_count", n).Msg("expired tasks count")
		}
	}

	return nil
}

// processMessage decodes the body, applies the expiry gate, and — if
// the task is still live — dispatches it inside the reactor's managed
// scope. Returns false (not an error) for an expired task.
//
// A dispatch panic (an unknown task name, or a handler panic) is
// recovered here and converted into the same error return an ordinary
// handler error takes: mirrors workflow.py's process_message, whose
// known_tasks[taskname] KeyError and any exception raised back out of
// enter_task_context are both caught by the per-iteration try/except in
// flow_simple_queue_processor rather than escaping the loop.
func (c *Consumer) processMessage(ctx context.Context, span trace.Span, env Envelope) (bool, error) {
	record, err := decodeBody(env.Properties.BodyEncoding, env.Body)
	if err != nil {
		return false, err
	}

	if record.TimeLimit == [2]float64{} {
		return false, workerrors.ErrMissingTimeLimit
	}

	tracing.SetTag(span, "taskname", record.Task)
	tracing.SetTag(span, "check_id", checkIDFromArgs(record.Args))

	expireTime, err := expiryDeadline(record.Expires)
	if err != nil {
		return false, fmt.Errorf("broker: parse expires: %w", err)
	}

	curTime := time.Now().UTC()
	if !record.isUTC() {
		curTime = time.Now()
	}

	if !curTime.Before(expireTime) {
		return false, nil
	}

	taskCtx := executor.TaskContext{
		Queue:        c.cfg.Queue,
		TaskName:     record.Task,
		DeliveryInfo: env.Properties.DeliveryInfo,
		TaskProperties: executor.TaskProperties{
			Task:      record.Task,
			ID:        record.ID,
			Expires:   record.Expires,
			TimeLimit: record.TimeLimit,
			UTC:       record.isUTC(),
		},
	}

	sampling := c.currentSampling()

	err = c.dispatchRecovered(record, taskCtx, sampling)
	return true, err
}

// dispatchRecovered runs the dispatch inside the reactor's managed scope,
// recovering any panic that propagates out of it (an unknown task name
// from executor.Dispatch, or a handler panic) and folding it into the
// ordinary error return so a single bad task never takes down the loop.
func (c *Consumer) dispatchRecovered(record TaskRecord, taskCtx executor.TaskContext, sampling SamplingConfig) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("broker: recovered panic dispatching %q: %v", record.Task, rec)
		}
	}()
	return c.reactor.EnterTaskContext(record.Task, record.TimeLimit[0], record.TimeLimit[1], func() error {
		return c.executor.Dispatch(record.Task, record.Args, taskCtx, sampling, record.Kwargs)
	})
}

// checkIDFromArgs extracts the optional check_id field from the task's
// first positional argument when it is a mapping, mirroring
// msg_body['args'][0].get('check_id', 'xx') if len(args) > 0 and
// isinstance(args[0], dict) else 'XX'.
func checkIDFromArgs(args []value.Value) string {
	if len(args) == 0 {
		return "XX"
	}
	m, ok := args[0].AsMap()
	if !ok {
		return "XX"
	}
	if id, ok := m["check_id"].AsString(); ok {
		return id
	}
	if id, ok := m["check_id"].AsInt(); ok {
		return fmt.Sprintf("%d", id)
	}
	return "xx"
}

// decodeBody decodes a Task Envelope's body per its declared encoding.
func decodeBody(enc BodyEncoding, raw json.RawMessage) (TaskRecord, error) {
	var tr TaskRecord

	switch enc {
	case BodyEncodingNested:
		if err := json.Unmarshal(raw, &tr); err != nil {
			return tr, fmt.Errorf("%w: %v", workerrors.ErrDecodeEnvelope, err)
		}
		return tr, nil

	case BodyEncodingBase64, BodyEncodingSnappy:
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return tr, fmt.Errorf("%w: %v", workerrors.ErrDecodeEnvelope, err)
		}

		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return tr, fmt.Errorf("%w: base64: %v", workerrors.ErrDecodeEnvelope, err)
		}

		if enc == BodyEncodingSnappy {
			decoded, err = snappy.Decode(nil, decoded)
			if err != nil {
				return tr, fmt.Errorf("%w: snappy: %v", workerrors.ErrDecodeEnvelope, err)
			}
		}

		if err := json.Unmarshal(decoded, &tr); err != nil {
			return tr, fmt.Errorf("%w: %v", workerrors.ErrDecodeEnvelope, err)
		}
		return tr, nil

	default:
		return tr, workerrors.ErrUnknownBodyEncoding
	}
}

var expiresLayouts = []string{
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

// expiryDeadline parses a Task Record's expires field, defaulting to
// now+10s when absent (mirroring cur_time + timedelta(seconds=10)).
// Any "Z" and a "+hh:mm" offset suffix are stripped first, matching the
// original's .replace('Z', '').rsplit('+', 1)[0]; negative offsets are
// not stripped and fail to parse.
func expiryDeadline(expires string) (time.Time, error) {
	if expires == "" {
		return time.Now().Add(10 * time.Second), nil
	}

	cleaned := strings.ReplaceAll(expires, "Z", "")
	if idx := strings.LastIndex(cleaned, "+"); idx > 0 {
		cleaned = cleaned[:idx]
	}

	var lastErr error
	for _, layout := range expiresLayouts {
		if t, err := time.Parse(layout, cleaned); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}

// currentSampling returns a copy of the last-refreshed sampling config,
// or a config built from static defaults if no refresh has succeeded
// yet.
func (c *Consumer) currentSampling() SamplingConfig {
	c.samplingMu.RLock()
	defer c.samplingMu.RUnlock()
	if c.sampling != nil {
		return *c.sampling
	}
	return SamplingConfig{
		DefaultSampling: c.cfg.DefaultSamplingRate,
		CriticalChecks:  c.cfg.CriticalChecks,
	}
}

// refreshSamplingIfStale refreshes the sampling config from the entity
// service when unset or older than SamplingUpdateRate. A failed refresh
// preserves the previously-loaded value and is tagged on span rather
// than surfaced as an error.
func (c *Consumer) refreshSamplingIfStale(ctx context.Context, span trace.Span) {
	c.samplingMu.RLock()
	stale := c.sampling == nil || time.Since(c.samplingUpdated) > c.cfg.SamplingUpdateRate
	c.samplingMu.RUnlock()
	if !stale {
		return
	}

	next := SamplingConfig{
		DefaultSampling: c.cfg.DefaultSamplingRate,
		CriticalChecks:  c.cfg.CriticalChecks,
	}

	if c.cfg.EntityServiceURL == "" {
		tracing.SetTag(span, "sampling_entity_used", false)
		c.storeSampling(next)
		return
	}

	tracing.SetTag(span, "sampling_entity_used", true)

	entity, err := c.fetchSamplingEntity(ctx)
	if err != nil {
		tracing.SetTag(span, "sampling_entity_used", false)
		tracing.LogKV(span, map[string]interface{}{"exception": err.Error()})
		// keep the previously-loaded value (spec invariant 8); only seed
		// static defaults if nothing has ever loaded successfully.
		c.samplingMu.RLock()
		hasPrevious := c.sampling != nil
		c.samplingMu.RUnlock()
		if !hasPrevious {
			c.storeSampling(next)
		}
		return
	}

	if entity.DefaultSampling != nil {
		next.DefaultSampling = *entity.DefaultSampling
	}
	if len(entity.CriticalChecks) > 0 {
		next.CriticalChecks = entity.CriticalChecks
	}
	if len(entity.WorkerSampling) > 0 {
		next.WorkerSampling = entity.WorkerSampling
	}
	tracing.SetTag(span, "sampling_rate_updated", true)
	c.storeSampling(next)
}

func (c *Consumer) storeSampling(cfg SamplingConfig) {
	c.samplingMu.Lock()
	defer c.samplingMu.Unlock()
	c.sampling = &cfg
	c.samplingUpdated = time.Now()
}

// samplingEntity is the JSON shape of the external sampling-rate entity,
// merged on top of the static defaults.
type samplingEntity struct {
	DefaultSampling *int           `json:"default_sampling"`
	CriticalChecks  []string       `json:"critical_checks"`
	WorkerSampling  map[string]int `json:"worker_sampling"`
}

func (c *Consumer) fetchSamplingEntity(ctx context.Context) (samplingEntity, error) {
	var entity samplingEntity

	url := fmt.Sprintf("%s/api/v1/entities/%s", c.cfg.EntityServiceURL, samplingRateEntityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return entity, err
	}

	if c.token != nil {
		tok, err := c.token()
		if err != nil {
			return entity, fmt.Errorf("broker: fetch bearer token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return entity, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return entity, fmt.Errorf("broker: sampling entity request returned %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(&entity); err != nil {
		return entity, fmt.Errorf("broker: decode sampling entity: %w", err)
	}
	return entity, nil
}
