package broker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace-dev/worker-core/internal/executor"
	"github.com/streamspace-dev/worker-core/internal/reactor"
	"github.com/streamspace-dev/worker-core/internal/rpcclient"
	"github.com/streamspace-dev/worker-core/internal/tracing"
	"github.com/streamspace-dev/worker-core/internal/value"
	"github.com/streamspace-dev/worker-core/internal/workerrors"
)

func taskJSON(t *testing.T, expires string) []byte {
	t.Helper()
	payload := map[string]interface{}{
		"task":      "cleanup",
		"id":        uuid.NewString(),
		"args":      []interface{}{},
		"kwargs":    map[string]interface{}{},
		"timelimit": []float64{90, 60},
		"expires":   expires,
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return data
}

func TestDecodeBodyNested(t *testing.T) {
	raw := taskJSON(t, "2099-01-01T00:00:00.000")
	tr, err := decodeBody(BodyEncodingNested, raw)
	require.NoError(t, err)
	assert.Equal(t, "cleanup", tr.Task)
	assert.Equal(t, [2]float64{90, 60}, tr.TimeLimit)
}

func TestDecodeBodyBase64(t *testing.T) {
	raw := taskJSON(t, "2099-01-01T00:00:00.000")
	encoded, err := json.Marshal(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)

	tr, err := decodeBody(BodyEncodingBase64, encoded)
	require.NoError(t, err)
	assert.Equal(t, "cleanup", tr.Task)
}

func TestDecodeBodySnappyRoundTrip(t *testing.T) {
	// a body carried as base64(snappy(json(task))) round-trips.
	raw := taskJSON(t, "2099-01-01T00:00:00.000")
	compressed := snappy.Encode(nil, raw)

	encoded, err := json.Marshal(base64.StdEncoding.EncodeToString(compressed))
	require.NoError(t, err)

	tr, err := decodeBody(BodyEncodingSnappy, encoded)
	require.NoError(t, err)
	assert.Equal(t, "cleanup", tr.Task)
	assert.Equal(t, [2]float64{90, 60}, tr.TimeLimit)
}

func TestDecodeBodyUnknownEncoding(t *testing.T) {
	_, err := decodeBody(BodyEncoding("carrier-pigeon"), json.RawMessage(`{}`))
	assert.ErrorIs(t, err, workerrors.ErrUnknownBodyEncoding)
}

func TestExpiryDeadlineDefaultsWhenAbsent(t *testing.T) {
	before := time.Now()
	deadline, err := expiryDeadline("")
	require.NoError(t, err)
	assert.WithinDuration(t, before.Add(10*time.Second), deadline, time.Second)
}

func TestExpiryDeadlineParsesWithoutTimezone(t *testing.T) {
	deadline, err := expiryDeadline("2099-01-01T00:00:00.000")
	require.NoError(t, err)
	assert.Equal(t, 2099, deadline.Year())
}

func TestExpiryDeadlineStripsTimezoneSuffix(t *testing.T) {
	deadline, err := expiryDeadline("2014-09-04T10:27:32.919152+00:00")
	require.NoError(t, err)
	assert.Equal(t, 2014, deadline.Year())
	assert.Equal(t, time.Month(9), deadline.Month())
}

func newTestConsumer(t *testing.T) (*Consumer, *reactor.Reactor) {
	t.Helper()
	r := reactor.New(&noopRPC{}, nil, zerolog.Nop())
	e := executor.New(map[string]executor.Handler{
		"cleanup": func([]value.Value, executor.TaskContext, executor.SamplingConfig, map[string]value.Value) error {
			return nil
		},
	})
	c := New(Config{Queue: "worker:queue:default"}, nil, r, e, tracing.New("test"), nil, zerolog.Nop())
	return c, r
}

type noopRPC struct{}

func (noopRPC) MarkForTermination(int) error                                     { return nil }
func (noopRPC) Ping(int, rpcclient.PingData) error                               { return nil }
func (noopRPC) AddEvents(int, []rpcclient.EventRecord) error                     { return nil }
func (noopRPC) CallWithKwargs(string, []interface{}, map[string]interface{}) (interface{}, error) {
	return nil, nil
}

func TestProcessMessageDispatchesLiveTask(t *testing.T) {
	c, r := newTestConsumer(t)

	env := Envelope{
		Body:       taskJSON(t, "2099-01-01T00:00:00.000"),
		Properties: EnvelopeProperties{BodyEncoding: BodyEncodingNested},
	}

	_, span := c.tracer.StartSpan(context.Background(), nil, "test")
	defer span.End()

	processed, err := c.processMessage(context.Background(), span, env)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, 0, r.RunningTaskCount())
}

func TestProcessMessageExpiredDrop(t *testing.T) {
	c, _ := newTestConsumer(t)

	env := Envelope{
		Body:       taskJSON(t, "2000-01-01T00:00:00.000"),
		Properties: EnvelopeProperties{BodyEncoding: BodyEncodingNested},
	}

	_, span := c.tracer.StartSpan(context.Background(), nil, "test")
	defer span.End()

	processed, err := c.processMessage(context.Background(), span, env)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestProcessMessageUnknownTaskRecoversPanic(t *testing.T) {
	c, r := newTestConsumer(t)

	payload := map[string]interface{}{
		"task":      "does_not_exist",
		"args":      []interface{}{},
		"kwargs":    map[string]interface{}{},
		"timelimit": []float64{90, 60},
		"expires":   "2099-01-01T00:00:00.000",
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	env := Envelope{
		Body:       body,
		Properties: EnvelopeProperties{BodyEncoding: BodyEncodingNested},
	}

	_, span := c.tracer.StartSpan(context.Background(), nil, "test")
	defer span.End()

	processed, err := c.processMessage(context.Background(), span, env)
	require.Error(t, err)
	assert.True(t, processed)
	assert.Equal(t, 0, r.RunningTaskCount())
}

func TestHandleFrameUnknownTaskDoesNotPanicAndTagsError(t *testing.T) {
	c, r := newTestConsumer(t)

	payload := map[string]interface{}{
		"task":      "does_not_exist",
		"args":      []interface{}{},
		"kwargs":    map[string]interface{}{},
		"timelimit": []float64{90, 60},
		"expires":   "2099-01-01T00:00:00.000",
	}
	raw, err := json.Marshal(map[string]interface{}{
		"body":       payload,
		"properties": map[string]interface{}{"body_encoding": "nested"},
	})
	require.NoError(t, err)

	require.NotPanics(t, func() {
		err = c.handleFrame(context.Background(), raw)
	})
	require.NoError(t, err) // dispatch failures are tagged on the span, not returned
	assert.Equal(t, 0, r.RunningTaskCount())
}

func TestCheckIDFromArgs(t *testing.T) {
	noArgs := checkIDFromArgs(nil)
	assert.Equal(t, "XX", noArgs)

	notAMap := checkIDFromArgs([]value.Value{value.String("oops")})
	assert.Equal(t, "XX", notAMap)

	missingKey := checkIDFromArgs([]value.Value{value.Map(map[string]value.Value{})})
	assert.Equal(t, "xx", missingKey)

	withKey := checkIDFromArgs([]value.Value{value.Map(map[string]value.Value{
		"check_id": value.String("check-42"),
	})})
	assert.Equal(t, "check-42", withKey)
}

func TestRefreshSamplingPreservesLastGoodOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := newTestConsumer(t)
	c.cfg.EntityServiceURL = srv.URL
	c.cfg.SamplingUpdateRate = time.Millisecond

	good := SamplingConfig{DefaultSampling: 42}
	c.storeSampling(good)

	// force staleness
	c.samplingMu.Lock()
	c.samplingUpdated = time.Now().Add(-time.Hour)
	c.samplingMu.Unlock()

	_, span := c.tracer.StartSpan(context.Background(), nil, "test")
	c.refreshSamplingIfStale(context.Background(), span)
	span.End()

	assert.Equal(t, good, c.currentSampling())
}

func TestRefreshSamplingMergesEntityOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"default_sampling": 50, "critical_checks": ["13", "14"]}`))
	}))
	defer srv.Close()

	c, _ := newTestConsumer(t)
	c.cfg.EntityServiceURL = srv.URL

	_, span := c.tracer.StartSpan(context.Background(), nil, "test")
	c.refreshSamplingIfStale(context.Background(), span)
	span.End()

	sampling := c.currentSampling()
	assert.Equal(t, 50, sampling.DefaultSampling)
	assert.Equal(t, []string{"13", "14"}, sampling.CriticalChecks)
}
