// metrics.go implements the fire-and-forget metric record queue. Grounded
// on the teacher's analytics/ingestion.go Pipeline: a bounded channel
// drained by a worker goroutine that batches and POSTs to a sink,
// trimmed from the teacher's per-event-type (request/cost/wallet)
// channel set down to the single MetricRecord event this domain needs.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// MetricRecord is the single event type this domain emits per request
// (spec §4.10's "record one metric record").
type MetricRecord struct {
	RequestID   string    `json:"requestId"`
	TraceID     string    `json:"traceId"`
	Domain      string    `json:"domain"`
	Path        string    `json:"path"`
	Method      string    `json:"method"`
	PolicyID    string    `json:"policyId,omitempty"`
	BackendID   string    `json:"backendId,omitempty"`
	Strategy    string    `json:"strategy,omitempty"`
	BotBucket   string    `json:"botBucket,omitempty"`
	BotScore    float64   `json:"botScore,omitempty"`
	Action      string    `json:"action"`
	StatusCode  int       `json:"statusCode"`
	LatencyMs   float64   `json:"latencyMs"`
	RateLimited bool      `json:"rateLimited"`
	Timestamp   time.Time `json:"timestamp"`
}

const metricQueueCapacity = 4096

// MetricsQueue is a bounded, best-effort sink for MetricRecords. A full
// queue drops the record rather than blocking the request path
// (spec §7: telemetry is fail-silent).
type MetricsQueue struct {
	ch      chan MetricRecord
	client  *http.Client
	sinkURL string
	apiKey  string
	limiter *rate.Limiter
	logger  zerolog.Logger
	done    chan struct{}
}

// NewMetricsQueue builds a queue that flushes batches to sinkURL. A zero
// sinkURL makes every flush a no-op drain, useful when telemetry is
// disabled. sinkURL must carry the full record path (METRICS_SINK_URL is
// expected to already be "<host>/api/metrics/record", not just "<host>");
// the sink receives a JSON array of MetricRecord per POST rather than one
// record per call — a batching adaptation of the teacher's ingestion
// queue, not a single-record endpoint.
func NewMetricsQueue(sinkURL, apiKey string, logger zerolog.Logger) *MetricsQueue {
	return &MetricsQueue{
		ch:      make(chan MetricRecord, metricQueueCapacity),
		client:  &http.Client{Timeout: 3 * time.Second},
		sinkURL: sinkURL,
		apiKey:  apiKey,
		limiter: rate.NewLimiter(rate.Limit(20), 40),
		logger:  logger.With().Str("component", "pipeline.metrics").Logger(),
		done:    make(chan struct{}),
	}
}

// Start launches the background worker. Safe to call once.
func (q *MetricsQueue) Start(ctx context.Context) {
	go q.run(ctx)
}

// Record enqueues rec without blocking; if the queue is full the record
// is dropped and logged at debug level.
func (q *MetricsQueue) Record(rec MetricRecord) {
	select {
	case q.ch <- rec:
	default:
		q.logger.Debug().Str("requestId", rec.RequestID).Msg("metrics queue full, dropping record")
	}
}

func (q *MetricsQueue) run(ctx context.Context) {
	defer close(q.done)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	batch := make([]MetricRecord, 0, 64)
	flush := func(sendCtx context.Context) {
		if len(batch) == 0 {
			return
		}
		q.send(sendCtx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Pull in whatever is still queued so it goes out with this
			// last batch.
		drain:
			for {
				select {
				case rec := <-q.ch:
					batch = append(batch, rec)
				default:
					break drain
				}
			}
			// ctx is already cancelled here, so the rate limiter's Wait
			// would fail instantly against it; drain this last batch
			// against a fresh context instead of dropping it silently.
			drainCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			flush(drainCtx)
			cancel()
			return
		case rec := <-q.ch:
			batch = append(batch, rec)
			if len(batch) >= 64 {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// send POSTs batch as a single JSON array to q.sinkURL. The sink is
// expected to accept an array body at the same /api/metrics/record path
// a single-record POST would use.
func (q *MetricsQueue) send(ctx context.Context, batch []MetricRecord) {
	if q.sinkURL == "" {
		return
	}
	if err := q.limiter.Wait(ctx); err != nil {
		return
	}

	data, err := json.Marshal(batch)
	if err != nil {
		q.logger.Debug().Err(err).Msg("metrics batch marshal failed")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.sinkURL, bytes.NewReader(data))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+q.apiKey)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		q.logger.Debug().Err(err).Msg("metrics batch send failed")
		return
	}
	resp.Body.Close()
}
