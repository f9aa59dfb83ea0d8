package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestMetricsQueueFlushesOnContextCancel(t *testing.T) {
	var mu sync.Mutex
	var received []MetricRecord

	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []MetricRecord
		_ = json.NewDecoder(r.Body).Decode(&batch)
		mu.Lock()
		received = append(received, batch...)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer sink.Close()

	q := NewMetricsQueue(sink.URL, "", discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)

	q.Record(MetricRecord{RequestID: "r1"})
	q.Record(MetricRecord{RequestID: "r2"})

	// Cancelling forces an immediate flush of whatever is queued, rather
	// than waiting out the 2s ticker.
	cancel()
	<-q.done

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("expected both records flushed on cancel, got %d", len(received))
	}
}

func TestMetricsQueueDropsWhenFull(t *testing.T) {
	q := NewMetricsQueue("", "", discardLogger())
	// No Start call: nothing ever drains the channel, so once it's full
	// Record must return instead of blocking.
	for i := 0; i < metricQueueCapacity; i++ {
		q.Record(MetricRecord{RequestID: "fill"})
	}

	done := make(chan struct{})
	go func() {
		q.Record(MetricRecord{RequestID: "overflow"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full queue instead of dropping")
	}
}

func TestMetricsQueueSendNoopWithoutSinkURL(t *testing.T) {
	q := NewMetricsQueue("", "", discardLogger())
	// send must not panic or dial anything when no sink is configured.
	q.send(context.Background(), []MetricRecord{{RequestID: "r1"}})
}
