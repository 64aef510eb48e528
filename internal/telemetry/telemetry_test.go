package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLog_AccumulatesUntilFlush(t *testing.T) {
	r := New("", nil)
	defer r.Close()

	r.Log(SeverityInfo, "hello")
	r.Log(SeverityWarn, "careful")

	r.mu.Lock()
	n := len(r.logs)
	r.mu.Unlock()
	if n != 2 {
		t.Fatalf("queued logs = %d, want 2", n)
	}
}

func TestStartSpanEndSpan_RecordsOutcome(t *testing.T) {
	r := New("", nil)
	defer r.Close()

	span := r.StartSpan("erase")
	if span == nil {
		t.Fatal("StartSpan returned nil for a non-nil Recorder")
	}
	time.Sleep(time.Millisecond)
	r.EndSpan(span, nil)

	r.mu.Lock()
	got := r.spans
	r.mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("recorded spans = %d, want 1", len(got))
	}
	if !got[0].Ok {
		t.Fatal("span with nil error should be Ok")
	}
	if !got[0].EndTime.After(got[0].StartTime) {
		t.Fatal("EndTime should be after StartTime")
	}
}

func TestNilRecorder_EveryMethodIsANoOp(t *testing.T) {
	var r *Recorder
	r.Log(SeverityInfo, "ignored")
	r.RecordCounter("ignored", 1)
	r.RecordGauge("ignored", 1)
	span := r.StartSpan("ignored")
	if span != nil {
		t.Fatal("StartSpan on a nil Recorder must return nil")
	}
	r.EndSpan(span, nil)
	r.Flush()
	r.Close()

	logs, metrics, spans, errs := r.Stats()
	if logs != 0 || metrics != 0 || spans != 0 || errs != 0 {
		t.Fatal("nil Recorder.Stats() must report all zeros")
	}
}

func TestFlush_PostsToCollectorAndClearsQueues(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := New(srv.URL, nil)
	defer r.Close()

	r.Log(SeverityInfo, "queued")
	r.RecordCounter("rows_programmed", 4)
	span := r.StartSpan("program")
	r.EndSpan(span, nil)

	r.Flush()

	if hits != 3 {
		t.Fatalf("collector received %d requests, want 3 (logs, metrics, spans)", hits)
	}
	sentLogs, sentMetrics, sentSpans, sendErrors := r.Stats()
	if sentLogs != 1 || sentMetrics != 1 || sentSpans != 1 || sendErrors != 0 {
		t.Fatalf("stats = (%d, %d, %d, %d), want (1, 1, 1, 0)", sentLogs, sentMetrics, sentSpans, sendErrors)
	}
	r.mu.Lock()
	queued := len(r.logs) + len(r.metrics) + len(r.spans)
	r.mu.Unlock()
	if queued != 0 {
		t.Fatalf("queued entries after Flush = %d, want 0", queued)
	}
}

func TestFlush_UnreachableCollectorCountsAsError(t *testing.T) {
	r := New("http://127.0.0.1:1", nil)
	defer r.Close()

	r.Log(SeverityError, "network down")
	r.Flush()

	_, _, _, sendErrors := r.Stats()
	if sendErrors == 0 {
		t.Fatal("want at least one recorded send error")
	}
}
