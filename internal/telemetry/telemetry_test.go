package telemetry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/keboola/osiris-sub007/internal/jsonl"
)

func fixedRecorder(t *testing.T) *Recorder {
	t.Helper()
	r, err := NewRecorder(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	r.now = func() time.Time { return time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC) }
	return r
}

func counterValue(t *testing.T, r *Recorder, name, label, value string) float64 {
	t.Helper()
	families, err := r.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == label && l.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestRecord_WritesDailyStream(t *testing.T) {
	r := fixedRecorder(t)
	hit := true
	if err := r.Record(Record{CorrelationID: "req_1", Tool: "discovery_request", Status: "success", DurationMS: 12, BytesIn: 2, BytesOut: 40, CacheHit: &hit}); err != nil {
		t.Fatal(err)
	}
	if err := r.Record(Record{CorrelationID: "req_2", Tool: "connections_list", Status: "error", ErrorCode: "CONN/CONN001"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(r.w.Dir(), "telemetry-2026-03-04.jsonl")
	records, skipped, err := jsonl.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if skipped != 0 || len(records) != 3 {
		t.Fatalf("records=%d skipped=%d", len(records), skipped)
	}

	var summary Summary
	if err := json.Unmarshal(records[2], &summary); err != nil {
		t.Fatal(err)
	}
	if summary.Event != "summary" || summary.Calls != 2 || summary.Errors != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.CacheHits != 1 || summary.ByErrorCode["CONN/CONN001"] != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.MeanMS != 6 {
		t.Errorf("MeanMS = %v", summary.MeanMS)
	}
}

func TestRecord_UpdatesCollectors(t *testing.T) {
	r := fixedRecorder(t)
	code := 3
	miss := false
	for i := 0; i < 3; i++ {
		if err := r.Record(Record{Tool: "aiop_list", Status: "success", ExitCode: &code, CacheHit: &miss}); err != nil {
			t.Fatal(err)
		}
	}
	if got := counterValue(t, r, "osiris_mcp_tool_calls_total", "tool", "aiop_list"); got != 3 {
		t.Errorf("calls = %v", got)
	}
	if got := counterValue(t, r, "osiris_mcp_bridge_exits_total", "exit_code", "3"); got != 3 {
		t.Errorf("exits = %v", got)
	}
	if got := counterValue(t, r, "osiris_mcp_discovery_cache_lookups_total", "result", "miss"); got != 3 {
		t.Errorf("cache misses = %v", got)
	}
	if _, err := os.Stat(r.w.Dir()); err != nil {
		t.Fatal(err)
	}
}

func TestCallAnnotations(t *testing.T) {
	ctx, call := WithCall(context.Background())
	if call.CacheHit() != nil || call.ExitCode() != nil {
		t.Fatal("fresh call should have no annotations")
	}
	NoteCache(ctx, true)
	NoteExit(ctx, 2)
	if h := call.CacheHit(); h == nil || !*h {
		t.Error("cache hit not recorded")
	}
	if c := call.ExitCode(); c == nil || *c != 2 {
		t.Error("exit code not recorded")
	}

	NoteCache(context.Background(), true)
	var none *Call
	if none.CacheHit() != nil {
		t.Error("nil call should report nothing")
	}
}
