package cache

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/keboola/osiris-sub007/internal/errcode"
)

func inputs() KeyInputs {
	return KeyInputs{
		Operation:         "discovery",
		Target:            "@mysql.default",
		Options:           map[string]any{"samples": 5, "component": "mysql.extractor"},
		SchemaFingerprint: "schema-v1",
	}
}

func openCache(t *testing.T, dir string) *Cache {
	t.Helper()
	c, err := Open(dir, time.Hour, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return c
}

func TestStoreThenLookup_Hit(t *testing.T) {
	c := openCache(t, t.TempDir())
	payload := map[string]any{"tables": []any{"users"}, "row_count": 3}
	stored, err := c.Store(inputs(), payload, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !IsID(stored.ID) {
		t.Errorf("id %q has the wrong shape", stored.ID)
	}
	got, hit, err := c.Lookup(inputs())
	if err != nil || !hit {
		t.Fatalf("Lookup hit=%v err=%v", hit, err)
	}
	if got.ID != stored.ID || got.Payload["row_count"] != 3 {
		t.Errorf("got %+v", got)
	}
}

func TestLookup_MissWhenInputsChange(t *testing.T) {
	c := openCache(t, t.TempDir())
	if _, err := c.Store(inputs(), map[string]any{"x": 1}, 0); err != nil {
		t.Fatal(err)
	}

	changedOption := inputs()
	changedOption.Options = map[string]any{"samples": 6, "component": "mysql.extractor"}
	changedSchema := inputs()
	changedSchema.SchemaFingerprint = "schema-v2"
	changedTarget := inputs()
	changedTarget.Target = "@mysql.other"

	for name, in := range map[string]KeyInputs{"option": changedOption, "schema": changedSchema, "target": changedTarget} {
		if _, hit, _ := c.Lookup(in); hit {
			t.Errorf("changed %s should miss", name)
		}
	}

	reordered := inputs()
	reordered.Options = map[string]any{"component": "mysql.extractor", "samples": 5}
	if _, hit, _ := c.Lookup(reordered); !hit {
		t.Error("option key order should not matter")
	}
}

func TestLookup_ExpiredIsMissAndEvicted(t *testing.T) {
	c := openCache(t, t.TempDir())
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	e, err := c.Store(inputs(), map[string]any{"x": 1}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)
	if _, hit, _ := c.Lookup(inputs()); hit {
		t.Fatal("expired entry should miss")
	}
	if _, err := os.Stat(filepath.Join(c.Dir(), e.ID+".json")); !os.IsNotExist(err) {
		t.Error("expired entry file should be removed")
	}
	if _, ok := c.Get(e.ID); ok {
		t.Error("expired entry still reachable by id")
	}
}

func TestEntries_EvictsExpired(t *testing.T) {
	c := openCache(t, t.TempDir())
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	short, err := c.Store(inputs(), map[string]any{"x": 1}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	other := inputs()
	other.Target = "@mysql.other"
	long, err := c.Store(other, map[string]any{"x": 2}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)

	entries := c.Entries()
	if len(entries) != 1 || entries[0].ID != long.ID {
		t.Fatalf("entries = %+v, want only %s", entries, long.ID)
	}
	if _, err := os.Stat(c.ArtifactPath(short.ID, "overview")); !os.IsNotExist(err) {
		t.Error("expired artifacts should be removed")
	}
	if c.Live(short.ID) || !c.Live(long.ID) {
		t.Errorf("Live(short)=%v Live(long)=%v", c.Live(short.ID), c.Live(long.ID))
	}
}

func TestStore_ReplaceEvictsOldGeneration(t *testing.T) {
	c := openCache(t, t.TempDir())
	first, err := c.Store(inputs(), map[string]any{"v": 1}, 0)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Store(inputs(), map[string]any{"v": 2}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == second.ID {
		t.Fatal("replacement should get a new id")
	}
	if _, ok := c.Get(first.ID); ok {
		t.Error("old generation still indexed")
	}
	if _, err := os.Stat(c.ArtifactPath(first.ID, "overview")); !os.IsNotExist(err) {
		t.Error("old artifacts not removed")
	}
	if len(c.Entries()) != 1 {
		t.Errorf("entries = %d", len(c.Entries()))
	}
}

func TestStore_WritesArtifacts(t *testing.T) {
	c := openCache(t, t.TempDir())
	e, err := c.Store(inputs(), map[string]any{
		"tables":  []any{map[string]any{"name": "users"}},
		"samples": map[string]any{"users": []any{map[string]any{"id": 1}}},
		"summary": "1 table",
	}, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range Artifacts {
		data, err := os.ReadFile(c.ArtifactPath(e.ID, name))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		var v map[string]any
		if err := json.Unmarshal(data, &v); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}
	data, _ := os.ReadFile(c.ArtifactPath(e.ID, "overview"))
	var overview map[string]any
	json.Unmarshal(data, &overview)
	if overview["summary"] != "1 table" || overview["table_count"] != float64(1) {
		t.Errorf("overview = %v", overview)
	}
	if _, ok := overview["samples"]; ok {
		t.Error("overview should not embed samples")
	}
}

func TestOpen_RebuildsIndexAndSkipsCorruptEntries(t *testing.T) {
	dir := t.TempDir()
	c := openCache(t, dir)
	good, err := c.Store(inputs(), map[string]any{"x": 1}, 0)
	if err != nil {
		t.Fatal(err)
	}
	other := inputs()
	other.Target = "@supabase.main"
	if _, err := c.Store(other, map[string]any{"y": 2}, 0); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "disc_deadbeefdeadbeef.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "disc_0000000000000000.json"), []byte(`{"id":"disc_1111111111111111"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	core, logs := observer.New(zapcore.WarnLevel)
	reopened, err := Open(dir, time.Hour, zap.New(core))
	if err != nil {
		t.Fatalf("Open should tolerate corrupt entries: %v", err)
	}
	if got := len(reopened.Entries()); got != 2 {
		t.Errorf("entries = %d, want 2", got)
	}
	if _, hit, _ := reopened.Lookup(inputs()); !hit {
		t.Error("good entry lost after restart")
	}
	if _, ok := reopened.Get(good.ID); !ok {
		t.Error("good entry not reachable by id")
	}
	if n := logs.FilterMessage("skipping corrupt cache entry").Len(); n != 2 {
		t.Errorf("corrupt-entry warnings = %d, want 2", n)
	}
}

func TestOpen_EvictsExpiredEntries(t *testing.T) {
	dir := t.TempDir()
	c := openCache(t, dir)
	now := time.Now()
	c.now = func() time.Time { return now.Add(-2 * time.Hour) }
	e, err := c.Store(inputs(), map[string]any{"x": 1}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	reopened := openCache(t, dir)
	if len(reopened.Entries()) != 0 {
		t.Error("expired entry loaded")
	}
	if _, err := os.Stat(filepath.Join(dir, e.ID+".json")); !os.IsNotExist(err) {
		t.Error("expired entry file not removed at startup")
	}
}

func TestConcurrentStoreAndLookup(t *testing.T) {
	c := openCache(t, t.TempDir())
	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if _, err := c.Store(inputs(), map[string]any{"writer": i}, 0); err != nil {
				t.Error(err)
			}
		}(i)
		go func() {
			defer wg.Done()
			e, hit, err := c.Lookup(inputs())
			if err != nil {
				t.Error(err)
				return
			}
			if hit && e.Payload["writer"] == nil {
				t.Error("lookup observed a partial entry")
			}
		}()
	}
	wg.Wait()

	if got := len(c.Entries()); got != 1 {
		t.Errorf("entries = %d, want 1", got)
	}
	files, _ := filepath.Glob(filepath.Join(c.Dir(), "disc_*.json"))
	if len(files) != 1 {
		t.Errorf("entry files on disk = %d, want 1", len(files))
	}
	reopened := openCache(t, c.Dir())
	if len(reopened.Entries()) != 1 {
		t.Error("restart should see exactly one entry")
	}
}

func TestFetch_CoalescesConcurrentMisses(t *testing.T) {
	c := openCache(t, t.TempDir())
	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(context.Context) (map[string]any, error) {
		calls.Add(1)
		<-release
		return map[string]any{"ok": true}, nil
	}

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, _, err := c.Fetch(context.Background(), inputs(), 0, fn)
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = e.ID
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("fn called %d times, want 1", calls.Load())
	}
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("callers saw different entries: %v", ids)
		}
	}
	if _, hit, err := c.Fetch(context.Background(), inputs(), 0, fn); err != nil || !hit {
		t.Errorf("second fetch hit=%v err=%v", hit, err)
	}
}

func TestFetch_ErrorIsNotCached(t *testing.T) {
	c := openCache(t, t.TempDir())
	boom := errors.New("boom")
	if _, _, err := c.Fetch(context.Background(), inputs(), 0, func(context.Context) (map[string]any, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if _, hit, _ := c.Lookup(inputs()); hit {
		t.Error("failed fetch should not populate the cache")
	}
}

func TestEvict(t *testing.T) {
	c := openCache(t, t.TempDir())
	e, err := c.Store(inputs(), map[string]any{"x": 1}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Evict(e.ID); err != nil {
		t.Fatal(err)
	}
	if _, hit, _ := c.Lookup(inputs()); hit {
		t.Error("evicted entry still hits")
	}
	if err := c.Evict("disc_unknown"); err != nil {
		t.Errorf("evicting unknown id: %v", err)
	}
}

func TestFetch_CanceledCallerDoesNotFailOthers(t *testing.T) {
	c := openCache(t, t.TempDir())
	started := make(chan struct{})
	release := make(chan struct{})
	fn := func(ctx context.Context) (map[string]any, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, _, err := c.Fetch(ctxA, inputs(), 0, fn)
		errA <- err
	}()
	<-started

	type result struct {
		e   Entry
		err error
	}
	resB := make(chan result, 1)
	go func() {
		e, _, err := c.Fetch(context.Background(), inputs(), 0, fn)
		resB <- result{e, err}
	}()

	cancelA()
	select {
	case err := <-errA:
		var e *errcode.Error
		if !errors.As(err, &e) || e.Code != errcode.Canceled {
			t.Errorf("canceled caller err = %v, want %s", err, errcode.Canceled)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("canceled caller kept waiting for the shared fetch")
	}

	close(release)
	select {
	case r := <-resB:
		if r.err != nil {
			t.Fatalf("other caller err = %v", r.err)
		}
		if r.e.Payload["ok"] != true {
			t.Errorf("payload = %v", r.e.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("other caller never got a result")
	}
	if _, hit, _ := c.Lookup(inputs()); !hit {
		t.Error("shared fetch should have been stored")
	}
}
