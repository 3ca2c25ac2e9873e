package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/enrichd/enrichd/internal/enrich"
	"github.com/enrichd/enrichd/internal/metrics"
	"github.com/enrichd/enrichd/internal/perf"
	"github.com/enrichd/enrichd/internal/store/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

func newTestQueue(t *testing.T, cfg Config, store enrich.Store) *Queue {
	t.Helper()
	if store == nil {
		store = memory.New(nil)
	}
	monitor := perf.New(perf.Config{Enabled: true}, nil, zap.NewNop())
	return New(cfg, store, monitor, zap.NewNop())
}

func okFn(context.Context, enrich.FileRecord, string) (string, error) {
	return "value", nil
}

func item(kind enrich.KindID, fileID string, priority int, fn enrich.Func, done func(enrich.Outcome)) enrich.WorkItem {
	return enrich.WorkItem{
		Record:   enrich.FileRecord{ID: fileID, Path: "/files/" + fileID},
		Fn:       fn,
		Kind:     kind,
		Priority: priority,
		Done:     done,
	}
}

func TestSubmitRejectsDuplicates(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Config{Capacity: 10, Workers: 1}, nil)

	accepted := q.Submit([]enrich.WorkItem{
		item(enrich.KindChecksum, "f-1", 1, okFn, nil),
		item(enrich.KindChecksum, "f-1", 1, okFn, nil),
	})
	require.Equal(t, 1, accepted)

	// Same file under a different kind is not a duplicate.
	accepted = q.Submit([]enrich.WorkItem{
		item(enrich.KindContentType, "f-1", 1, okFn, nil),
	})
	require.Equal(t, 1, accepted)
	require.Equal(t, 2, q.Depth())
}

func TestSubmitRejectsWhenFull(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Config{Capacity: 2, Workers: 1}, nil)

	items := []enrich.WorkItem{
		item(enrich.KindChecksum, "f-1", 1, okFn, nil),
		item(enrich.KindChecksum, "f-2", 1, okFn, nil),
		item(enrich.KindChecksum, "f-3", 1, okFn, nil),
	}
	require.Equal(t, 2, q.Submit(items))
	require.Equal(t, 2, q.Depth())
}

func TestPopHonorsPriorityThenFIFO(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Config{Capacity: 10, Workers: 1}, nil)

	q.Submit([]enrich.WorkItem{
		item(enrich.KindEmbeddedMetadata, "low-1", 3, okFn, nil),
		item(enrich.KindChecksum, "high-1", 1, okFn, nil),
		item(enrich.KindChecksum, "high-2", 1, okFn, nil),
	})

	ctx := context.Background()
	first, ok := q.pop(ctx)
	require.True(t, ok)
	require.Equal(t, "high-1", first.Record.ID)

	second, ok := q.pop(ctx)
	require.True(t, ok)
	require.Equal(t, "high-2", second.Record.ID)

	third, ok := q.pop(ctx)
	require.True(t, ok)
	require.Equal(t, "low-1", third.Record.ID)
}

func TestPopBoundsStarvation(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Config{Capacity: 64, Workers: 1}, nil)

	var items []enrich.WorkItem
	// One low-priority item waiting behind a deep high-priority backlog.
	items = append(items, item(enrich.KindEmbeddedMetadata, "low", 3, okFn, nil))
	for i := 0; i < starvationWindow+5; i++ {
		items = append(items, item(enrich.KindChecksum, fmt.Sprintf("high-%d", i), 1, okFn, nil))
	}
	q.Submit(items)

	ctx := context.Background()
	lowAt := -1
	for i := 0; i <= starvationWindow; i++ {
		popped, ok := q.pop(ctx)
		require.True(t, ok)
		if popped.Record.ID == "low" {
			lowAt = i
			break
		}
	}
	require.Equal(t, starvationWindow, lowAt,
		"low-priority item must dispatch after at most %d bypasses", starvationWindow)
}

func TestStopWithoutWaitAbandonsQueued(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Config{Capacity: 10, Workers: 1, StopGrace: time.Second}, nil)

	var mu sync.Mutex
	outcomes := make(map[string]enrich.Outcome)
	done := func(id string) func(enrich.Outcome) {
		return func(o enrich.Outcome) {
			mu.Lock()
			outcomes[id] = o
			mu.Unlock()
		}
	}

	// Never started: everything queued must be abandoned immediately.
	q.Submit([]enrich.WorkItem{
		item(enrich.KindChecksum, "f-1", 1, okFn, done("f-1")),
		item(enrich.KindChecksum, "f-2", 1, okFn, done("f-2")),
		item(enrich.KindContentType, "f-3", 2, okFn, done("f-3")),
	})
	q.Stop(false)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, outcomes, 3)
	for id, outcome := range outcomes {
		require.Equal(t, enrich.OutcomeAbandoned, outcome, "item %s", id)
	}
	require.Zero(t, q.Depth())
}

func TestStopWithWaitDrainsQueue(t *testing.T) {
	t.Parallel()

	store := memory.New(nil)
	for i := 0; i < 5; i++ {
		store.Add(enrich.FileRecord{ID: fmt.Sprintf("f-%d", i), Path: fmt.Sprintf("/files/f-%d", i)})
	}
	q := newTestQueue(t, Config{Capacity: 10, Workers: 2, StopGrace: 5 * time.Second}, store)

	var mu sync.Mutex
	var processed int
	done := func(o enrich.Outcome) {
		mu.Lock()
		if o == enrich.OutcomeProcessed {
			processed++
		}
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	var items []enrich.WorkItem
	for i := 0; i < 5; i++ {
		items = append(items, item(enrich.KindChecksum, fmt.Sprintf("f-%d", i), 1, okFn, done))
	}
	require.Equal(t, 5, q.Submit(items))

	q.Stop(true)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 5, processed)
}

func TestSubmitAfterStopRejectsEverything(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Config{Capacity: 10, Workers: 1}, nil)
	q.Stop(false)

	accepted := q.Submit([]enrich.WorkItem{
		item(enrich.KindChecksum, "f-1", 1, okFn, nil),
	})
	require.Zero(t, accepted)
}

func TestProcessMarksAttribute(t *testing.T) {
	t.Parallel()

	store := memory.New(nil)
	id := store.Add(enrich.FileRecord{Path: "/files/a.jpg", Ext: ".jpg"})
	q := newTestQueue(t, Config{Capacity: 10, Workers: 1}, store)

	outcome := q.Process(context.Background(), item(enrich.KindChecksum, id, 1, okFn, nil))
	require.Equal(t, enrich.OutcomeProcessed, outcome)

	value, ok := store.Value(id, enrich.KindChecksum)
	require.True(t, ok)
	require.Equal(t, "value", value)
}

func TestProcessSkipsUnreachableVolume(t *testing.T) {
	t.Parallel()

	store := memory.New(nil)
	id := store.Add(enrich.FileRecord{Path: "/mnt/nas/a.jpg", Volume: "nas"})
	store.SetVolumeOffline("nas", true)
	q := newTestQueue(t, Config{Capacity: 10, Workers: 1}, store)

	called := false
	fn := func(context.Context, enrich.FileRecord, string) (string, error) {
		called = true
		return "", nil
	}
	wi := item(enrich.KindChecksum, id, 1, fn, nil)
	wi.Record.Volume = "nas"
	wi.Record.Path = "/mnt/nas/a.jpg"

	outcome := q.Process(context.Background(), wi)
	require.Equal(t, enrich.OutcomeSkipped, outcome)
	require.False(t, called, "enrichment must not run for unreachable files")
}

func TestProcessCountsFnError(t *testing.T) {
	t.Parallel()

	store := memory.New(nil)
	id := store.Add(enrich.FileRecord{Path: "/files/a.jpg"})
	q := newTestQueue(t, Config{Capacity: 10, Workers: 1}, store)

	fn := func(context.Context, enrich.FileRecord, string) (string, error) {
		return "", errors.New("extraction failed")
	}
	outcome := q.Process(context.Background(), item(enrich.KindChecksum, id, 1, fn, nil))
	require.Equal(t, enrich.OutcomeErrored, outcome)

	_, ok := store.Value(id, enrich.KindChecksum)
	require.False(t, ok)
}

func TestProcessIsolatesPanic(t *testing.T) {
	t.Parallel()

	store := memory.New(nil)
	id := store.Add(enrich.FileRecord{Path: "/files/a.jpg"})
	q := newTestQueue(t, Config{Capacity: 10, Workers: 1}, store)

	fn := func(context.Context, enrich.FileRecord, string) (string, error) {
		panic("corrupt file blew up the decoder")
	}
	outcome := q.Process(context.Background(), item(enrich.KindChecksum, id, 1, fn, nil))
	require.Equal(t, enrich.OutcomeErrored, outcome)
}

func TestProcessEmptyValueSkipsMarking(t *testing.T) {
	t.Parallel()

	store := memory.New(nil)
	id := store.Add(enrich.FileRecord{Path: "/files/a.bin"})
	q := newTestQueue(t, Config{Capacity: 10, Workers: 1}, store)

	fn := func(context.Context, enrich.FileRecord, string) (string, error) {
		return "", nil
	}
	outcome := q.Process(context.Background(), item(enrich.KindChecksum, id, 1, fn, nil))
	require.Equal(t, enrich.OutcomeProcessed, outcome)

	_, ok := store.Value(id, enrich.KindChecksum)
	require.False(t, ok)
}

func TestWorkersProcessSubmittedItems(t *testing.T) {
	t.Parallel()

	store := memory.New(nil)
	q := newTestQueue(t, Config{Capacity: 32, Workers: 3, StopGrace: 5 * time.Second}, store)

	const n = 12
	var items []enrich.WorkItem
	outcomes := make(chan enrich.Outcome, n)
	for i := 0; i < n; i++ {
		id := store.Add(enrich.FileRecord{Path: fmt.Sprintf("/files/f-%d", i)})
		items = append(items, item(enrich.KindContentType, id, 1, okFn, func(o enrich.Outcome) {
			outcomes <- o
		}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	require.Equal(t, n, q.Submit(items))

	for i := 0; i < n; i++ {
		select {
		case o := <-outcomes:
			require.Equal(t, enrich.OutcomeProcessed, o)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for outcome %d", i)
		}
	}
	q.Stop(true)
}
