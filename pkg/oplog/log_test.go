package oplog

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"noderepl/pkg/errs"
	"noderepl/pkg/metrics"
	"noderepl/pkg/types"
)

type recorder struct {
	ops     []int
	origins []types.ReplicaID
}

func (r *recorder) apply(op int, origin types.ReplicaID) {
	r.ops = append(r.ops, op)
	r.origins = append(r.origins, origin)
}

func mustRegister[T any](t testing.TB, l *Log[T]) types.ReplicaID {
	t.Helper()
	rid, err := l.Register()
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return rid
}

func TestNewWithCapacity_RoundsToPowerOfTwo(t *testing.T) {
	cases := map[int]int{0: 2 * GCFromHead, 1: 2 * GCFromHead, 17: 32, 1000: 1024, 1024: 1024}
	for in, want := range cases {
		if got := NewWithCapacity[int](in).Capacity(); got != want {
			t.Fatalf("NewWithCapacity(%d).Capacity() = %d, want %d", in, got, want)
		}
	}
}

func TestNew_SizesFromBytes(t *testing.T) {
	l := New[uint64](1 << 20)
	if l.Capacity() < 1<<14 || l.Capacity()&(l.Capacity()-1) != 0 {
		t.Fatalf("unexpected capacity %d for 1MiB log", l.Capacity())
	}
}

func TestRegister_Limit(t *testing.T) {
	l := NewWithCapacity[int](16)
	for i := range MaxReplicas {
		rid, err := l.Register()
		if err != nil {
			t.Fatalf("Register #%d failed: %v", i, err)
		}
		if int(rid) != i {
			t.Fatalf("expected id %d, got %d", i, rid)
		}
	}
	if _, err := l.Register(); !errors.Is(err, errs.ErrTooManyReplicas) {
		t.Fatalf("expected ErrTooManyReplicas, got %v", err)
	}
}

func TestAppend_InlineExecutionForAppender(t *testing.T) {
	l := NewWithCapacity[int](1024)
	r1 := mustRegister(t, l)
	r2 := mustRegister(t, l)

	var own recorder
	if err := l.Append([]int{1, 2, 3}, r1, own.apply); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if len(own.ops) != 3 {
		t.Fatalf("expected inline execution of 3 ops, got %v", own.ops)
	}
	if l.LocalTail(r1) != 3 || l.CompletedTail() != 3 {
		t.Fatalf("unexpected tails: local=%d completed=%d", l.LocalTail(r1), l.CompletedTail())
	}
	if n := l.Exec(r1, own.apply); n != 0 {
		t.Fatalf("Exec replayed %d entries already applied inline", n)
	}

	var other recorder
	if n := l.Exec(r2, other.apply); n != 3 {
		t.Fatalf("expected 3 entries for second replica, got %d", n)
	}
	for i, origin := range other.origins {
		if origin != r1 {
			t.Fatalf("entry %d: expected origin %d, got %d", i, r1, origin)
		}
	}
}

func TestAppend_DefersWhenBehind(t *testing.T) {
	l := NewWithCapacity[int](1024)
	r1 := mustRegister(t, l)
	r2 := mustRegister(t, l)

	var rec1, rec2 recorder
	if err := l.Append([]int{10}, r1, rec1.apply); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// r2 has not executed entry 0 yet, so its own batch is not applied inline
	if err := l.Append([]int{20, 21}, r2, rec2.apply); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if len(rec2.ops) != 0 {
		t.Fatalf("expected no inline execution, got %v", rec2.ops)
	}

	l.Exec(r2, rec2.apply)
	l.Exec(r1, rec1.apply)

	want := []int{10, 20, 21}
	for _, rec := range []recorder{rec1, rec2} {
		if len(rec.ops) != len(want) {
			t.Fatalf("expected %v, got %v", want, rec.ops)
		}
		for i := range want {
			if rec.ops[i] != want[i] {
				t.Fatalf("expected %v, got %v", want, rec.ops)
			}
		}
	}
}

func TestIsReplicaSyncedForReads(t *testing.T) {
	l := NewWithCapacity[int](64)
	r1 := mustRegister(t, l)
	r2 := mustRegister(t, l)

	var rec recorder
	if err := l.Append([]int{1, 2}, r1, rec.apply); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	ctail := l.CompletedTail()
	if !l.IsReplicaSyncedForReads(r1, ctail) {
		t.Fatal("appending replica should be synced")
	}
	if l.IsReplicaSyncedForReads(r2, ctail) {
		t.Fatal("lagging replica must not be synced")
	}

	l.Exec(r2, rec.apply)
	if !l.IsReplicaSyncedForReads(r2, ctail) {
		t.Fatal("replica should be synced after Exec")
	}
}

func TestTryAppend_FullUntilLaggardExecutes(t *testing.T) {
	l := NewWithCapacity[int](16)
	r1 := mustRegister(t, l)
	r2 := mustRegister(t, l)

	var rec1, rec2 recorder
	usable := l.Capacity() - GCFromHead
	for i := range usable {
		if _, err := l.TryAppend([]int{i}, r1, rec1.apply); err != nil {
			t.Fatalf("TryAppend #%d failed: %v", i, err)
		}
	}

	if _, err := l.TryAppend([]int{99}, r1, rec1.apply); !errors.Is(err, errs.ErrLogFull) {
		t.Fatalf("expected ErrLogFull while r2 lags, got %v", err)
	}
	if l.Head() != 0 {
		t.Fatalf("head moved past unread entries: %d", l.Head())
	}

	l.Exec(r2, rec2.apply)

	if _, err := l.TryAppend([]int{99}, r1, rec1.apply); err != nil {
		t.Fatalf("TryAppend after catch-up failed: %v", err)
	}
	if l.Head() == 0 {
		t.Fatal("head should have advanced after the laggard caught up")
	}
}

func TestTryAppend_AppenderIsLaggard(t *testing.T) {
	l := NewWithCapacity[int](16)
	r1 := mustRegister(t, l)
	r2 := mustRegister(t, l)

	var rec1, rec2 recorder
	usable := l.Capacity() - GCFromHead
	for i := range usable {
		if _, err := l.TryAppend([]int{i}, r2, rec2.apply); err != nil {
			t.Fatalf("TryAppend failed: %v", err)
		}
	}
	// r1 never executed anything; appending on its behalf must first replay
	// the outstanding entries through its own apply function.
	l.Exec(r2, rec2.apply)
	if _, err := l.TryAppend([]int{100}, r1, rec1.apply); err != nil {
		t.Fatalf("TryAppend failed: %v", err)
	}
	if len(rec1.ops) != usable+1 {
		t.Fatalf("expected r1 to replay %d entries, got %d", usable+1, len(rec1.ops))
	}
}

func TestTryAppend_BatchTooLarge(t *testing.T) {
	l := NewWithCapacity[int](16)
	rid := mustRegister(t, l)
	ops := make([]int, l.Capacity())
	if _, err := l.TryAppend(ops, rid, func(int, types.ReplicaID) {}); !errors.Is(err, errs.ErrBatchTooLarge) {
		t.Fatalf("expected ErrBatchTooLarge, got %v", err)
	}
}

func TestWrapAround_ExactlyOnceInOrder(t *testing.T) {
	l := NewWithCapacity[int](16)
	r1 := mustRegister(t, l)
	r2 := mustRegister(t, l)

	var rec1, rec2 recorder
	next := 0
	var prev1, prev2 types.LogIndex
	for round := 0; round < 100; round++ {
		batch := []int{next, next + 1, next + 2}
		next += 3
		if err := l.Append(batch, r1, rec1.apply); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		l.Exec(r1, rec1.apply)
		l.Exec(r2, rec2.apply)

		if l.LocalTail(r1) < prev1 || l.LocalTail(r2) < prev2 {
			t.Fatal("local tail decreased")
		}
		prev1, prev2 = l.LocalTail(r1), l.LocalTail(r2)
		if l.Head() > l.LocalTail(r1) || l.Head() > l.LocalTail(r2) {
			t.Fatalf("head %d beyond a local tail", l.Head())
		}
	}

	for _, rec := range []recorder{rec1, rec2} {
		if len(rec.ops) != next {
			t.Fatalf("expected %d entries, got %d", next, len(rec.ops))
		}
		for i, op := range rec.ops {
			if op != i {
				t.Fatalf("entry %d replayed as %d", i, op)
			}
		}
	}
}

func TestConcurrentAppenders_SameOrderEverywhere(t *testing.T) {
	const (
		replicas = 4
		perRep   = 2000
	)
	l := NewWithCapacity[int](256)

	rids := make([]types.ReplicaID, replicas)
	recs := make([]*recorder, replicas)
	for i := range replicas {
		rids[i] = mustRegister(t, l)
		recs[i] = &recorder{}
	}

	// a replica that stops executing stalls every appender, so finished
	// goroutines keep consuming until all of them are done
	var finished atomic.Int32
	var g errgroup.Group
	for i := range replicas {
		g.Go(func() error {
			rid, rec := rids[i], recs[i]
			for j := range perRep {
				if err := l.Append([]int{i*perRep + j}, rid, rec.apply); err != nil {
					return err
				}
				l.Exec(rid, rec.apply)
			}
			finished.Add(1)
			for finished.Load() < replicas {
				l.Exec(rid, rec.apply)
				runtime.Gosched()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	for i := range replicas {
		l.Exec(rids[i], recs[i].apply)
	}

	seen := make(map[int]bool, replicas*perRep)
	for _, op := range recs[0].ops {
		if seen[op] {
			t.Fatalf("op %d executed twice", op)
		}
		seen[op] = true
	}
	if len(seen) != replicas*perRep {
		t.Fatalf("expected %d distinct ops, got %d", replicas*perRep, len(seen))
	}
	for i := 1; i < replicas; i++ {
		if len(recs[i].ops) != len(recs[0].ops) {
			t.Fatalf("replica %d executed %d ops, replica 0 executed %d", i, len(recs[i].ops), len(recs[0].ops))
		}
		for j := range recs[0].ops {
			if recs[i].ops[j] != recs[0].ops[j] {
				t.Fatalf("replica %d diverges at %d", i, j)
			}
		}
	}
}

func TestExec_WaitsForReservedEntries(t *testing.T) {
	l := NewWithCapacity[int](64)
	r1 := mustRegister(t, l)
	r2 := mustRegister(t, l)

	// reserve a slot by hand to emulate an appender that has not written yet
	l.tail.Store(1)

	var rec recorder
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.Exec(r2, rec.apply)
	}()

	s := &l.slots[0]
	s.op = 7
	s.origin = r1
	s.seq.Store(1)
	wg.Wait()

	if len(rec.ops) != 1 || rec.ops[0] != 7 {
		t.Fatalf("expected to observe the late write, got %v", rec.ops)
	}
}

func TestReset(t *testing.T) {
	l := NewWithCapacity[int](32)
	rid := mustRegister(t, l)
	var rec recorder
	if err := l.Append([]int{1, 2, 3}, rid, rec.apply); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	l.Reset()
	st := l.State()
	if st.Head != 0 || st.Tail != 0 || st.CompletedTail != 0 || st.LocalTails[0] != 0 {
		t.Fatalf("unexpected state after reset: %+v", st)
	}

	rec = recorder{}
	if err := l.Append([]int{4}, rid, rec.apply); err != nil {
		t.Fatalf("Append after reset failed: %v", err)
	}
	if len(rec.ops) != 1 || rec.ops[0] != 4 {
		t.Fatalf("unexpected ops after reset: %v", rec.ops)
	}
}

func TestState(t *testing.T) {
	l := NewWithCapacity[int](32, WithName("kv-0"))
	r1 := mustRegister(t, l)
	mustRegister(t, l)

	var rec recorder
	if err := l.Append([]int{1, 2}, r1, rec.apply); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	st := l.State()
	if st.ID != "kv-0" || st.Capacity != 32 || st.Tail != 2 {
		t.Fatalf("unexpected state: %+v", st)
	}
	if len(st.LocalTails) != 2 || st.LocalTails[0] != 2 || st.LocalTails[1] != 0 {
		t.Fatalf("unexpected local tails: %v", st.LocalTails)
	}
}

func TestAdvanceHead_NeverMovesBackwards(t *testing.T) {
	l := NewWithCapacity[int](16)
	rid := mustRegister(t, l)

	var rec recorder
	usable := l.Capacity() - GCFromHead
	for i := range usable + 1 {
		if _, err := l.TryAppend([]int{i}, rid, rec.apply); err != nil {
			t.Fatalf("TryAppend #%d failed: %v", i, err)
		}
	}
	head := l.Head()
	if head == 0 {
		t.Fatal("head should have advanced")
	}

	// a replica that claimed its id but has not stored its local tail yet
	l.next.Add(1)

	ops := make([]int, usable)
	if _, err := l.TryAppend(ops, rid, rec.apply); !errors.Is(err, errs.ErrLogFull) {
		t.Fatalf("expected ErrLogFull during registration, got %v", err)
	}
	if l.Head() != head {
		t.Fatalf("head moved from %d to %d", head, l.Head())
	}
}

func TestAppendLocked_ReleasesLockWhileWaiting(t *testing.T) {
	l := NewWithCapacity[int](16)
	r1 := mustRegister(t, l)
	r2 := mustRegister(t, l)

	var rec1, rec2 recorder
	usable := l.Capacity() - GCFromHead
	for i := range usable {
		if _, err := l.TryAppend([]int{i}, r1, rec1.apply); err != nil {
			t.Fatalf("TryAppend #%d failed: %v", i, err)
		}
	}

	var mu sync.Mutex
	done := make(chan error, 1)
	go func() {
		done <- l.AppendLocked([]int{99}, r1, rec1.apply, &mu)
	}()

	// the appender waits for r2; the lock must still be obtainable
	locked := make(chan struct{})
	go func() {
		mu.Lock()
		close(locked)
	}()
	select {
	case <-locked:
	case <-time.After(5 * time.Second):
		t.Fatal("lock held while waiting for log space")
	}
	l.Exec(r2, rec2.apply)
	mu.Unlock()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("AppendLocked failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("append did not complete after the laggard caught up")
	}
	if rec1.ops[len(rec1.ops)-1] != 99 {
		t.Fatalf("expected inline apply of the appended op, got %v", rec1.ops)
	}
}

type gauges struct {
	metrics.Nop
	mu     sync.Mutex
	values map[string]float64
}

func (g *gauges) SetGauge(name string, _ map[string]string, value float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.values[name] = value
}

func TestTryAppend_ReportsTail(t *testing.T) {
	g := &gauges{values: make(map[string]float64)}
	l := NewWithCapacity[int](32, WithMetrics(g))
	rid := mustRegister(t, l)

	var rec recorder
	if err := l.Append([]int{1, 2, 3}, rid, rec.apply); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if got := g.values[metrics.LogTail]; got != 3 {
		t.Fatalf("log tail gauge = %v, want 3", got)
	}
}
