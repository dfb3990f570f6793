// Package storetest is a compliance suite every sessionstore.Store
// implementation runs from its own tests.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/ReviewForge/internal/domain"
	"github.com/Strob0t/ReviewForge/internal/domain/session"
	"github.com/Strob0t/ReviewForge/internal/port/sessionstore"
)

// Run exercises store against the sessionstore contract. newStore must
// return an empty or isolated store.
func Run(t *testing.T, newStore func(t *testing.T) sessionstore.Store) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, st sessionstore.Store)
	}{
		{"CreateLoadRoundTrip", testCreateLoad},
		{"LoadMissing", testLoadMissing},
		{"CommitMovesPointer", testCommit},
		{"StaleVersionConflicts", testStaleVersion},
		{"InvalidTransitionRejected", testInvalidTransition},
		{"AppendKeepsPointer", testAppend},
		{"SaveMetadata", testSave},
		{"ListOrderAndArchive", testList},
		{"ConcurrentCommitsSerialize", testConcurrent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newStore(t)
			tt.fn(t, st)
		})
	}
}

func newSession(t *testing.T, st sessionstore.Store, created time.Time) *session.Session {
	t.Helper()
	s := &session.Session{
		ID:          uuid.New().String(),
		Name:        "alpha",
		SourceDir:   "/data/alpha",
		ChecklistID: "registration-v1",
		Stage:       session.StageInitialize,
		CreatedAt:   created.UTC().Truncate(time.Millisecond),
		UpdatedAt:   created.UTC().Truncate(time.Millisecond),
	}
	out, err := session.NewOutput(s.ID, session.OutputSucceeded, session.Counts{}, &session.InitializePayload{
		SourceDir:   s.SourceDir,
		ChecklistID: s.ChecklistID,
		Pinned:      []string{"doc-1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Create(context.Background(), s, out); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return s
}

func discoveryOutput(t *testing.T, sessionID string, n int) session.StageOutput {
	t.Helper()
	p := &session.DiscoveryPayload{Warnings: []string{fmt.Sprintf("%d docs", n)}}
	out, err := session.NewOutput(sessionID, session.OutputSucceeded, session.Counts{Total: n, Succeeded: n}, p)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func load(t *testing.T, st sessionstore.Store, id string) *session.Session {
	t.Helper()
	s, err := st.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s
}

func testCreateLoad(t *testing.T, st sessionstore.Store) {
	s := newSession(t, st, time.Now())
	got := load(t, st, s.ID)

	if got.Name != s.Name || got.SourceDir != s.SourceDir || got.ChecklistID != s.ChecklistID {
		t.Fatalf("metadata mismatch: %+v", got)
	}
	if got.Stage != session.StageInitialize || got.Version != 1 {
		t.Fatalf("stage %s version %d", got.Stage, got.Version)
	}
	if len(got.Outputs) != 1 || got.Outputs[0].Seq != 1 {
		t.Fatalf("outputs %+v", got.Outputs)
	}
	init, err := session.DecodeAs[*session.InitializePayload](got.Outputs[0])
	if err != nil {
		t.Fatal(err)
	}
	if init.SourceDir != "/data/alpha" || len(init.Pinned) != 1 {
		t.Fatalf("payload %+v", init)
	}
}

func testLoadMissing(t *testing.T, st sessionstore.Store) {
	_, err := st.Load(context.Background(), uuid.New().String())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testCommit(t *testing.T, st sessionstore.Store) {
	ctx := context.Background()
	s := newSession(t, st, time.Now())
	out := discoveryOutput(t, s.ID, 3)

	v, err := st.Commit(ctx, s.ID, s.Version, &out, session.StageDocumentDiscovery)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if out.Seq != 2 {
		t.Fatalf("store should assign seq 2, got %d", out.Seq)
	}
	got := load(t, st, s.ID)
	if got.Stage != session.StageDocumentDiscovery || got.Version != v {
		t.Fatalf("stage %s version %d (returned %d)", got.Stage, got.Version, v)
	}
	last := got.Outputs[len(got.Outputs)-1]
	if last.ID != out.ID || last.Counts.Total != 3 || !json.Valid(last.Payload) {
		t.Fatalf("last output %+v", last)
	}
}

func testStaleVersion(t *testing.T, st sessionstore.Store) {
	ctx := context.Background()
	s := newSession(t, st, time.Now())
	out := discoveryOutput(t, s.ID, 1)
	if _, err := st.Commit(ctx, s.ID, s.Version, &out, session.StageDocumentDiscovery); err != nil {
		t.Fatal(err)
	}

	again := discoveryOutput(t, s.ID, 2)
	_, err := st.AppendStageOutput(ctx, s.ID, s.Version, &again)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if got := load(t, st, s.ID); len(got.Outputs) != 2 {
		t.Fatalf("rejected write must not be stored, outputs %d", len(got.Outputs))
	}
}

func testInvalidTransition(t *testing.T, st sessionstore.Store) {
	s := newSession(t, st, time.Now())
	out := discoveryOutput(t, s.ID, 1)
	_, err := st.Commit(context.Background(), s.ID, s.Version, &out, session.StageReportGeneration)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	got := load(t, st, s.ID)
	if got.Stage != session.StageInitialize || len(got.Outputs) != 1 {
		t.Fatalf("failed commit must leave no trace: stage %s outputs %d", got.Stage, len(got.Outputs))
	}
}

func testAppend(t *testing.T, st sessionstore.Store) {
	ctx := context.Background()
	s := newSession(t, st, time.Now())
	failed := session.FailedOutput(s.ID, session.StageDocumentDiscovery, errors.New("disk gone"))

	v, err := st.AppendStageOutput(ctx, s.ID, s.Version, &failed)
	if err != nil {
		t.Fatal(err)
	}
	got := load(t, st, s.ID)
	if got.Stage != session.StageInitialize {
		t.Fatalf("append must not move the pointer, stage %s", got.Stage)
	}
	if got.Version != v || v <= s.Version {
		t.Fatalf("version %d, returned %d", got.Version, v)
	}
	last := got.Outputs[len(got.Outputs)-1]
	if last.Status != session.OutputFailed || last.Error != "disk gone" {
		t.Fatalf("last %+v", last)
	}
}

func testSave(t *testing.T, st sessionstore.Store) {
	ctx := context.Background()
	s := newSession(t, st, time.Now())
	s.FatalError = "no backend"
	s.Name = "renamed"
	before := s.Version
	if err := st.Save(ctx, s); err != nil {
		t.Fatal(err)
	}
	if s.Version != before+1 {
		t.Fatalf("Save should bump version to %d, got %d", before+1, s.Version)
	}
	got := load(t, st, s.ID)
	if got.FatalError != "no backend" || got.Name != "renamed" || got.Version != s.Version {
		t.Fatalf("got %+v", got)
	}

	stale := *got
	stale.Version = before
	if err := st.Save(ctx, &stale); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func testList(t *testing.T, st sessionstore.Store) {
	ctx := context.Background()
	base := time.Now()
	older := newSession(t, st, base.Add(-time.Hour))
	newer := newSession(t, st, base)
	newer.Archived = true
	if err := st.Save(ctx, newer); err != nil {
		t.Fatal(err)
	}

	all, err := st.List(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	pos := map[string]int{}
	for i, s := range all {
		pos[s.ID] = i
		if len(s.Outputs) != 0 {
			t.Fatal("List must not return outputs")
		}
	}
	if pos[newer.ID] > pos[older.ID] {
		t.Fatal("List should return newest first")
	}

	active, err := st.List(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range active {
		if s.ID == newer.ID {
			t.Fatal("archived session listed")
		}
	}
}

func testConcurrent(t *testing.T, st sessionstore.Store) {
	ctx := context.Background()
	s := newSession(t, st, time.Now())

	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := discoveryOutput(t, s.ID, 1)
			_, err := st.Commit(ctx, s.ID, s.Version, &out, session.StageDocumentDiscovery)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, domain.ErrConflict) {
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("exactly one writer should win, got %d", wins)
	}
	if got := load(t, st, s.ID); len(got.Outputs) != 2 {
		t.Fatalf("outputs %d, want 2", len(got.Outputs))
	}
}
