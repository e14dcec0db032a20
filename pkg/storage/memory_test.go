package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/HatiCode/microdose/pkg/decision"
)

func testRecord(session string, smb float64, at time.Time) Record {
	return Record{
		Session:    session,
		DecisionID: fmt.Sprintf("%s-%v", session, smb),
		DecidedAt:  at,
		Command: decision.Command{
			TempBasalRequested: true,
			DurationMinutes:    decision.TempBasalMinutes,
			SMB:                smb,
			Reason:             "test",
		},
	}
}

func TestNewMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	if store.Len() != 0 {
		t.Errorf("new store should be empty, got %d records", store.Len())
	}
}

func TestMemoryStore_Put_Get(t *testing.T) {
	tests := []struct {
		name    string
		record  Record
		wantErr bool
	}{
		{"valid record", testRecord("patient-1", 0.35, time.Now()), false},
		{"empty session", testRecord("", 0.35, time.Now()), true},
		{"session with colon", testRecord("a:b", 0.35, time.Now()), true},
		{"zero command", Record{Session: "minimal"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()

			err := store.Put(context.Background(), tt.record)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Put() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			got, found, err := store.GetLatest(context.Background(), tt.record.Session)
			if err != nil {
				t.Fatalf("GetLatest() unexpected error = %v", err)
			}
			if !found {
				t.Fatal("GetLatest() record not found")
			}
			if got.DecisionID != tt.record.DecisionID || got.Command.SMB != tt.record.Command.SMB {
				t.Errorf("GetLatest() = %+v, want %+v", got, tt.record)
			}
		})
	}
}

func TestMemoryStore_GetLatest_NotFound(t *testing.T) {
	store := NewMemoryStore()
	_, found, err := store.GetLatest(context.Background(), "absent")
	if err != nil {
		t.Errorf("unexpected error = %v", err)
	}
	if found {
		t.Error("expected not found")
	}
}

func TestMemoryStore_Put_Replaces(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	if err := store.Put(ctx, testRecord("s1", 0.5, now)); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, testRecord("s1", 0, now.Add(5*time.Minute))); err != nil {
		t.Fatal(err)
	}

	got, _, _ := store.GetLatest(ctx, "s1")
	if got.Command.SMB != 0 || !got.DecidedAt.Equal(now.Add(5*time.Minute)) {
		t.Errorf("expected the second record, got %+v", got)
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Put(ctx, testRecord("s1", 0.1, time.Now())); err == nil {
		t.Error("Put with canceled context should fail")
	}
	if _, _, err := store.GetLatest(ctx, "s1"); err == nil {
		t.Error("GetLatest with canceled context should fail")
	}
}

func TestMemoryStore_Concurrent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			session := fmt.Sprintf("s%d", i%4)
			if err := store.Put(ctx, testRecord(session, float64(i)/20, time.Now())); err != nil {
				t.Errorf("Put: %v", err)
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			if _, _, err := store.GetLatest(ctx, fmt.Sprintf("s%d", i%4)); err != nil {
				t.Errorf("GetLatest: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if store.Len() != 4 {
		t.Errorf("Len() = %d, want 4", store.Len())
	}
	if len(store.Sessions()) != 4 {
		t.Errorf("Sessions() = %v", store.Sessions())
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Put(context.Background(), testRecord("s1", 0.1, time.Now()))

	if !store.Delete("s1") {
		t.Error("Delete() should report an existing record")
	}
	if store.Delete("s1") {
		t.Error("second Delete() should report nothing removed")
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want 0", store.Len())
	}
}

func TestMemoryStore_Evict(t *testing.T) {
	store := NewMemoryStoreWithTTL(10*time.Minute, time.Hour)
	defer store.Stop()
	ctx := context.Background()
	now := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)

	_ = store.Put(ctx, testRecord("old", 0.1, now.Add(-11*time.Minute)))
	_ = store.Put(ctx, testRecord("fresh", 0.1, now.Add(-9*time.Minute)))

	store.evict(now)

	if _, found, _ := store.GetLatest(ctx, "old"); found {
		t.Error("record older than TTL should be evicted")
	}
	if _, found, _ := store.GetLatest(ctx, "fresh"); !found {
		t.Error("record within TTL should be kept")
	}
}

func TestMemoryStoreWithTTL_Expiration(t *testing.T) {
	store := NewMemoryStoreWithTTL(50*time.Millisecond, 10*time.Millisecond)
	defer store.Stop()
	ctx := context.Background()

	if err := store.Put(ctx, testRecord("s1", 0.2, time.Now())); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, found, _ := store.GetLatest(ctx, "s1"); !found {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("record should have expired")
}

func TestMemoryStoreWithTTL_Stop(t *testing.T) {
	store := NewMemoryStoreWithTTL(time.Minute, 10*time.Millisecond)
	store.Stop()
	store.Stop()
}

func TestMemoryStore_StopWithoutTTL(t *testing.T) {
	NewMemoryStore().Stop()
}

func TestMemoryStoreWithTTL_PanicOnInvalidTTL(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for zero TTL")
		}
	}()
	NewMemoryStoreWithTTL(0, time.Second)
}

func TestValidateSession(t *testing.T) {
	tests := []struct {
		session string
		wantErr bool
	}{
		{"patient_1", false},
		{"A-b-9", false},
		{"", true},
		{"with space", true},
		{"slash/name", true},
		{"*", true},
	}
	for _, tt := range tests {
		if err := ValidateSession(tt.session); (err != nil) != tt.wantErr {
			t.Errorf("ValidateSession(%q) error = %v, wantErr %v", tt.session, err, tt.wantErr)
		}
	}
}

func TestFromDecision(t *testing.T) {
	at := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)
	d := decision.Decision{
		ID:        "id-1",
		Session:   "s1",
		At:        at,
		Final:     0.3,
		Faults:    []decision.Fault{decision.FaultNoModel},
		Rationale: "r",
	}
	r := FromDecision(d, decision.NewCommand(d))

	if r.Session != "s1" || r.DecisionID != "id-1" || !r.DecidedAt.Equal(at) {
		t.Errorf("unexpected record %+v", r)
	}
	if r.Command.SMB != 0.3 || r.Command.DeliverAt == nil {
		t.Errorf("unexpected command %+v", r.Command)
	}
	if len(r.Faults) != 1 || r.Faults[0] != decision.FaultNoModel {
		t.Errorf("Faults = %v", r.Faults)
	}
	if got := r.Age(at.Add(7 * time.Minute)); got != 7*time.Minute {
		t.Errorf("Age() = %v", got)
	}
}
