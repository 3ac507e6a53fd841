package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// backdateRecord rewrites cached_at for a stored snapshot so eviction tests can
// simulate old entries without waiting.
func backdateRecord(t *testing.T, s *Store, patientID string, age time.Duration) {
	t.Helper()
	ts := time.Now().UTC().Add(-age).Format(time.RFC3339)
	if _, err := s.db.Exec(`UPDATE records SET cached_at = ? WHERE patient_id = ?`, ts, patientID); err != nil {
		t.Fatalf("backdating record %s: %v", patientID, err)
	}
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied) and data survives.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	if err := s1.PutRecord(Record{PatientID: "p1", Payload: `{"name":"A"}`}); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}

	got, err := s2.GetRecordByPatientID("p1")
	if err != nil {
		t.Fatalf("GetRecordByPatientID after reopen: %v", err)
	}
	if got.Payload != `{"name":"A"}` {
		t.Errorf("payload lost across reopen: %q", got.Payload)
	}
}

// TestIndexesExist verifies that the secondary indexes are created by the migration.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_records_card_number", "idx_records_cached_at", "idx_operations_queued_at"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

// TestPutRecordOverwrites verifies last-write-wins: a second put for the same
// patient fully replaces the snapshot and refreshes cached_at.
func TestPutRecordOverwrites(t *testing.T) {
	s := openTestStore(t)

	before := time.Now().Add(-time.Second)
	if err := s.PutRecord(Record{PatientID: "p1", CardNumber: "c100", Payload: `{"v":1}`}); err != nil {
		t.Fatalf("first PutRecord: %v", err)
	}
	if err := s.PutRecord(Record{PatientID: "p1", CardNumber: "c200", Payload: `{"v":2}`}); err != nil {
		t.Fatalf("second PutRecord: %v", err)
	}

	got, err := s.GetRecordByPatientID("p1")
	if err != nil {
		t.Fatalf("GetRecordByPatientID: %v", err)
	}
	if got.Payload != `{"v":2}` {
		t.Errorf("payload = %q, want %q", got.Payload, `{"v":2}`)
	}
	if got.CardNumber != "c200" {
		t.Errorf("card number = %q, want %q", got.CardNumber, "c200")
	}
	if got.CachedAt.Before(before) {
		t.Errorf("cached_at %v older than write time %v", got.CachedAt, before)
	}

	n, err := s.CountRecords()
	if err != nil {
		t.Fatalf("CountRecords: %v", err)
	}
	if n != 1 {
		t.Errorf("record count = %d, want 1 (overwrite, not append)", n)
	}
}

func TestGetRecordNotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetRecordByPatientID("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRecordByPatientID(missing) = %v, want ErrNotFound", err)
	}
	if _, err := s.GetRecordByCardNumber("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRecordByCardNumber(missing) = %v, want ErrNotFound", err)
	}
}

// TestGetRecordByCardNumberLatestWins stores two snapshots sharing a card
// number and verifies the most recently cached one is returned.
func TestGetRecordByCardNumberLatestWins(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []string{"p1", "p2"} {
		if err := s.PutRecord(Record{PatientID: id, CardNumber: "c1", Payload: fmt.Sprintf(`{"id":%q}`, id)}); err != nil {
			t.Fatalf("PutRecord(%s): %v", id, err)
		}
	}
	backdateRecord(t, s, "p1", time.Hour)

	got, err := s.GetRecordByCardNumber("c1")
	if err != nil {
		t.Fatalf("GetRecordByCardNumber: %v", err)
	}
	if got.PatientID != "p2" {
		t.Errorf("patient = %q, want p2 (most recently cached)", got.PatientID)
	}
}

// TestEvictRecordsOlderThanExact verifies eviction removes exactly the entries
// older than the retention window and leaves newer ones untouched.
func TestEvictRecordsOlderThanExact(t *testing.T) {
	s := openTestStore(t)

	for i, age := range []time.Duration{0, 2 * time.Hour, 8 * 24 * time.Hour, 30 * 24 * time.Hour} {
		id := fmt.Sprintf("p%d", i)
		if err := s.PutRecord(Record{PatientID: id, Payload: "{}"}); err != nil {
			t.Fatalf("PutRecord(%s): %v", id, err)
		}
		if age > 0 {
			backdateRecord(t, s, id, age)
		}
	}

	n, err := s.EvictRecordsOlderThan(7 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("EvictRecordsOlderThan: %v", err)
	}
	if n != 2 {
		t.Errorf("evicted = %d, want 2", n)
	}

	for _, id := range []string{"p0", "p1"} {
		if _, err := s.GetRecordByPatientID(id); err != nil {
			t.Errorf("fresh record %s evicted: %v", id, err)
		}
	}
	for _, id := range []string{"p2", "p3"} {
		if _, err := s.GetRecordByPatientID(id); !errors.Is(err, ErrNotFound) {
			t.Errorf("stale record %s survived eviction: %v", id, err)
		}
	}
}

func TestClearRecords(t *testing.T) {
	s := openTestStore(t)

	for i := range 3 {
		if err := s.PutRecord(Record{PatientID: fmt.Sprintf("p%d", i), Payload: "{}"}); err != nil {
			t.Fatalf("PutRecord: %v", err)
		}
	}

	n, err := s.ClearRecords()
	if err != nil {
		t.Fatalf("ClearRecords: %v", err)
	}
	if n != 3 {
		t.Errorf("cleared = %d, want 3", n)
	}
	count, err := s.CountRecords()
	if err != nil {
		t.Fatalf("CountRecords: %v", err)
	}
	if count != 0 {
		t.Errorf("count after clear = %d, want 0", count)
	}
}

// TestEnqueueOperationOrder verifies sequence numbers are assigned in strictly
// ascending enqueue order and listing preserves it.
func TestEnqueueOperationOrder(t *testing.T) {
	s := openTestStore(t)

	var seqs []int64
	for i := range 5 {
		seq, err := s.EnqueueOperation(Operation{
			ID:        fmt.Sprintf("op-%d", i),
			Method:    "PUT",
			TargetURL: fmt.Sprintf("/records/%d", i),
			Body:      []byte(`{}`),
		})
		if err != nil {
			t.Fatalf("EnqueueOperation(%d): %v", i, err)
		}
		seqs = append(seqs, seq)
	}

	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("sequence numbers not strictly ascending: %v", seqs)
		}
	}

	ops, err := s.ListOperations()
	if err != nil {
		t.Fatalf("ListOperations: %v", err)
	}
	if len(ops) != 5 {
		t.Fatalf("len(ops) = %d, want 5", len(ops))
	}
	for i, op := range ops {
		if op.ID != fmt.Sprintf("op-%d", i) {
			t.Errorf("ops[%d].ID = %q, want op-%d", i, op.ID, i)
		}
		if op.Headers != "{}" {
			t.Errorf("ops[%d].Headers = %q, want default {}", i, op.Headers)
		}
	}
}

func TestDeleteOperation(t *testing.T) {
	s := openTestStore(t)

	seq, err := s.EnqueueOperation(Operation{ID: "op-1", Method: "POST", TargetURL: "/records/42"})
	if err != nil {
		t.Fatalf("EnqueueOperation: %v", err)
	}

	if err := s.DeleteOperation(seq); err != nil {
		t.Fatalf("DeleteOperation: %v", err)
	}
	if err := s.DeleteOperation(seq); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteOperation = %v, want ErrNotFound", err)
	}

	n, err := s.CountOperations()
	if err != nil {
		t.Fatalf("CountOperations: %v", err)
	}
	if n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

// TestOperationRoundTrip verifies headers and body survive storage unmodified.
func TestOperationRoundTrip(t *testing.T) {
	s := openTestStore(t)

	want := Operation{
		ID:        "op-rt",
		Method:    "PUT",
		TargetURL: "/records/42",
		Headers:   `{"Content-Type":"application/json"}`,
		Body:      []byte(`{"allergies":["penicillin"]}`),
		QueuedAt:  time.Now().UTC().Truncate(time.Second),
	}
	if _, err := s.EnqueueOperation(want); err != nil {
		t.Fatalf("EnqueueOperation: %v", err)
	}

	ops, err := s.ListOperations()
	if err != nil {
		t.Fatalf("ListOperations: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("len(ops) = %d, want 1", len(ops))
	}
	got := ops[0]
	if got.ID != want.ID || got.Method != want.Method || got.TargetURL != want.TargetURL {
		t.Errorf("operation mismatch: got %+v", got)
	}
	if got.Headers != want.Headers {
		t.Errorf("headers = %q, want %q", got.Headers, want.Headers)
	}
	if string(got.Body) != string(want.Body) {
		t.Errorf("body = %q, want %q", got.Body, want.Body)
	}
	if !got.QueuedAt.Equal(want.QueuedAt) {
		t.Errorf("queued_at = %v, want %v", got.QueuedAt, want.QueuedAt)
	}
}
