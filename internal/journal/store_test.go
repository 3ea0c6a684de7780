package journal

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/telemetry-publisher/internal/telemetry"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "journal_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestRecordSample_And_Summary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now()
	samples := []telemetry.Sample{
		{Temp: 20.50, Hum: 40.00, Timestamp: now.Unix()},
		{Temp: 30.50, Hum: 60.00, Timestamp: now.Unix()},
		{Temp: 25.50, Hum: 50.00, Timestamp: now.Unix()},
	}
	for _, smp := range samples {
		if err := s.RecordSample(ctx, 1, "iot/device/1/telemetry", smp, now); err != nil {
			t.Fatalf("RecordSample: %v", err)
		}
	}
	// Another device must not leak into device 1's summary.
	if err := s.RecordSample(ctx, 2, "iot/device/2/telemetry", telemetry.Sample{Temp: 34.99, Hum: 69.99}, now); err != nil {
		t.Fatalf("RecordSample: %v", err)
	}

	sum, err := s.Summary(ctx, 1, now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}

	if sum.Count != 3 {
		t.Errorf("Count = %d, want 3", sum.Count)
	}
	if !approx(sum.MinTemp, 20.50) || !approx(sum.MaxTemp, 30.50) || !approx(sum.AvgTemp, 25.50) {
		t.Errorf("temp min/max/avg = %v/%v/%v, want 20.5/30.5/25.5", sum.MinTemp, sum.MaxTemp, sum.AvgTemp)
	}
	if !approx(sum.MinHum, 40) || !approx(sum.MaxHum, 60) || !approx(sum.AvgHum, 50) {
		t.Errorf("hum min/max/avg = %v/%v/%v, want 40/60/50", sum.MinHum, sum.MaxHum, sum.AvgHum)
	}
}

func TestSummary_EmptyRange(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now()
	if err := s.RecordSample(ctx, 1, "iot/device/1/telemetry", telemetry.Sample{Temp: 22, Hum: 44}, now.Add(-2*time.Hour)); err != nil {
		t.Fatalf("RecordSample: %v", err)
	}

	sum, err := s.Summary(ctx, 1, now.Add(-time.Hour), now)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if *sum != (Summary{}) {
		t.Errorf("Summary = %+v, want zero", *sum)
	}
}

func TestRecent_NewestFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i := range 5 {
		smp := telemetry.Sample{Temp: 20 + float64(i), Hum: 40, Timestamp: base.Unix() + int64(i)}
		if err := s.RecordSample(ctx, 7, "iot/device/7/telemetry", smp, base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("RecordSample: %v", err)
		}
	}

	recs, err := s.Recent(ctx, 7, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("len(Recent) = %d, want 3", len(recs))
	}
	for i, want := range []float64{24, 23, 22} {
		if recs[i].Temp != want {
			t.Errorf("recs[%d].Temp = %v, want %v", i, recs[i].Temp, want)
		}
		if recs[i].DeviceID != 7 || recs[i].Topic != "iot/device/7/telemetry" {
			t.Errorf("recs[%d] = %+v, want device 7 topic", i, recs[i])
		}
		if recs[i].ID == "" {
			t.Errorf("recs[%d].ID is empty", i)
		}
	}
	if got, want := recs[0].PublishedAt.UnixMilli(), base.Add(4*time.Second).UnixMilli(); got != want {
		t.Errorf("PublishedAt = %d, want %d", got, want)
	}
}

func TestRecent_UnknownDevice(t *testing.T) {
	s := testStore(t)
	recs, err := s.Recent(context.Background(), 99, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("len(Recent) = %d, want 0", len(recs))
	}
}

func TestRecord_DefaultsIDAndTime(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	before := time.Now().Add(-time.Second)
	if err := s.Record(ctx, Record{DeviceID: 1, Topic: "iot/device/1/telemetry", Temp: 21, Hum: 41}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	recs, err := s.Recent(ctx, 1, 1)
	if err != nil || len(recs) != 1 {
		t.Fatalf("Recent = %v, %v", recs, err)
	}
	if recs[0].ID == "" {
		t.Error("ID was not generated")
	}
	if recs[0].PublishedAt.Before(before) {
		t.Errorf("PublishedAt = %v, want about now", recs[0].PublishedAt)
	}
}

func TestNewStore_ReopenKeepsRecords(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.RecordSample(ctx, 1, "iot/device/1/telemetry", telemetry.Sample{Temp: 33.33, Hum: 66.66}, time.Now()); err != nil {
		t.Fatalf("RecordSample: %v", err)
	}
	s.Close()

	s, err = NewStore(dbPath)
	if err != nil {
		t.Fatalf("reopen NewStore: %v", err)
	}
	defer s.Close()

	recs, err := s.Recent(ctx, 1, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 1 || recs[0].Temp != 33.33 {
		t.Errorf("after reopen Recent = %+v, want one 33.33 sample", recs)
	}
}
