package usage

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"taskhub/internal/providers"
	"taskhub/internal/storage"
)

func TestComputeCost(t *testing.T) {
	cases := []struct {
		name string
		in   int64
		out  int64
		rate float64
		want float64
	}{
		{name: "chat tokens", in: 1000, out: 500, rate: 0.001, want: 0.0015},
		{name: "zero usage", in: 0, out: 0, rate: 0.003, want: 0},
		{name: "free provider", in: 12000, out: 800, rate: 0, want: 0},
		{name: "payment amount", in: 999, rate: 29, want: 28.971},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ComputeCost(providers.Usage{InputUnits: tc.in, OutputUnits: tc.out}, providers.Descriptor{CostPerUnit: tc.rate})
			if math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestComputeCostMonotonic(t *testing.T) {
	d := providers.Descriptor{CostPerUnit: 0.002}
	prev := -1.0
	for in := int64(0); in <= 5000; in += 250 {
		c := ComputeCost(providers.Usage{InputUnits: in, OutputUnits: in / 2}, d)
		if c < 0 {
			t.Fatalf("cost must not be negative, got %v", c)
		}
		if c < prev {
			t.Fatalf("cost decreased from %v to %v at %d units", prev, c, in)
		}
		prev = c
	}
}

type memStore struct {
	records []storage.UsageRecord
	err     error
}

func (m *memStore) InsertUsage(_ context.Context, r storage.UsageRecord) error {
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, r)
	return nil
}

func (m *memStore) SummarizeUsage(context.Context, string, time.Time) ([]storage.UsageSummary, error) {
	return nil, m.err
}

func TestRecorderRecord(t *testing.T) {
	store := &memStore{}
	r := NewRecorder(store, zerolog.Nop())

	r.Record(context.Background(), "u1", providers.CapabilityChat, providers.Result{
		Success:    true,
		ProviderID: "openai",
		DurationMs: 120,
		Usage:      providers.Usage{InputUnits: 1000, OutputUnits: 500, Cost: 0.0015},
	})
	r.Record(context.Background(), "u1", providers.CapabilityChat, providers.Result{
		ErrorKind: providers.KindRateLimited,
	})

	if len(store.records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(store.records))
	}
	ok := store.records[0]
	if ok.UserID != "u1" || ok.Capability != "chat" || ok.ProviderID != "openai" || ok.Cost != 0.0015 || !ok.Success {
		t.Fatalf("unexpected record %#v", ok)
	}
	if failed := store.records[1]; failed.Success || failed.ErrorKind != "rate_limited" || failed.Cost != 0 {
		t.Fatalf("unexpected failed record %#v", failed)
	}
}

func TestRecorderSwallowsStoreErrors(t *testing.T) {
	r := NewRecorder(&memStore{err: errors.New("db down")}, zerolog.Nop())
	r.Record(context.Background(), "u1", providers.CapabilityPush, providers.Result{Success: true})

	var nilRecorder *Recorder
	nilRecorder.Record(context.Background(), "u1", providers.CapabilityPush, providers.Result{})
	if s, err := NewRecorder(nil, zerolog.Nop()).Summary(context.Background(), "u1", time.Now()); err != nil || len(s) != 0 {
		t.Fatalf("expected empty summary without store, got %v (%v)", s, err)
	}
}
