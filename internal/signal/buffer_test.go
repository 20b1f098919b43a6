package signal

import (
	"sync"
	"testing"
	"time"
)

func TestBufferDropsOldestWhenFull(t *testing.T) {
	b := NewBuffer(3)
	for i, sym := range []string{"AAPL", "MSFT", "NVDA", "TSLA"} {
		b.Publish(Alert{Instrument: sym, Direction: DirectionBullish, At: time.Now().Add(time.Duration(i) * time.Second)})
	}
	got := b.Drain()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Instrument != "MSFT" {
		t.Errorf("oldest surviving = %s, want MSFT (AAPL dropped)", got[0].Instrument)
	}
	if got[2].Instrument != "TSLA" {
		t.Errorf("newest = %s, want TSLA", got[2].Instrument)
	}
	if b.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", b.Dropped())
	}
}

func TestBufferDrainEmpties(t *testing.T) {
	b := NewBuffer(10)
	b.Publish(Alert{Instrument: "AAPL"})
	if got := b.Drain(); len(got) != 1 {
		t.Fatalf("first drain = %d, want 1", len(got))
	}
	if got := b.Drain(); len(got) != 0 {
		t.Fatalf("second drain = %d, want 0", len(got))
	}
}

func TestBufferPublishNeverBlocks(t *testing.T) {
	b := NewBuffer(4)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(Alert{Instrument: "AAPL", Direction: DirectionNeutral})
			}
		}()
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publishers blocked")
	}
	if b.Len() > 4 {
		t.Errorf("len = %d, want <= capacity 4", b.Len())
	}
}

func TestMatrixInstrumentsSorted(t *testing.T) {
	m := NewMatrix("bull", time.Now())
	m.Add(Signal{Instrument: "NVDA", Name: "RSI_14", Score: 0.5})
	m.Add(Signal{Instrument: "AAPL", Name: "RSI_14", Score: -0.2})
	m.Add(Signal{Instrument: "AAPL", Name: "MACD_12_26_9", Score: 0.1})
	got := m.Instruments()
	if len(got) != 2 || got[0] != "AAPL" || got[1] != "NVDA" {
		t.Errorf("instruments = %v, want [AAPL NVDA]", got)
	}
	if len(m.For("AAPL")) != 2 {
		t.Errorf("AAPL signals = %d, want 2", len(m.For("AAPL")))
	}
	if m.For("TSLA") != nil {
		t.Error("missing instrument should return nil")
	}
}
