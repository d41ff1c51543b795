package market_test

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/tampabayelite/taylor/internal/market"
)

func TestDataset_Lookup(t *testing.T) {
	d := market.NewDataset(market.Defaults())

	tests := []struct {
		query    string
		wantArea string
		wantOK   bool
	}{
		{query: "south", wantArea: "South Tampa", wantOK: true},
		{query: "SOUTH TAMPA", wantArea: "South Tampa", wantOK: true},
		{query: "  brandon ", wantArea: "Brandon", wantOK: true},
		// "tampa" matches South Tampa and New Tampa; the first record wins.
		{query: "tampa", wantArea: "South Tampa", wantOK: true},
		{query: "heights", wantArea: "The Heights", wantOK: true},
		{query: "Nowhere", wantOK: false},
		{query: "", wantOK: false},
		{query: "   ", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got, ok := d.Lookup(tt.query)
			if ok != tt.wantOK {
				t.Fatalf("Lookup(%q) ok = %v, want %v", tt.query, ok, tt.wantOK)
			}
			if got.Area != tt.wantArea {
				t.Errorf("Lookup(%q) = %q, want %q", tt.query, got.Area, tt.wantArea)
			}
		})
	}
}

func TestDataset_IsACopy(t *testing.T) {
	src := market.Defaults()
	d := market.NewDataset(src)
	src[0].Area = "Mutated"

	if got, _ := d.Lookup("south"); got.Area != "South Tampa" {
		t.Errorf("dataset changed with its source: %q", got.Area)
	}
	stats := d.Stats()
	stats[1].Area = "Mutated"
	if d.Stats()[1].Area != "The Heights" {
		t.Error("Stats() exposes internal storage")
	}
}

func TestDefaults(t *testing.T) {
	stats := market.Defaults()
	if len(stats) != 6 {
		t.Fatalf("got %d default records, want 6", len(stats))
	}
	want := market.Stat{Area: "Brandon", AvgPrice: 398000, Growth: 6.2, Inventory: 56}
	if stats[4] != want {
		t.Errorf("Brandon = %+v, want %+v", stats[4], want)
	}
}

func TestPayloads(t *testing.T) {
	p := market.Defaults()[0].Payload()
	if p["area"] != "South Tampa" || p["avgPrice"] != float64(855000) || p["inventory"] != 45 {
		t.Errorf("payload = %v", p)
	}
	if market.NotFound()["error"] != "Neighborhood data not found in current daily track." {
		t.Errorf("not found payload = %v", market.NotFound())
	}
}

func TestLoadFromReader(t *testing.T) {
	const doc = `
stats:
  - area: "Seminole Heights"
    avg_price: 510000
    growth: 6.5
    inventory: 12
  - area: "Carrollwood"
    avg_price: 450000
    growth: 3.1
    inventory: 27
`
	stats, err := market.LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if len(stats) != 2 || stats[0].Area != "Seminole Heights" || stats[1].Inventory != 27 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestLoadFromReader_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown field", "stats:\n  - area: X\n    price: 1\n"},
		{"missing area", "stats:\n  - avg_price: 1\n"},
		{"negative price", "stats:\n  - area: X\n    avg_price: -1\n"},
		{"negative inventory", "stats:\n  - area: X\n    inventory: -3\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := market.LoadFromReader(strings.NewReader(tt.doc)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "market.yaml")
	if err := os.WriteFile(path, []byte("stats:\n  - area: Ybor City\n    avg_price: 400000\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	stats, err := market.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(stats) != 1 || stats[0].Area != "Ybor City" {
		t.Errorf("stats = %+v", stats)
	}

	if _, err := market.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestStore_ReplaceIsAtomic(t *testing.T) {
	s := market.NewStore(market.Defaults())
	if s.Current().Len() != 6 {
		t.Fatalf("Len = %d", s.Current().Len())
	}

	snapshot := s.Current()
	s.Replace([]market.Stat{{Area: "Ybor City"}})

	if _, ok := s.Lookup("south"); ok {
		t.Error("old record still visible after Replace")
	}
	if _, ok := s.Lookup("ybor"); !ok {
		t.Error("new record not visible after Replace")
	}
	if _, ok := snapshot.Lookup("south"); !ok {
		t.Error("earlier snapshot changed by Replace")
	}

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				s.Replace(market.Defaults())
				return
			}
			_, _ = s.Lookup("brandon")
		}()
	}
	wg.Wait()
}

func TestStore_ZeroValue(t *testing.T) {
	var s market.Store
	if _, ok := s.Lookup("south"); ok {
		t.Error("zero Store should match nothing")
	}
}
