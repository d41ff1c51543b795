// Package market holds the read-only neighborhood statistics the assistant
// quotes when asked about local market conditions.
//
// A [Dataset] is immutable once built. The [Store] publishes one dataset at a
// time and can swap in a replacement when the configuration is reloaded;
// lookups in flight keep the snapshot they started with.
package market

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// NotFoundMessage is the error text returned to the model when no
// neighborhood matches a lookup.
const NotFoundMessage = "Neighborhood data not found in current daily track."

// Stat is one neighborhood record.
type Stat struct {
	// Area is the neighborhood display name, e.g. "South Tampa".
	Area string `yaml:"area" json:"area"`

	// AvgPrice is the average sale price in dollars.
	AvgPrice float64 `yaml:"avg_price" json:"avgPrice"`

	// Growth is year-over-year price growth in percent.
	Growth float64 `yaml:"growth" json:"growth"`

	// Inventory is the number of active listings.
	Inventory int `yaml:"inventory" json:"inventory"`
}

// Payload returns the record as the JSON object sent back to the model.
func (s Stat) Payload() map[string]any {
	return map[string]any{
		"area":      s.Area,
		"avgPrice":  s.AvgPrice,
		"growth":    s.Growth,
		"inventory": s.Inventory,
	}
}

// NotFound returns the structured payload for a lookup miss.
func NotFound() map[string]any {
	return map[string]any{"error": NotFoundMessage}
}

// Defaults returns the built-in Tampa Bay records.
func Defaults() []Stat {
	return []Stat{
		{Area: "South Tampa", AvgPrice: 855000, Growth: 4.2, Inventory: 45},
		{Area: "The Heights", AvgPrice: 485000, Growth: 7.8, Inventory: 22},
		{Area: "Westchase", AvgPrice: 625000, Growth: 3.5, Inventory: 31},
		{Area: "Downtown", AvgPrice: 715000, Growth: 5.1, Inventory: 18},
		{Area: "Brandon", AvgPrice: 398000, Growth: 6.2, Inventory: 56},
		{Area: "New Tampa", AvgPrice: 512000, Growth: 4.8, Inventory: 40},
	}
}

// ── Dataset ───────────────────────────────────────────────────────────────────

// Dataset is an ordered, immutable list of records.
type Dataset struct {
	stats []Stat
	lower []string
}

// NewDataset copies stats into a Dataset. Record order is preserved and
// decides which record wins when a query matches several.
func NewDataset(stats []Stat) *Dataset {
	d := &Dataset{
		stats: make([]Stat, len(stats)),
		lower: make([]string, len(stats)),
	}
	copy(d.stats, stats)
	for i, s := range stats {
		d.lower[i] = strings.ToLower(s.Area)
	}
	return d
}

// Lookup returns the first record whose area contains query,
// case-insensitively. Surrounding whitespace is ignored and an empty query
// matches nothing.
func (d *Dataset) Lookup(query string) (Stat, bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return Stat{}, false
	}
	for i, area := range d.lower {
		if strings.Contains(area, q) {
			return d.stats[i], true
		}
	}
	return Stat{}, false
}

// Len returns the number of records.
func (d *Dataset) Len() int { return len(d.stats) }

// Stats returns a copy of the records in order.
func (d *Dataset) Stats() []Stat {
	out := make([]Stat, len(d.stats))
	copy(out, d.stats)
	return out
}

// Validate reports records with an empty area or negative figures.
func Validate(stats []Stat) error {
	for i, s := range stats {
		switch {
		case strings.TrimSpace(s.Area) == "":
			return fmt.Errorf("market: record %d: area is required", i)
		case s.AvgPrice < 0:
			return fmt.Errorf("market: record %d (%s): avg_price must be non-negative", i, s.Area)
		case s.Inventory < 0:
			return fmt.Errorf("market: record %d (%s): inventory must be non-negative", i, s.Area)
		}
	}
	return nil
}

// ── Loading ───────────────────────────────────────────────────────────────────

// File is the top-level structure of a market data YAML file.
//
// Example:
//
//	stats:
//	  - area: "South Tampa"
//	    avg_price: 855000
//	    growth: 4.2
//	    inventory: 45
type File struct {
	Stats []Stat `yaml:"stats"`
}

// LoadFile reads and validates a market data YAML file from disk.
func LoadFile(path string) ([]Stat, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("market: open %q: %w", path, err)
	}
	defer f.Close()

	stats, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("market: parse %q: %w", path, err)
	}
	return stats, nil
}

// LoadFromReader parses and validates market data YAML from r.
func LoadFromReader(r io.Reader) ([]Stat, error) {
	var mf File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&mf); err != nil {
		return nil, fmt.Errorf("market: decode yaml: %w", err)
	}
	if err := Validate(mf.Stats); err != nil {
		return nil, err
	}
	return mf.Stats, nil
}

// ── Store ─────────────────────────────────────────────────────────────────────

// Store publishes the current dataset. It is safe for concurrent use.
type Store struct {
	cur atomic.Pointer[Dataset]
}

// NewStore returns a Store serving stats.
func NewStore(stats []Stat) *Store {
	s := &Store{}
	s.Replace(stats)
	return s
}

// Current returns the dataset in effect.
func (s *Store) Current() *Dataset {
	if d := s.cur.Load(); d != nil {
		return d
	}
	return NewDataset(nil)
}

// Lookup resolves query against the current dataset.
func (s *Store) Lookup(query string) (Stat, bool) {
	return s.Current().Lookup(query)
}

// Replace swaps in a new dataset built from stats.
func (s *Store) Replace(stats []Stat) {
	s.cur.Store(NewDataset(stats))
}
