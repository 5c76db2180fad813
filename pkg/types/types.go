package types

import "time"

// Run records one persisted batch run. A run may span several sessions when
// it is resumed.
type Run struct {
	ID          string    `json:"id"`
	Endpoint    string    `json:"endpoint"`
	Profile     string    `json:"profile"`
	ItemCount   int       `json:"item_count"`
	ResultCount int       `json:"result_count"`
	State       State     `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	Stats       Stats     `json:"stats"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ResultRecord is one validated item's outcome.
type ResultRecord struct {
	ID         string         `json:"id" yaml:"id"`
	SessionID  string         `json:"session_id" yaml:"session_id"`
	Item       string         `json:"item" yaml:"item"`
	Category   string         `json:"category" yaml:"category"`
	Fields     map[string]any `json:"fields,omitempty" yaml:"fields,omitempty"`
	ReceivedAt time.Time      `json:"received_at" yaml:"received_at"`
}

// Stats maps category names to counts. Total is always the sum of Counts.
type Stats struct {
	Counts map[string]int `json:"counts"`
	Total  int            `json:"total"`
}

// Clone returns a deep copy of s.
func (s Stats) Clone() Stats {
	out := Stats{Counts: make(map[string]int, len(s.Counts)), Total: s.Total}
	for k, v := range s.Counts {
		out.Counts[k] = v
	}
	return out
}

// Sum returns the sum of all category counts.
func (s Stats) Sum() int {
	n := 0
	for _, v := range s.Counts {
		n += v
	}
	return n
}

// Progress is the server-reported processed/total counter.
type Progress struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
}
