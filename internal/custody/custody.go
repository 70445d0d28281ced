// Package custody tracks lots of regulated commodities and the
// append-only event history attached to each lot.
//
// Lots are mutable (status, destination, documents); events are not —
// once recorded, an event is never edited or removed, and the compliance
// evaluator relies on that. Both persist to YAML files in the data
// directory, and every mutation is recorded in the custody ledger before
// the file is written.
package custody

import (
	"time"
)

// Status is a lot's current compliance standing.
type Status string

const (
	StatusConforming  Status = "conforming"
	StatusUnderReview Status = "under-review"
	StatusIrregular   Status = "irregular"
	StatusBlocked     Status = "blocked"
)

// Known commodity chains. Categories are open-ended — "outro" covers
// anything without dedicated rules.
const (
	CategoryMadeira = "madeira"
	CategoryPescado = "pescado"
	CategoryCacau   = "cacau"
	CategoryOutro   = "outro"
)

// EventKind classifies a custody event.
type EventKind string

const (
	KindCreation      EventKind = "creation"
	KindTransport     EventKind = "transport"
	KindProcessing    EventKind = "processing"
	KindCertification EventKind = "certification"
	KindSale          EventKind = "sale"
)

// Lot is a tracked batch of a regulated commodity.
type Lot struct {
	ID          string    `yaml:"-" json:"id"`
	Code        string    `yaml:"code" json:"code"`
	Category    string    `yaml:"category" json:"category"`
	Volume      float64   `yaml:"volume" json:"volume"` // Declared volume at origin.
	Unit        string    `yaml:"unit" json:"unit"`
	Origin      string    `yaml:"origin" json:"origin"`
	Destination string    `yaml:"destination" json:"destination"`
	Status      Status    `yaml:"status" json:"status"`
	Latitude    float64   `yaml:"latitude" json:"latitude"`
	Longitude   float64   `yaml:"longitude" json:"longitude"`
	CreatedAt   time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt   time.Time `yaml:"updated_at" json:"updated_at"`
	Documents   []string  `yaml:"documents,omitempty" json:"documents,omitempty"`
	Licenses    []string  `yaml:"licenses,omitempty" json:"licenses,omitempty"`
}

// Event is one immutable step in a lot's custody history.
type Event struct {
	ID          string    `yaml:"id" json:"id"`
	LotID       string    `yaml:"lot_id" json:"lot_id"`
	Kind        EventKind `yaml:"kind" json:"kind"`
	Description string    `yaml:"description" json:"description"`
	Volume      *float64  `yaml:"volume,omitempty" json:"volume,omitempty"`
	Latitude    float64   `yaml:"latitude" json:"latitude"`
	Longitude   float64   `yaml:"longitude" json:"longitude"`
	Timestamp   time.Time `yaml:"timestamp" json:"timestamp"`
	Actor       string    `yaml:"actor" json:"actor"`
}
