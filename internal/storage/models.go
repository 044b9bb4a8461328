package storage

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// CacheEntry is a cached completion answer. Result is the verbatim answer
// text, not a parsed structure.
type CacheEntry struct {
	Prompt    string
	Result    string
	CreatedAt time.Time
}

// ErrorRecord is a quarantined answer that could not be coerced into JSON.
type ErrorRecord struct {
	ID           string    `json:"id"`
	Prompt       string    `json:"prompt"`
	RawAnswer    string    `json:"raw_answer"`
	ErrorMessage string    `json:"error_message"`
	CreatedAt    time.Time `json:"created_at"`
}

// Place is a travel document (a country or a city) populated by batch jobs.
type Place struct {
	Kind       string
	Name       string
	Parent     string // country name for cities
	Attributes map[string]json.RawMessage
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// HasAttribute reports whether the place already carries a non-null attribute.
func (p Place) HasAttribute(key string) bool {
	v, ok := p.Attributes[key]
	return ok && string(v) != "null"
}

const (
	KindCountry = "country"
	KindCity    = "city"
)
