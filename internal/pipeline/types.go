// Package pipeline defines core types shared across subsystems.
package pipeline

import (
	"time"
)

// Fingerprint is the stable, opaque identifier of a source item. It is
// derived from the item's canonical URL and never changes once recorded.
type Fingerprint string

// Tier orders sources during candidate selection.
type Tier string

// Source tiers; primary sources are always consulted before fallback ones.
const (
	TierPrimary  Tier = "primary"
	TierFallback Tier = "fallback"
)

// Source identifies an upstream account the pipeline harvests from.
type Source struct {
	ID      string `json:"id"`
	Tier    Tier   `json:"tier"`
	Enabled bool   `json:"enabled"`
}

// Item is a single candidate harvested from a source listing.
type Item struct {
	Fingerprint Fingerprint `json:"fingerprint"`
	SourceID    string      `json:"source_id"`
	PayloadRef  string      `json:"payload_ref"`
	Caption     string      `json:"caption,omitempty"`
	Author      string      `json:"author,omitempty"`
	PostedAt    time.Time   `json:"posted_at,omitempty"`
}

// Metadata is the destination-platform description of a published item.
type Metadata struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// Outcome records why a fingerprint entered the ledger.
type Outcome string

// Ledger outcomes.
const (
	OutcomeSuccess     Outcome = "success"
	OutcomeBlacklisted Outcome = "blacklisted"
)

// LedgerEntry is the append-only dedup record. Entries are never mutated
// after the write is acknowledged.
type LedgerEntry struct {
	Fingerprint Fingerprint `json:"fingerprint"`
	RecordedAt  time.Time   `json:"recorded_at"`
	Outcome     Outcome     `json:"outcome"`
}

// Command is an inbound operator command received over the transport.
type Command struct {
	ID         string
	Issuer     int64
	Verb       string
	Args       []string
	ReceivedAt time.Time
}

// Response is the text reply sent back over the transport.
type Response struct {
	CommandID string
	Text      string
}
