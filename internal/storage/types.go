package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file": dependency-free JSON Lines journal
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// CampaignRecord is the persisted summary of one finished (or aborted) campaign.
// Counts is keyed by outcome name so storage stays independent of delivery.
type CampaignRecord struct {
	ID         string         `json:"id"`
	AdminID    int64          `json:"admin_id"`
	AdminName  string         `json:"admin_name,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Resumed    bool           `json:"resumed,omitempty"`
	Aborted    bool           `json:"aborted,omitempty"`
	Counts     map[string]int `json:"counts"`
	// Draft is kept on aborted campaigns so /resume works after a restart.
	Draft *DraftRecord `json:"draft,omitempty"`
}

// DraftRecord is the persisted form of a campaign's post.
type DraftRecord struct {
	Text   string   `json:"text"`
	Photos []string `json:"photos,omitempty"`
}
