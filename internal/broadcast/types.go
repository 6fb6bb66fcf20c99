package broadcast

import (
	"context"
	"errors"
	"iter"
	"time"

	"gatebot/internal/delivery"
	"gatebot/internal/storage"
)

var (
	ErrCampaignRunning = errors.New("a campaign is already running")
	ErrNothingToResume = errors.New("no interrupted campaign to resume")
)

type Config struct {
	// ProgressEvery emits a progress report after this many processed
	// recipients. <= 0 means 100.
	ProgressEvery int
	// RatePerSec paces sends on top of the platform's own flood control.
	// 0 disables pacing.
	RatePerSec float64
}

// Campaign is one request to deliver a draft to every recipient.
type Campaign struct {
	Draft     delivery.Draft
	AdminID   int64
	AdminName string
	// Resume keeps existing delivery marks so already-served recipients
	// are skipped.
	Resume bool
}

// Progress is emitted every Config.ProgressEvery processed recipients.
type Progress struct {
	CampaignID string
	Processed  int
	Skipped    int
	Total      int
	Stats      delivery.Stats
	Elapsed    time.Duration
}

// Report is the final result of a campaign, aborted or not.
type Report struct {
	CampaignID string
	AdminID    int64
	AdminName  string
	Processed  int
	Skipped    int
	Total      int
	Stats      delivery.Stats
	StartedAt  time.Time
	FinishedAt time.Time
	Resumed    bool
	Aborted    bool
	Err        error
}

// ReportSink receives campaign reports. Failures are logged and never abort
// the campaign.
type ReportSink interface {
	Progress(ctx context.Context, p Progress) error
	Finished(ctx context.Context, r Report) error
}

// Store is the part of storage.Store the engine needs.
type Store interface {
	CountRecipients(ctx context.Context) (int, error)
	Recipients(ctx context.Context) iter.Seq2[int64, error]
	IsDelivered(ctx context.Context, id int64) (bool, error)
	ClearDeliveryMarks(ctx context.Context) error
	SaveCampaign(ctx context.Context, rec storage.CampaignRecord) error
	LastCampaign(ctx context.Context) (storage.CampaignRecord, bool, error)
}

// Deliverer sends to one recipient; *delivery.Deliverer satisfies it.
type Deliverer interface {
	DeliverOne(ctx context.Context, id int64, draft delivery.Draft) (delivery.Result, error)
}

// Status is a point-in-time view of the running campaign.
type Status struct {
	CampaignID string
	AdminName  string
	StartedAt  time.Time
	Processed  int
	Total      int
	Stats      delivery.Stats
}

// SinkFuncs adapts plain functions to ReportSink; nil funcs are skipped.
type SinkFuncs struct {
	OnProgress func(ctx context.Context, p Progress) error
	OnFinished func(ctx context.Context, r Report) error
}

func (s SinkFuncs) Progress(ctx context.Context, p Progress) error {
	if s.OnProgress == nil {
		return nil
	}
	return s.OnProgress(ctx, p)
}

func (s SinkFuncs) Finished(ctx context.Context, r Report) error {
	if s.OnFinished == nil {
		return nil
	}
	return s.OnFinished(ctx, r)
}
