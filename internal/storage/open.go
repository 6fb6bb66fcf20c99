package storage

import (
	"context"
	"errors"
	"iter"
	"strings"

	logx "gatebot/pkg/logx"
)

// Store is the persistence API used by the gatekeeper and the broadcast engine.
// Every I/O failure is returned to the caller.
type Store interface {
	// AddRecipient inserts id if absent. added is false when it already existed.
	AddRecipient(ctx context.Context, id int64) (added bool, err error)
	CountRecipients(ctx context.Context) (int, error)
	// Recipients yields every recipient known when iteration starts. Ranging
	// again takes a fresh snapshot.
	Recipients(ctx context.Context) iter.Seq2[int64, error]

	MarkDelivered(ctx context.Context, id int64) error
	IsDelivered(ctx context.Context, id int64) (bool, error)
	ClearDeliveryMarks(ctx context.Context) error
	DeliveredCount(ctx context.Context) (int, error)

	SaveCampaign(ctx context.Context, rec CampaignRecord) error
	LastCampaign(ctx context.Context) (rec CampaignRecord, ok bool, err error)

	Close() error
}

// Open initializes the configured store. An empty driver selects sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("driver", driver))

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
