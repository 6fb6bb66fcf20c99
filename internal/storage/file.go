package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "gatebot/pkg/logx"
)

// fileStore keeps the whole state in memory and persists it as
//   - <prefix>.snapshot.json  (periodic compaction target)
//   - <prefix>.journal.jsonl  (append-only operations since the snapshot)
//
// Every mutation is journaled before it becomes visible.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int

	recipients []int64 // insertion order
	known      map[int64]struct{}
	delivered  map[int64]struct{}
	last       *CampaignRecord
}

type journalOp string

const (
	opAdd      journalOp = "add"
	opMark     journalOp = "mark"
	opClear    journalOp = "clear"
	opCampaign journalOp = "campaign"
)

type journalRecord struct {
	Op       journalOp       `json:"op"`
	ID       int64           `json:"id,omitempty"`
	Campaign *CampaignRecord `json:"campaign,omitempty"`
}

type fileSnapshot struct {
	Recipients []int64         `json:"recipients"`
	Delivered  []int64         `json:"delivered"`
	Last       *CampaignRecord `json:"last_campaign,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		compactEvery: 2000,
		known:        map[int64]struct{}{},
		delivered:    map[int64]struct{}{},
	}
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	journalPath := prefix + ".journal.jsonl"
	if err := s.replay(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal: %w", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	log.Info("file store opened", logx.String("prefix", prefix), logx.Int("recipients", len(s.recipients)))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) AddRecipient(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.known[id]; ok {
		return false, nil
	}
	if err := s.commitLocked(ctx, journalRecord{Op: opAdd, ID: id}); err != nil {
		return false, fmt.Errorf("add recipient %d: %w", id, err)
	}
	return true, nil
}

func (s *fileStore) CountRecipients(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, ErrClosed
	}
	return len(s.recipients), nil
}

// Recipients iterates the prefix of the insertion-ordered slice that existed
// when iteration started. The slice is append-only, so the prefix is stable.
func (s *fileStore) Recipients(ctx context.Context) iter.Seq2[int64, error] {
	return func(yield func(int64, error) bool) {
		s.mu.Lock()
		closed := s.journal == nil
		snap := s.recipients[:len(s.recipients):len(s.recipients)]
		s.mu.Unlock()
		if closed {
			yield(0, ErrClosed)
			return
		}
		for _, id := range snap {
			if err := ctx.Err(); err != nil {
				yield(0, err)
				return
			}
			if !yield(id, nil) {
				return
			}
		}
	}
}

func (s *fileStore) MarkDelivered(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.delivered[id]; ok {
		return nil
	}
	if err := s.commitLocked(ctx, journalRecord{Op: opMark, ID: id}); err != nil {
		return fmt.Errorf("mark delivered %d: %w", id, err)
	}
	return nil
}

func (s *fileStore) IsDelivered(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	_, ok := s.delivered[id]
	return ok, nil
}

func (s *fileStore) ClearDeliveryMarks(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.commitLocked(ctx, journalRecord{Op: opClear}); err != nil {
		return fmt.Errorf("clear delivery marks: %w", err)
	}
	return nil
}

func (s *fileStore) DeliveredCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, ErrClosed
	}
	return len(s.delivered), nil
}

func (s *fileStore) SaveCampaign(ctx context.Context, rec CampaignRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.commitLocked(ctx, journalRecord{Op: opCampaign, Campaign: &rec}); err != nil {
		return fmt.Errorf("save campaign %s: %w", rec.ID, err)
	}
	return nil
}

func (s *fileStore) LastCampaign(ctx context.Context) (CampaignRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return CampaignRecord{}, false, ErrClosed
	}
	if s.last == nil {
		return CampaignRecord{}, false, nil
	}
	return *s.last, true, nil
}

// commitLocked journals r, applies it to memory and only then considers
// compaction, so the snapshot always contains r.
func (s *fileStore) commitLocked(ctx context.Context, r journalRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.applyLocked(r)
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) applyLocked(r journalRecord) {
	switch r.Op {
	case opAdd:
		if _, ok := s.known[r.ID]; !ok {
			s.known[r.ID] = struct{}{}
			s.recipients = append(s.recipients, r.ID)
		}
	case opMark:
		s.delivered[r.ID] = struct{}{}
	case opClear:
		s.delivered = map[int64]struct{}{}
	case opCampaign:
		if r.Campaign != nil {
			rec := *r.Campaign
			s.last = &rec
		}
	}
}

func (s *fileStore) compactLocked() error {
	snap := fileSnapshot{
		Recipients: s.recipients,
		Delivered:  make([]int64, 0, len(s.delivered)),
		Last:       s.last,
	}
	for id := range s.delivered {
		snap.Delivered = append(snap.Delivered, id)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, id := range snap.Recipients {
		s.applyLocked(journalRecord{Op: opAdd, ID: id})
	}
	for _, id := range snap.Delivered {
		s.applyLocked(journalRecord{Op: opMark, ID: id})
	}
	if snap.Last != nil {
		s.applyLocked(journalRecord{Op: opCampaign, Campaign: snap.Last})
	}
	return nil
}

func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// a torn last line after a crash is expected
			s.log.Warn("skipping malformed journal line", logx.Int("line", line), logx.Err(err))
			continue
		}
		s.applyLocked(r)
	}
	return sc.Err()
}
