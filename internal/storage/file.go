package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "bookbot/pkg/logx"

	"github.com/google/renameio/v2"
)

// fileStore keeps everything in memory and persists it as:
//   - <prefix>.items.json  (items + settings, replaced atomically on change)
//   - <prefix>.logs.jsonl  (append-only delivery log)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	logFile      *os.File

	items    []Item // creation order
	settings map[string]string
	logs     []LogEntry
	nextItem int64
	nextLog  int64
}

type fileSnapshot struct {
	NextID   int64             `json:"next_id"`
	Items    []Item            `json:"items"`
	Settings map[string]string `json:"settings"`
}

func openFile(cfg Config, log logx.Logger) (*fileStore, error) {
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
		snapshotPath: prefix + ".items.json",
		settings:     map[string]string{},
		nextItem:     1,
		nextLog:      1,
	}
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", s.snapshotPath, err)
	}

	logPath := prefix + ".logs.jsonl"
	torn, err := s.replayLogs(logPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay %s: %w", logPath, err)
	}
	lf, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	if torn {
		// Terminate the partial line so the next entry starts clean.
		if _, err := lf.WriteString("\n"); err != nil {
			lf.Close()
			return nil, err
		}
		log.Warn("skipped torn delivery log tail", logx.String("path", logPath))
	}
	s.logFile = lf

	log.Info("file store opened", logx.String("path", prefix), logx.Int("items", len(s.items)))
	return s, nil
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		return err
	}
	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	s.items = snap.Items
	if snap.Settings != nil {
		s.settings = snap.Settings
	}
	s.nextItem = max(snap.NextID, 1)
	for _, it := range s.items {
		if it.ID >= s.nextItem {
			s.nextItem = it.ID + 1
		}
	}
	return nil
}

// replayLogs loads the append-only log. torn reports a final line without a
// trailing newline, left by a crash mid-append.
func (s *fileStore) replayLogs(path string) (torn bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	// bufio.Reader rather than Scanner: log lines carry error text of
	// unbounded length.
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			var e LogEntry
			if json.Unmarshal(line, &e) == nil {
				s.logs = append(s.logs, e)
				if e.ID >= s.nextLog {
					s.nextLog = e.ID + 1
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return len(line) > 0, nil
		}
		if err != nil {
			return false, err
		}
	}
}

// persistLocked atomically replaces the snapshot file.
func (s *fileStore) persistLocked() error {
	b, err := json.MarshalIndent(fileSnapshot{NextID: s.nextItem, Items: s.items, Settings: s.settings}, "", "  ")
	if err != nil {
		return err
	}
	pf, err := renameio.NewPendingFile(s.snapshotPath, renameio.WithPermissions(0o600))
	if err != nil {
		return fmt.Errorf("create pending snapshot: %w", err)
	}
	defer func() {
		if err := pf.Cleanup(); err != nil {
			s.log.Debug("cleanup pending snapshot", logx.Err(err))
		}
	}()
	if _, err := pf.Write(b); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logFile == nil {
		return nil
	}
	err := s.logFile.Close()
	s.logFile = nil
	return err
}

func (s *fileStore) checkOpen(ctx context.Context) error {
	if s.logFile == nil {
		return ErrClosed
	}
	return ctx.Err()
}

func (s *fileStore) indexLocked(id int64) int {
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *fileStore) AddItem(ctx context.Context, it Item) (Item, error) {
	if err := validateNewItem(&it); err != nil {
		return Item{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx); err != nil {
		return Item{}, err
	}
	it.ID = s.nextItem
	s.nextItem++
	s.items = append(s.items, it)
	if err := s.persistLocked(); err != nil {
		s.items = s.items[:len(s.items)-1]
		s.nextItem--
		return Item{}, err
	}
	return it, nil
}

func (s *fileStore) Item(ctx context.Context, id int64) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx); err != nil {
		return Item{}, err
	}
	i := s.indexLocked(id)
	if i < 0 {
		return Item{}, fmt.Errorf("item %d: %w", id, ErrNotFound)
	}
	return s.items[i], nil
}

func (s *fileStore) ListItems(ctx context.Context, status Status) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	var out []Item
	for _, it := range s.items {
		if status == "" || it.Status == status {
			out = append(out, it)
		}
	}
	sortItems(out)
	return out, nil
}

func sortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

func (s *fileStore) NextPendingItem(ctx context.Context) (*Item, error) {
	pending, err := s.ListItems(ctx, StatusPending)
	if err != nil || len(pending) == 0 {
		return nil, err
	}
	it := pending[0]
	return &it, nil
}

func (s *fileStore) MarkStatus(ctx context.Context, id int64, status Status, at time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	i := s.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("item %d: %w", id, ErrNotFound)
	}
	prev := s.items[i]
	s.items[i].Status = status
	s.items[i].SentAt = nil
	if status != StatusPending {
		t := at.UTC().Truncate(time.Millisecond)
		s.items[i].SentAt = &t
	}
	if err := s.persistLocked(); err != nil {
		s.items[i] = prev
		return err
	}
	return nil
}

func (s *fileStore) AppendLog(ctx context.Context, itemID int64, status LogStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	e := LogEntry{
		ID:      s.nextLog,
		ItemID:  itemID,
		Status:  status,
		Message: message,
		At:      time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := json.NewEncoder(s.logFile).Encode(e); err != nil {
		return err
	}
	s.nextLog++
	s.logs = append(s.logs, e)
	return nil
}

func (s *fileStore) RecentLogs(ctx context.Context, limit int) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)
	out := make([]LogEntry, 0, min(limit, len(s.logs)))
	for i := len(s.logs) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.logs[i]
		if j := s.indexLocked(e.ItemID); j >= 0 {
			e.ItemTitle = s.items[j].Title
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *fileStore) CountByStatus(ctx context.Context) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx); err != nil {
		return Counts{}, err
	}
	var c Counts
	for _, it := range s.items {
		c.add(it.Status, 1)
	}
	return c, nil
}

func (s *fileStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx); err != nil {
		return "", false, err
	}
	v, ok := s.settings[key]
	return v, ok, nil
}

func (s *fileStore) SetSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	prev, had := s.settings[key]
	s.settings[key] = value
	if err := s.persistLocked(); err != nil {
		if had {
			s.settings[key] = prev
		} else {
			delete(s.settings, key)
		}
		return err
	}
	return nil
}
