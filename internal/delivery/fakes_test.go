package delivery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"bookbot/internal/storage"
)

type memStore struct {
	mu        sync.Mutex
	items     map[int64]*storage.Item
	logs      []storage.LogEntry
	settings  map[string]string
	nextCalls int
	setCalls  int
	failMark  error
	failLog   error
	// failOnly narrows failMark to a single target status when set.
	failOnly  storage.Status
}

func newMemStore(items ...storage.Item) *memStore {
	m := &memStore{items: map[int64]*storage.Item{}, settings: map[string]string{}}
	for i := range items {
		it := items[i]
		if it.Status == "" {
			it.Status = storage.StatusPending
		}
		m.items[it.ID] = &it
	}
	return m
}

func (m *memStore) NextPendingItem(ctx context.Context) (*storage.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCalls++
	ids := make([]int64, 0, len(m.items))
	for id, it := range m.items {
		if it.Status == storage.StatusPending {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	cp := *m.items[ids[0]]
	return &cp, nil
}

func (m *memStore) MarkStatus(ctx context.Context, id int64, status storage.Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failMark != nil && (m.failOnly == "" || m.failOnly == status) {
		return m.failMark
	}
	it, ok := m.items[id]
	if !ok {
		return storage.ErrNotFound
	}
	it.Status = status
	it.SentAt = &at
	return nil
}

func (m *memStore) AppendLog(ctx context.Context, itemID int64, status storage.LogStatus, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failLog != nil {
		return m.failLog
	}
	m.logs = append(m.logs, storage.LogEntry{ID: int64(len(m.logs) + 1), ItemID: itemID, Status: status, Message: message, At: time.Now()})
	return nil
}

func (m *memStore) RecentLogs(ctx context.Context, limit int) ([]storage.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.LogEntry, 0, len(m.logs))
	for i := len(m.logs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.logs[i])
	}
	return out, nil
}

func (m *memStore) CountByStatus(ctx context.Context) (storage.Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c storage.Counts
	for _, it := range m.items {
		switch it.Status {
		case storage.StatusPending:
			c.Pending++
		case storage.StatusSent:
			c.Sent++
		case storage.StatusError:
			c.Error++
		}
	}
	return c, nil
}

func (m *memStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.settings[key]
	return v, ok, nil
}

func (m *memStore) SetSetting(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCalls++
	m.settings[key] = value
	return nil
}

func (m *memStore) item(id int64) storage.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.items[id]
}

func (m *memStore) setting(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings[key]
}

func (m *memStore) logCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs)
}

func (m *memStore) entries() []storage.LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.LogEntry(nil), m.logs...)
}

func (m *memStore) calls() (next, set int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextCalls, m.setCalls
}

type sendCall struct {
	kind string
	dest string
	path string
	arg  string
}

type fakeSession struct {
	mu      sync.Mutex
	ready   bool
	calls   []sendCall
	imgErr  error
	docErr  error
	entered chan struct{}
	// release, when set, blocks SendImage until closed or ctx ends.
	release chan struct{}
	// onImage runs inside SendImage before it returns.
	onImage func()
}

func (f *fakeSession) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeSession) SendImage(ctx context.Context, dest, path, caption string) error {
	f.mu.Lock()
	f.calls = append(f.calls, sendCall{kind: "image", dest: dest, path: path, arg: caption})
	entered, release, hook, err := f.entered, f.release, f.onImage, f.imgErr
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if hook != nil {
		hook()
	}
	return err
}

func (f *fakeSession) SendDocument(ctx context.Context, dest, path, filename string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sendCall{kind: "document", dest: dest, path: path, arg: filename})
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.docErr
}

func (f *fakeSession) sent() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sendCall(nil), f.calls...)
}

var errBoom = errors.New("boom")
