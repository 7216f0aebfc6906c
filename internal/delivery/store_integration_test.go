package delivery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"bookbot/internal/eventbus"
	"bookbot/internal/storage"
	logx "bookbot/pkg/logx"
)

var _ Store = storage.Store(nil)

func TestDeliveryAgainstRealStores(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"sqlite", "file"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st, err := storage.Open(storage.Config{Driver: driver, Path: filepath.Join(t.TempDir(), "bookbot.db")}, logx.Nop())
			if err != nil {
				t.Fatal(err)
			}
			defer st.Close()

			first, err := st.AddItem(ctx, storage.Item{Title: "Dune", Author: "Frank Herbert", CoverPath: "c.jpg", DocumentPath: "d.pdf"})
			if err != nil {
				t.Fatal(err)
			}
			if _, err := st.AddItem(ctx, storage.Item{Title: "Emma", Author: "Jane Austen", CoverPath: "e.jpg", DocumentPath: "e.pdf"}); err != nil {
				t.Fatal(err)
			}
			if err := st.SetSetting(ctx, SettingGroupID, "-100"); err != nil {
				t.Fatal(err)
			}

			sess := &fakeSession{ready: true}
			s := New(Config{Location: time.UTC}, st, sess, logx.Nop(), eventbus.Nop{})
			defer s.Close(ctx)

			res, err := s.ExecuteNow(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if res.ItemID != first.ID {
				t.Fatalf("delivered %d, want %d", res.ItemID, first.ID)
			}
			got, err := st.Item(ctx, first.ID)
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != storage.StatusSent || got.SentAt == nil {
				t.Fatalf("item = %+v", got)
			}
			stats, err := s.Stats(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if stats.Counts != (storage.Counts{Pending: 1, Sent: 1}) || stats.LastSendDate == nil {
				t.Fatalf("stats = %+v", stats)
			}
		})
	}
}
