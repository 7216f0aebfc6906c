package delivery

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"bookbot/internal/storage"
	logx "bookbot/pkg/logx"
)

// protocol runs one firing: preconditions, item selection, the two sends and
// the outcome commit. Exactly one item is attempted.
func (s *Service) protocol(ctx context.Context, res *Result) error {
	log := s.log.With(logx.String("run_id", res.RunID), logx.String("trigger", res.Trigger))

	if !s.sess.IsReady() {
		res.Outcome = OutcomeNotConnected
		return ErrNotConnected
	}
	dest, ok, err := s.store.GetSetting(ctx, SettingGroupID)
	if err != nil {
		res.Outcome = OutcomeFailed
		return fmt.Errorf("read %s: %w", SettingGroupID, err)
	}
	dest = strings.TrimSpace(dest)
	if !ok || dest == "" {
		res.Outcome = OutcomeNoDestination
		return ErrNoDestination
	}

	item, err := s.store.NextPendingItem(ctx)
	if err != nil {
		res.Outcome = OutcomeFailed
		return &StepError{RunID: res.RunID, Step: StepSelect, Err: err}
	}
	if item == nil {
		res.Outcome = OutcomeNothingToSend
		log.Info("no pending items")
		return nil
	}
	res.ItemID, res.ItemTitle = item.ID, item.Title
	log = log.With(logx.Int64("item_id", item.ID), logx.String("title", item.Title))
	log.Info("delivering item", logx.String("destination", dest))

	between, after := s.delays()
	// Commits must land even when the firing is cancelled by shutdown.
	commitCtx := context.WithoutCancel(ctx)

	step, err := s.sendItem(ctx, dest, *item, between)
	if err != nil {
		res.Outcome = OutcomeFailed
		s.commitFailure(commitCtx, log, item.ID, err)
		return &StepError{RunID: res.RunID, ItemID: item.ID, Step: step, Err: err}
	}

	// Both artifacts are out; an interrupted trailing wait does not undo that.
	if err := sleepCtx(ctx, after); err != nil {
		log.Debug("after-send wait interrupted", logx.Err(err))
	}

	now := s.now().UTC()
	if err := s.store.MarkStatus(commitCtx, item.ID, storage.StatusSent, now); err != nil {
		res.Outcome = OutcomeFailed
		s.commitFailure(commitCtx, log, item.ID, fmt.Errorf("mark sent: %w", err))
		return &StepError{RunID: res.RunID, ItemID: item.ID, Step: StepCommit, Err: err}
	}
	if err := s.store.AppendLog(commitCtx, item.ID, storage.LogSuccess, ""); err != nil {
		log.Warn("delivery log write failed", logx.Err(err))
	}
	if err := s.store.SetSetting(commitCtx, SettingLastSendDate, now.Format(time.RFC3339)); err != nil {
		log.Warn("last send date write failed", logx.Err(err))
	}
	res.Outcome = OutcomeSent
	log.Info("item delivered")
	return nil
}

func (s *Service) sendItem(ctx context.Context, dest string, it storage.Item, between time.Duration) (Step, error) {
	if err := s.sess.SendImage(ctx, dest, it.CoverPath, Caption(it)); err != nil {
		return StepSendImage, err
	}
	if err := sleepCtx(ctx, between); err != nil {
		return StepWaitBetween, err
	}
	if err := s.sess.SendDocument(ctx, dest, it.DocumentPath, DocumentFilename(it)); err != nil {
		return StepSendDocument, err
	}
	return "", nil
}

// commitFailure marks the selected item as failed. Store errors here are
// logged and swallowed so the original failure is what the caller sees.
func (s *Service) commitFailure(ctx context.Context, log logx.Logger, itemID int64, cause error) {
	log.Error("delivery failed", logx.Err(cause))
	if err := s.store.MarkStatus(ctx, itemID, storage.StatusError, s.now().UTC()); err != nil {
		log.Error("mark error failed", logx.Err(err))
	}
	if err := s.store.AppendLog(ctx, itemID, storage.LogError, cause.Error()); err != nil {
		log.Warn("delivery log write failed", logx.Err(err))
	}
}

// Caption renders the cover message for an item. The text is sent without
// a parse mode, so it carries no markup and item fields need no escaping.
func Caption(it storage.Item) string {
	var b strings.Builder
	b.WriteString("📚 " + strings.TrimSpace(it.Title) + "\n\n")
	b.WriteString("✍️ Author: " + strings.TrimSpace(it.Author) + "\n")
	if it.Pages > 0 {
		b.WriteString("📄 Pages: " + strconv.Itoa(it.Pages) + "\n")
	}
	if d := strings.TrimSpace(it.Description); d != "" {
		b.WriteString("\n📖 Description:\n" + d + "\n")
	}
	b.WriteString("\nThe document follows...")
	return b.String()
}

// DocumentFilename is "{title} - {author}" plus the document's extension
// (".pdf" when it has none).
func DocumentFilename(it storage.Item) string {
	ext := strings.ToLower(filepath.Ext(it.DocumentPath))
	if ext == "" {
		ext = ".pdf"
	}
	name := strings.TrimSpace(it.Title) + " - " + strings.TrimSpace(it.Author)
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, name)
	return name + ext
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
