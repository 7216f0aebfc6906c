package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"bookbot/internal/metrics"
	logx "bookbot/pkg/logx"
)

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, destination, text string) error {
	return c.send(ctx, destination, Payload{Kind: PayloadText, Text: text}, 0)
}

// SendImage sends the image at path with a caption.
func (c *Client) SendImage(ctx context.Context, destination, path, caption string) error {
	p := Payload{Kind: PayloadImage, Path: path, Caption: caption}
	return c.send(ctx, destination, p, c.cfg.MaxImageBytes)
}

// SendDocument sends the file at path under the given display filename.
func (c *Client) SendDocument(ctx context.Context, destination, path, filename string) error {
	p := Payload{Kind: PayloadDocument, Path: path, Filename: filename}
	return c.send(ctx, destination, p, c.cfg.MaxDocumentBytes)
}

// ListGroups returns the group chats visible to the session.
func (c *Client) ListGroups(ctx context.Context) ([]Group, error) {
	if !c.IsReady() {
		return nil, ErrNotReady
	}
	chats, err := c.tr.ListChats(ctx)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	out := make([]Group, 0, len(chats))
	for _, ch := range chats {
		if !ch.IsGroup {
			continue
		}
		out = append(out, Group{ID: ch.ID, Name: ch.Name, MemberCount: ch.MemberCount})
	}
	return out, nil
}

func (c *Client) send(ctx context.Context, destination string, p Payload, limit int64) (err error) {
	defer func() { metrics.ObserveSend(string(p.Kind), err) }()

	if !c.IsReady() {
		return ErrNotReady
	}
	if p.Kind != PayloadText {
		if err := checkFile(p.Path, limit); err != nil {
			return err
		}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := c.tr.SendMessage(ctx, destination, p, nil); err != nil {
		c.log.Warn("send failed",
			logx.String("kind", string(p.Kind)),
			logx.String("destination", destination),
			logx.Err(err),
		)
		return fmt.Errorf("%w: %s: %w", ErrSendFailed, p.Kind, err)
	}
	c.log.Debug("sent", logx.String("kind", string(p.Kind)), logx.String("destination", destination))
	return nil
}

// checkFile requires a regular file no larger than limit bytes.
func checkFile(path string, limit int64) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrFileNotFound)
	}
	st, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return fmt.Errorf("%w: %s: %w", ErrFileNotFound, path, err)
	}
	if !st.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrFileNotFound, path)
	}
	if limit > 0 && st.Size() > limit {
		return fmt.Errorf("%w: %s is %d bytes (limit %d)", ErrFileTooLarge, path, st.Size(), limit)
	}
	return nil
}
