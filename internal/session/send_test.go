package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name string, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, make([]byte, size), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSendRequiresReady(t *testing.T) {
	t.Parallel()
	c, tr := newTestClient(t, Config{})
	ctx := context.Background()
	img := writeFile(t, "cover.jpg", 10)

	if err := c.SendText(ctx, "g", "hi"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("text: %v", err)
	}
	if err := c.SendImage(ctx, "g", img, "cap"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("image: %v", err)
	}
	if err := c.SendDocument(ctx, "g", img, "doc.pdf"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("document: %v", err)
	}
	if _, err := c.ListGroups(ctx); !errors.Is(err, ErrNotReady) {
		t.Fatalf("groups: %v", err)
	}
	if len(tr.sent) != 0 {
		t.Fatalf("nothing must reach the transport")
	}
}

func TestSendFileChecks(t *testing.T) {
	t.Parallel()
	c, tr := newTestClient(t, Config{MaxImageBytes: 8, MaxDocumentBytes: 16})
	bringUp(t, c, tr)
	ctx := context.Background()

	small := writeFile(t, "small.jpg", 8)
	big := writeFile(t, "big.jpg", 9)
	doc := writeFile(t, "book.pdf", 16)

	tests := []struct {
		name string
		send func() error
		want error
	}{
		{"missing image", func() error { return c.SendImage(ctx, "g", filepath.Join(t.TempDir(), "nope.jpg"), "") }, ErrFileNotFound},
		{"directory", func() error { return c.SendDocument(ctx, "g", t.TempDir(), "x.pdf") }, ErrFileNotFound},
		{"image too large", func() error { return c.SendImage(ctx, "g", big, "") }, ErrFileTooLarge},
		{"image at limit", func() error { return c.SendImage(ctx, "g", small, "cap") }, nil},
		// The document ceiling is separate from the image ceiling.
		{"document under its own limit", func() error { return c.SendDocument(ctx, "g", doc, "Book - Author.pdf") }, nil},
	}
	for _, tt := range tests {
		err := tt.send()
		if tt.want == nil && err != nil {
			t.Fatalf("%s: unexpected error %v", tt.name, err)
		}
		if tt.want != nil && !errors.Is(err, tt.want) {
			t.Fatalf("%s: got %v, want %v", tt.name, err, tt.want)
		}
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.sent) != 2 {
		t.Fatalf("sent = %d, want 2", len(tr.sent))
	}
	if p := tr.sent[0].payload; p.Kind != PayloadImage || p.Caption != "cap" || p.Path != small {
		t.Fatalf("image payload: %+v", p)
	}
	if p := tr.sent[1].payload; p.Kind != PayloadDocument || p.Filename != "Book - Author.pdf" {
		t.Fatalf("document payload: %+v", p)
	}
}

func TestSendWrapsTransportErrors(t *testing.T) {
	t.Parallel()
	c, tr := newTestClient(t, Config{})
	bringUp(t, c, tr)

	cause := errors.New("http 502")
	tr.mu.Lock()
	tr.sendErr = cause
	tr.mu.Unlock()

	err := c.SendText(context.Background(), "g", "hello")
	if !errors.Is(err, ErrSendFailed) || !errors.Is(err, cause) {
		t.Fatalf("send error: %v", err)
	}
}

func TestListGroupsFiltersGroups(t *testing.T) {
	t.Parallel()
	c, tr := newTestClient(t, Config{})
	tr.chats = []Chat{
		{ID: "-100", Name: "Books", IsGroup: true, MemberCount: 42},
		{ID: "7", Name: "alice"},
	}
	bringUp(t, c, tr)

	groups, err := c.ListGroups(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || groups[0] != (Group{ID: "-100", Name: "Books", MemberCount: 42}) {
		t.Fatalf("groups: %+v", groups)
	}
}
