package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"bookbot/internal/session"
	logx "bookbot/pkg/logx"
)

type apiRequest struct {
	method string
	fields map[string]string
	files  []string // multipart field names carrying a file
}

// botAPI is an in-process stand-in for the Telegram Bot API.
type botAPI struct {
	srv *httptest.Server

	mu        sync.Mutex
	requests  []apiRequest
	overrides map[string]http.HandlerFunc
	updates   []string // raw update objects, served once
}

func newBotAPI(t *testing.T, overrides map[string]http.HandlerFunc) *botAPI {
	t.Helper()
	api := &botAPI{overrides: overrides}
	api.srv = httptest.NewServer(http.HandlerFunc(api.serve))
	t.Cleanup(api.srv.Close)
	return api
}

func (a *botAPI) serve(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	req := apiRequest{method: method, fields: map[string]string{}}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(1 << 20); err == nil {
			for k, v := range r.MultipartForm.Value {
				req.fields[k] = v[0]
			}
			for k := range r.MultipartForm.File {
				req.files = append(req.files, k)
			}
		}
	} else {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		for k, v := range body {
			req.fields[k] = fmt.Sprint(v)
		}
	}

	a.mu.Lock()
	a.requests = append(a.requests, req)
	h := a.overrides[method]
	a.mu.Unlock()
	if h != nil {
		h(w, r)
		return
	}

	switch method {
	case "getMe":
		writeOK(w, `{"id":1,"is_bot":true,"first_name":"Books","username":"books_bot"}`)
	case "getUpdates":
		a.mu.Lock()
		pending := a.updates
		a.updates = nil
		a.mu.Unlock()
		if len(pending) == 0 {
			select {
			case <-r.Context().Done():
			case <-time.After(20 * time.Millisecond):
			}
		}
		writeOK(w, "["+strings.Join(pending, ",")+"]")
	case "sendMessage":
		writeOK(w, `{"message_id":2,"date":0,"chat":{"id":-100,"type":"group"},"text":"ok"}`)
	case "sendPhoto":
		writeOK(w, `{"message_id":3,"date":0,"chat":{"id":-100,"type":"group"},"photo":[{"file_id":"p","file_unique_id":"pu","width":1,"height":1}]}`)
	case "sendDocument":
		writeOK(w, `{"message_id":4,"date":0,"chat":{"id":-100,"type":"group"},"document":{"file_id":"d","file_unique_id":"du","file_name":"x.pdf"}}`)
	case "getChatMembersCount":
		writeOK(w, `3`)
	default:
		writeErr(w, http.StatusNotFound, "Not Found")
	}
}

func (a *botAPI) push(update string) {
	a.mu.Lock()
	a.updates = append(a.updates, update)
	a.mu.Unlock()
}

func (a *botAPI) calls(method string) []apiRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []apiRequest
	for _, r := range a.requests {
		if r.method == method {
			out = append(out, r)
		}
	}
	return out
}

func (a *botAPI) waitCall(t *testing.T, method string, match func(apiRequest) bool) apiRequest {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, r := range a.calls(method) {
			if match == nil || match(r) {
				return r
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no matching %s call; got %+v", method, a.calls(method))
	return apiRequest{}
}

func writeOK(w http.ResponseWriter, result string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"ok":true,"result":%s}`, result)
}

func writeErr(w http.ResponseWriter, code int, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"ok":false,"error_code":%d,"description":%q}`, code, desc)
}

func newTestTransport(t *testing.T, api *botAPI) *Transport {
	t.Helper()
	tr, err := New(Config{
		Token:           "123:abc",
		PollTimeout:     time.Second,
		RetryDelay:      5 * time.Millisecond,
		MaxPollFailures: 3,
		URL:             api.srv.URL,
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tr.Close(ctx)
	})
	return tr
}

func nextEvent(t *testing.T, events <-chan session.Event) session.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no transport event")
		return session.Event{}
	}
}

func expectEvents(t *testing.T, events <-chan session.Event, kinds ...session.EventKind) {
	t.Helper()
	for _, want := range kinds {
		if ev := nextEvent(t, events); ev.Kind != want {
			t.Fatalf("event = %+v, want %s", ev, want)
		}
	}
}

func expectQuiet(t *testing.T, events <-chan session.Event, d time.Duration) {
	t.Helper()
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(d):
	}
}

func connect(t *testing.T, tr *Transport) chan session.Event {
	t.Helper()
	events := make(chan session.Event, 8)
	if err := tr.Connect(context.Background(), events); err != nil {
		t.Fatal(err)
	}
	return events
}

func TestConnectReportsAuthenticatedThenReady(t *testing.T) {
	t.Parallel()
	api := newBotAPI(t, nil)
	tr := newTestTransport(t, api)

	expectEvents(t, connect(t, tr), session.EventAuthenticated, session.EventReady)

	acct, ok := tr.Account()
	if !ok || acct.Name != "books_bot" || acct.ID != "1" || acct.Platform != "telegram" {
		t.Fatalf("account = %+v, %v", acct, ok)
	}
}

func TestRejectedTokenAtGetMe(t *testing.T) {
	t.Parallel()
	api := newBotAPI(t, map[string]http.HandlerFunc{
		"getMe": func(w http.ResponseWriter, _ *http.Request) { writeErr(w, http.StatusUnauthorized, "Unauthorized") },
	})
	tr := newTestTransport(t, api)

	events := connect(t, tr)
	ev := nextEvent(t, events)
	if ev.Kind != session.EventAuthFailure || ev.Reason == "" {
		t.Fatalf("event = %+v", ev)
	}
	expectQuiet(t, events, 50*time.Millisecond)
	if n := len(api.calls("getUpdates")); n != 0 {
		t.Fatalf("polled %d times after a rejected token", n)
	}
}

func TestRevokedTokenWhilePolling(t *testing.T) {
	t.Parallel()
	api := newBotAPI(t, map[string]http.HandlerFunc{
		"getUpdates": func(w http.ResponseWriter, _ *http.Request) { writeErr(w, http.StatusUnauthorized, "Unauthorized") },
	})
	tr := newTestTransport(t, api)

	events := connect(t, tr)
	expectEvents(t, events, session.EventAuthenticated, session.EventAuthFailure)
	expectQuiet(t, events, 100*time.Millisecond)
	if n := len(api.calls("getUpdates")); n != 1 {
		t.Fatalf("getUpdates called %d times, want 1", n)
	}
}

func TestRepeatedPollFailuresDisconnect(t *testing.T) {
	t.Parallel()
	api := newBotAPI(t, map[string]http.HandlerFunc{
		"getUpdates": func(w http.ResponseWriter, _ *http.Request) {
			writeErr(w, http.StatusBadGateway, "Bad Gateway")
		},
	})
	tr := newTestTransport(t, api)

	events := connect(t, tr)
	expectEvents(t, events, session.EventAuthenticated)
	ev := nextEvent(t, events)
	if ev.Kind != session.EventDisconnected || !strings.Contains(ev.Reason, "3 times") {
		t.Fatalf("event = %+v", ev)
	}
	expectQuiet(t, events, 100*time.Millisecond)
	if n := len(api.calls("getUpdates")); n != 3 {
		t.Fatalf("getUpdates called %d times, want 3", n)
	}
}

func TestSendMessageUploads(t *testing.T) {
	t.Parallel()
	api := newBotAPI(t, nil)
	tr := newTestTransport(t, api)
	expectEvents(t, connect(t, tr), session.EventAuthenticated, session.EventReady)

	dir := t.TempDir()
	cover := filepath.Join(dir, "cover.jpg")
	doc := filepath.Join(dir, "dune.pdf")
	for _, p := range []string{cover, doc} {
		if err := os.WriteFile(p, []byte("data"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	ctx := context.Background()

	if err := tr.SendMessage(ctx, "-100", session.Payload{Kind: session.PayloadImage, Path: cover, Caption: "Dune"}, nil); err != nil {
		t.Fatalf("photo: %v", err)
	}
	if err := tr.SendMessage(ctx, "-100", session.Payload{Kind: session.PayloadDocument, Path: doc, Filename: "Dune - Frank Herbert.pdf"}, nil); err != nil {
		t.Fatalf("document: %v", err)
	}
	if err := tr.SendMessage(ctx, "-100", session.Payload{Kind: session.PayloadText, Text: "hello"}, nil); err != nil {
		t.Fatalf("text: %v", err)
	}

	photo := api.calls("sendPhoto")
	if len(photo) != 1 || photo[0].fields["chat_id"] != "-100" || photo[0].fields["caption"] != "Dune" || len(photo[0].files) != 1 || photo[0].files[0] != "photo" {
		t.Fatalf("sendPhoto = %+v", photo)
	}
	docs := api.calls("sendDocument")
	if len(docs) != 1 || docs[0].fields["file_name"] != "Dune - Frank Herbert.pdf" || len(docs[0].files) != 1 || docs[0].files[0] != "document" {
		t.Fatalf("sendDocument = %+v", docs)
	}
	text := api.calls("sendMessage")
	if len(text) != 1 || text[0].fields["text"] != "hello" {
		t.Fatalf("sendMessage = %+v", text)
	}

	if err := tr.SendMessage(ctx, "not-a-chat", session.Payload{Kind: session.PayloadText, Text: "x"}, nil); err == nil {
		t.Fatal("invalid destination accepted")
	}
}

func TestCloseDuringBringUp(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var once sync.Once
	api := newBotAPI(t, map[string]http.HandlerFunc{
		"getMe": func(w http.ResponseWriter, _ *http.Request) {
			entered <- struct{}{}
			<-release
			writeOK(w, `{"id":1,"is_bot":true,"first_name":"Books","username":"books_bot"}`)
		},
	})
	// Registered after the server so it runs first and unblocks its Close.
	t.Cleanup(func() { once.Do(func() { close(release) }) })
	tr := newTestTransport(t, api)

	events := connect(t, tr)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("getMe not called")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := tr.Close(ctx); err != nil {
		t.Fatal(err)
	}
	once.Do(func() { close(release) })

	expectQuiet(t, events, 100*time.Millisecond)
	if _, ok := tr.Account(); ok {
		t.Fatal("bot installed after Close")
	}
}

func TestStatusRequestsAreAnswered(t *testing.T) {
	t.Parallel()
	api := newBotAPI(t, nil)
	tr := newTestTransport(t, api)
	tr.SetStatusFunc(func() string { return "all good" })
	expectEvents(t, connect(t, tr), session.EventAuthenticated, session.EventReady)

	api.push(`{"update_id":1,"message":{"message_id":10,"date":0,"chat":{"id":-100,"type":"group","title":"Books"},"from":{"id":5,"is_bot":false,"first_name":"Ann"},"text":"!STATUS"}}`)
	api.waitCall(t, "sendMessage", func(r apiRequest) bool {
		return r.fields["chat_id"] == "-100" && r.fields["text"] == "all good"
	})

	tr.SetStatusFunc(nil)
	api.push(`{"update_id":2,"message":{"message_id":11,"date":0,"chat":{"id":-100,"type":"group","title":"Books"},"from":{"id":5,"is_bot":false,"first_name":"Ann"},"text":"/status"}}`)
	api.waitCall(t, "sendMessage", func(r apiRequest) bool {
		return r.fields["text"] == defaultStatusReply
	})

	chats, err := tr.ListChats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 || chats[0].ID != "-100" || chats[0].Name != "Books" || chats[0].MemberCount != 3 {
		t.Fatalf("chats = %+v", chats)
	}
}

func TestPlainTextIsNotAnswered(t *testing.T) {
	t.Parallel()
	if !isStatusRequest(" !status ") || isStatusRequest("status please") || isStatusRequest("/status") {
		t.Fatal("status request detection")
	}
}
