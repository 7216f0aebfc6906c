// Package telegram implements session.Transport on top of telebot.
//
// Telegram bots authenticate with a token, so there is no pairing step: a
// successful getMe is reported as authenticated and the first poll as ready.
// A token rejected by getMe or getUpdates is reported as auth_failure, and a
// run of failed polls as disconnected.
//
// "!status" and "/status" in any chat the bot can read are answered with a
// short liveness report.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"bookbot/internal/session"
	rtsup "bookbot/internal/runtime/supervisor"
	logx "bookbot/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// RetryDelay is the first wait after a failed poll; it doubles per
	// consecutive failure. Default 1s.
	RetryDelay time.Duration
	// MaxPollFailures consecutive failed polls end the connection with a
	// disconnected event. Default 5.
	MaxPollFailures int
	// URL overrides the Bot API endpoint (tests, local bot API servers).
	URL string
}

// StatusFunc renders the reply to a status request.
type StatusFunc func() string

const defaultStatusReply = "🤖 Book bot is active!"

type Transport struct {
	cfg Config
	log logx.Logger

	mu     sync.Mutex
	bot    *tele.Bot
	sup    *rtsup.Supervisor
	events chan<- session.Event
	gen    uint64
	chats  map[int64]*tele.Chat
	status StatusFunc
}

var _ session.Transport = (*Transport)(nil)
var _ session.AccountProvider = (*Transport)(nil)

func New(cfg Config, log logx.Logger) (*Transport, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxPollFailures <= 0 {
		cfg.MaxPollFailures = 5
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Transport{
		cfg:   cfg,
		log:   log.With(logx.String("comp", "telegram")),
		chats: map[int64]*tele.Chat{},
	}, nil
}

// SetStatusFunc sets the status reply renderer. nil restores the default.
func (t *Transport) SetStatusFunc(fn StatusFunc) {
	t.mu.Lock()
	t.status = fn
	t.mu.Unlock()
}

// Connect starts bring-up in the background. A previous connection is torn
// down first.
func (t *Transport) Connect(ctx context.Context, events chan<- session.Event) error {
	if events == nil {
		return errors.New("telegram: nil events channel")
	}
	t.shutdown(ctx)

	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.events = events
	sup := rtsup.NewSupervisor(context.Background(),
		rtsup.WithLogger(t.log),
		rtsup.WithCancelOnError(false),
	)
	t.sup = sup
	t.mu.Unlock()

	sup.Go0("telegram.connect", func(c context.Context) { t.bringUp(c, gen) })
	return nil
}

func (t *Transport) bringUp(ctx context.Context, gen uint64) {
	b, err := tele.NewBot(tele.Settings{
		Token: t.cfg.Token,
		URL:   t.cfg.URL,
		Poller: &poller{
			t:           t,
			ctx:         ctx,
			gen:         gen,
			timeout:     t.cfg.PollTimeout,
			retryDelay:  t.cfg.RetryDelay,
			maxFailures: t.cfg.MaxPollFailures,
		},
		OnError: func(err error, _ tele.Context) {
			t.log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		if isUnauthorized(err) {
			t.emit(ctx, gen, session.Event{Kind: session.EventAuthFailure, Reason: err.Error()})
			return
		}
		t.emit(ctx, gen, session.Event{Kind: session.EventDisconnected, Reason: err.Error()})
		return
	}
	t.registerHandlers(b)

	t.mu.Lock()
	if t.gen != gen || ctx.Err() != nil {
		t.mu.Unlock()
		return
	}
	t.bot = b
	sup := t.sup
	t.mu.Unlock()

	t.log.Info("authenticated", logx.String("username", b.Me.Username), logx.Int64("id", b.Me.ID))
	t.emit(ctx, gen, session.Event{Kind: session.EventAuthenticated})

	// The poller reports ready or failure itself; Start only returns on Stop.
	sup.Go0("telegram.poll", func(context.Context) {
		t.log.Info("polling started")
		b.Start()
		t.log.Info("polling stopped")
	})
}

func (t *Transport) registerHandlers(b *tele.Bot) {
	track := func(c tele.Context) {
		if ch := c.Chat(); ch != nil && isGroup(ch) {
			t.mu.Lock()
			t.chats[ch.ID] = ch
			t.mu.Unlock()
		}
	}
	b.Handle(tele.OnText, func(c tele.Context) error {
		track(c)
		if isStatusRequest(c.Text()) {
			return c.Send(t.statusReply())
		}
		return nil
	})
	b.Handle("/status", func(c tele.Context) error {
		track(c)
		return c.Send(t.statusReply())
	})
	b.Handle(tele.OnAddedToGroup, func(c tele.Context) error {
		track(c)
		return nil
	})
}

func (t *Transport) statusReply() string {
	t.mu.Lock()
	fn := t.status
	t.mu.Unlock()
	if fn == nil {
		return defaultStatusReply
	}
	if s := strings.TrimSpace(fn()); s != "" {
		return s
	}
	return defaultStatusReply
}

func isStatusRequest(text string) bool {
	return strings.EqualFold(strings.TrimSpace(text), "!status")
}

// emit delivers ev unless the connection generation moved on or ctx ended.
func (t *Transport) emit(ctx context.Context, gen uint64, ev session.Event) {
	t.mu.Lock()
	out := t.events
	stale := t.gen != gen
	t.mu.Unlock()
	if stale || out == nil {
		return
	}
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

func (t *Transport) Close(ctx context.Context) error {
	t.shutdown(ctx)
	return nil
}

func (t *Transport) shutdown(ctx context.Context) {
	t.mu.Lock()
	sup, b := t.sup, t.bot
	t.sup, t.bot = nil, nil
	t.gen++
	t.mu.Unlock()

	if sup == nil {
		return
	}
	sup.Cancel()
	if b != nil {
		// Stop blocks until the poller acknowledges.
		go b.Stop()
	}

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		t.log.Warn("telegram stop timed out", logx.Err(err))
	}
}

func (t *Transport) current() (*tele.Bot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot == nil {
		return nil, errors.New("telegram: not connected")
	}
	return t.bot, nil
}

// ListChats returns the groups the bot has seen traffic from since start.
func (t *Transport) ListChats(ctx context.Context) ([]session.Chat, error) {
	b, err := t.current()
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	seen := make([]*tele.Chat, 0, len(t.chats))
	for _, ch := range t.chats {
		seen = append(seen, ch)
	}
	t.mu.Unlock()

	out := make([]session.Chat, 0, len(seen))
	for _, ch := range seen {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := b.Len(ch)
		if err != nil {
			t.log.Debug("member count failed", logx.Int64("chat_id", ch.ID), logx.Err(err))
		}
		out = append(out, session.Chat{
			ID:          strconv.FormatInt(ch.ID, 10),
			Name:        chatName(ch),
			IsGroup:     true,
			MemberCount: n,
		})
	}
	return out, nil
}

func (t *Transport) SendMessage(ctx context.Context, destination string, p session.Payload, opt *session.SendOptions) error {
	b, err := t.current()
	if err != nil {
		return err
	}
	chatID, err := parseDestination(destination)
	if err != nil {
		return err
	}
	if opt == nil {
		opt = &session.SendOptions{}
	}
	chat := &tele.Chat{ID: chatID}
	sendOpt := &tele.SendOptions{ParseMode: opt.ParseMode, DisableWebPagePreview: opt.DisablePreview}

	switch p.Kind {
	case session.PayloadText:
		for _, chunk := range splitTelegramText(p.Text, telegramTextLimit, opt.ParseMode) {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := b.Send(chat, chunk, sendOpt); err != nil {
				return err
			}
		}
		return nil
	case session.PayloadImage:
		photo := &tele.Photo{File: tele.FromDisk(p.Path), Caption: truncateRunes(p.Caption, telegramCaptionLimit)}
		_, err := b.Send(chat, photo, sendOpt)
		return err
	case session.PayloadDocument:
		doc := &tele.Document{
			File:     tele.FromDisk(p.Path),
			FileName: p.Filename,
			Caption:  truncateRunes(p.Caption, telegramCaptionLimit),
		}
		_, err := b.Send(chat, doc, sendOpt)
		return err
	default:
		return fmt.Errorf("telegram: unsupported payload kind %q", p.Kind)
	}
}

// Account reports the bot identity once connected.
func (t *Transport) Account() (session.Account, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot == nil || t.bot.Me == nil {
		return session.Account{}, false
	}
	me := t.bot.Me
	name := me.Username
	if name == "" {
		name = strings.TrimSpace(me.FirstName + " " + me.LastName)
	}
	return session.Account{ID: strconv.FormatInt(me.ID, 10), Name: name, Platform: "telegram"}, true
}

func parseDestination(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("telegram: invalid destination %q", s)
	}
	return id, nil
}

func isUnauthorized(err error) bool {
	if errors.Is(err, tele.ErrUnauthorized) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unauthorized") || strings.Contains(msg, "(401)")
}

func isGroup(ch *tele.Chat) bool {
	return ch.Type == tele.ChatGroup || ch.Type == tele.ChatSuperGroup
}

func chatName(ch *tele.Chat) string {
	if ch.Title != "" {
		return ch.Title
	}
	if ch.Username != "" {
		return ch.Username
	}
	return strconv.FormatInt(ch.ID, 10)
}
