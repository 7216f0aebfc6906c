package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"bookbot/internal/session"
	logx "bookbot/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

const maxPollBackoff = 30 * time.Second

// poller long-polls getUpdates and reports lifecycle changes to the
// transport: ready on the first successful poll, auth_failure on a rejected
// token, disconnected after maxFailures consecutive errors. It returns
// instead of retrying after either failure.
type poller struct {
	t           *Transport
	ctx         context.Context
	gen         uint64
	timeout     time.Duration
	retryDelay  time.Duration
	maxFailures int

	lastID int
}

var _ tele.Poller = (*poller)(nil)

func (p *poller) Poll(b *tele.Bot, dest chan tele.Update, stop chan struct{}) {
	log := p.t.log
	ready := false
	failures := 0
	backoff := p.retryDelay

	for {
		if p.stopped(stop) {
			return
		}
		updates, err := p.fetch(b)
		if err != nil {
			if p.stopped(stop) {
				return
			}
			if isUnauthorized(err) {
				log.Error("getUpdates rejected the token", logx.Err(err))
				p.t.emit(p.ctx, p.gen, session.Event{Kind: session.EventAuthFailure, Reason: err.Error()})
				return
			}

			wait := backoff
			var flood tele.FloodError
			if errors.As(err, &flood) && flood.RetryAfter > 0 {
				wait = time.Duration(flood.RetryAfter) * time.Second
			} else {
				failures++
				if failures >= p.maxFailures {
					log.Warn("getUpdates keeps failing; giving up", logx.Int("failures", failures), logx.Err(err))
					p.t.emit(p.ctx, p.gen, session.Event{
						Kind:   session.EventDisconnected,
						Reason: fmt.Sprintf("getUpdates failed %d times: %v", failures, err),
					})
					return
				}
				backoff = min(backoff*2, maxPollBackoff)
			}
			log.Debug("getUpdates failed; retrying", logx.Int("failures", failures), logx.Duration("wait", wait), logx.Err(err))
			if !p.sleep(wait, stop) {
				return
			}
			continue
		}

		failures, backoff = 0, p.retryDelay
		if !ready {
			ready = true
			p.t.emit(p.ctx, p.gen, session.Event{Kind: session.EventReady})
		}
		for _, u := range updates {
			p.lastID = u.ID
			select {
			case dest <- u:
			case <-stop:
				return
			case <-p.ctx.Done():
				return
			}
		}
	}
}

func (p *poller) fetch(b *tele.Bot) ([]tele.Update, error) {
	params := map[string]string{
		"offset":  strconv.Itoa(p.lastID + 1),
		"timeout": strconv.Itoa(int(p.timeout / time.Second)),
	}
	data, err := b.Raw("getUpdates", params)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Result []tele.Update `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode getUpdates: %w", err)
	}
	return resp.Result, nil
}

func (p *poller) stopped(stop chan struct{}) bool {
	select {
	case <-stop:
		return true
	case <-p.ctx.Done():
		return true
	default:
		return false
	}
}

func (p *poller) sleep(d time.Duration, stop chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	case <-p.ctx.Done():
		return false
	}
}
