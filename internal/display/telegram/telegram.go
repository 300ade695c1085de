// Package telegram delivers alerts as Telegram messages with Join, Snooze
// and Dismiss buttons.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"meetbell/internal/display"
	"meetbell/pkg/logx"
	"meetbell/pkg/tgui"
)

const (
	app           = "mb"
	actionSnooze  = "snooze"
	actionDismiss = "dismiss"

	maxAgenda = 500
)

type Config struct {
	Token       string
	ChatID      int64
	ThreadID    int
	PollTimeout time.Duration
	RatePerSec  int
	// URL overrides the Bot API endpoint.
	URL string
}

type Sink struct {
	bot     *tele.Bot
	cfg     Config
	limiter *rate.Limiter
	log     logx.Logger

	mu    sync.Mutex
	sent  map[string]*tele.Message
	byMsg map[int]string
}

func New(cfg Config, log logx.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.URL,
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: cfg.URL != "",
	})
	if err != nil {
		return nil, err
	}
	return &Sink{
		bot:     b,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:     log.With(logx.String("comp", "display.telegram")),
		sent:    map[string]*tele.Message{},
		byMsg:   map[int]string{},
	}, nil
}

func (s *Sink) Name() string { return "telegram" }

// Show sends the alert. A later kind for the same meeting replaces the
// earlier message.
func (s *Sink) Show(ctx context.Context, n display.Notification) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	msg, err := s.bot.Send(s.chat(), render(n), &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              s.cfg.ThreadID,
		ReplyMarkup:           keyboard(n),
	})
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	s.mu.Lock()
	prev := s.sent[n.Meeting.ID]
	s.sent[n.Meeting.ID] = msg
	s.byMsg[msg.ID] = n.Meeting.ID
	if prev != nil {
		delete(s.byMsg, prev.ID)
	}
	s.mu.Unlock()

	if prev != nil {
		if err := s.bot.Delete(prev); err != nil {
			s.log.Debug("previous alert delete failed", logx.String("meeting", n.Meeting.ID), logx.Err(err))
		}
	}
	return nil
}

// Close deletes the alert message of the meeting, if any.
func (s *Sink) Close(ctx context.Context, meetingID string) error {
	s.mu.Lock()
	msg := s.sent[meetingID]
	delete(s.sent, meetingID)
	if msg != nil {
		delete(s.byMsg, msg.ID)
	}
	s.mu.Unlock()
	if msg == nil {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := s.bot.Delete(msg); err != nil {
		return fmt.Errorf("delete message %d: %w", msg.ID, err)
	}
	return nil
}

// Run polls for button presses until ctx is done.
func (s *Sink) Run(ctx context.Context, a display.Actions) error {
	s.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		if cb == nil || c.Chat() == nil || c.Chat().ID != s.cfg.ChatID {
			return nil
		}
		msgID := 0
		if m := c.Message(); m != nil {
			msgID = m.ID
		}
		reply := s.handleCallback(ctx, a, cb.Data, msgID)
		return c.Respond(&tele.CallbackResponse{Text: reply})
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.log.Info("polling started")
		s.bot.Start() // blocks until Stop
	}()

	<-ctx.Done()
	go s.bot.Stop()

	// getUpdates may still be waiting on its long poll.
	t := time.NewTimer(2 * time.Second)
	defer t.Stop()
	select {
	case <-done:
		s.log.Info("polling stopped")
	case <-t.C:
		s.log.Warn("telegram stop grace elapsed; continuing shutdown")
	}
	return nil
}

func (s *Sink) handleCallback(ctx context.Context, a display.Actions, data string, msgID int) string {
	action, meetingID, ok := tgui.Parse(app, data)
	if !ok {
		return ""
	}
	if meetingID == "" {
		s.mu.Lock()
		meetingID = s.byMsg[msgID]
		s.mu.Unlock()
	}
	if meetingID == "" {
		return "This alert is no longer active."
	}
	log := s.log.With(logx.String("meeting", meetingID), logx.String("action", action))

	switch action {
	case actionSnooze:
		until, err := a.SnoozeMeeting(ctx, meetingID, display.SnoozeMinutes)
		if err != nil {
			log.Warn("snooze failed", logx.Err(err))
			return "Snooze failed."
		}
		a.CloseNotification(ctx, meetingID)
		return "Snoozed until " + until.Format("15:04")
	case actionDismiss:
		a.CloseNotification(ctx, meetingID)
		return "Dismissed."
	}
	log.Debug("unknown callback action")
	return ""
}

func (s *Sink) chat() *tele.Chat { return &tele.Chat{ID: s.cfg.ChatID} }

func render(n display.Notification) string {
	m := n.Meeting
	parts := []tgui.H{
		tgui.B(n.Headline()),
		tgui.Esc(m.Start.Format("Mon 2 Jan, 15:04") + " - " + m.End.Format("15:04")),
	}
	if len(m.Attendees) > 0 {
		parts = append(parts, tgui.Esc("With: "+strings.Join(m.Attendees, ", ")))
	}
	if d := strings.TrimSpace(m.Description); d != "" {
		parts = append(parts, tgui.Quote(tgui.TruncRunes(d, maxAgenda)))
	}
	if n.Test {
		parts = append(parts, tgui.I("test notification"))
	}
	return tgui.JoinH("\n", parts...).String()
}

func keyboard(n display.Notification) *tele.ReplyMarkup {
	kb := tgui.NewInline()
	if link := n.Meeting.ConferenceLink; link != "" {
		kb.Row(tgui.URLBtn("Join", link))
	}
	kb.Row(
		tgui.Btn(fmt.Sprintf("Snooze %dm", display.SnoozeMinutes), callbackData(actionSnooze, n.Meeting.ID)),
		tgui.Btn("Dismiss", callbackData(actionDismiss, n.Meeting.ID)),
	)
	return kb.Markup()
}

// callbackData carries the meeting id when it fits; otherwise the callback
// is resolved through the message it was pressed on.
func callbackData(action, meetingID string) string {
	d, err := tgui.Data(app, action, meetingID)
	if err != nil {
		d, _ = tgui.Data(app, action, "")
	}
	return d
}
