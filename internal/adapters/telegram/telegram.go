// Package telegram implements transport.Adapter over the Telegram bot API.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"reachbot/internal/transport"
	logx "reachbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot       *tele.Bot
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	runMu     sync.Mutex
	running   bool

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the poll loop. Logged periodically to avoid per-update spam.
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(2)
	a.runMu.Unlock()

	go func() {
		defer a.runWG.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Any("count", n))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Any("count", n))
				}
			}
		}
	}()

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		m := c.Message()
		if cb == nil || m == nil {
			return nil
		}
		up := transport.Update{
			Kind: transport.UpdateCallback,
			Callback: &transport.Callback{
				ID:        cb.ID,
				ChatID:    m.Chat.ID,
				ThreadID:  m.ThreadID,
				FromID:    cb.Sender.ID,
				MessageID: m.ID,
				// telebot prefixes callback data with "\f"; strip it.
				Data: strings.TrimPrefix(cb.Data, "\f"),
			},
		}
		select {
		case out <- up:
		default:
			atomic.AddUint64(&a.droppedUpdates, 1)
		}
		return nil
	})

	go func() {
		defer a.runWG.Done()
		go func() {
			<-rctx.Done()
			a.bot.Stop()
		}()
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop() called
	}()

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	running := a.running
	a.running = false
	a.runMu.Unlock()

	if !running {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sendOptions(opt *transport.SendOptions) *tele.SendOptions {
	so := &tele.SendOptions{}
	if opt == nil {
		return so
	}
	so.ParseMode = opt.ParseMode
	so.DisableWebPagePreview = opt.DisablePreview
	if len(opt.Buttons) > 0 {
		so.ReplyMarkup = inlineMarkup(opt.Buttons)
	}
	return so
}

func inlineMarkup(buttons []transport.Button) *tele.ReplyMarkup {
	row := make([]tele.InlineButton, 0, len(buttons))
	for _, b := range buttons {
		row = append(row, tele.InlineButton{Text: b.Text, Data: b.Data})
	}
	return &tele.ReplyMarkup{InlineKeyboard: [][]tele.InlineButton{row}}
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.SentMessage, error) {
	so := sendOptions(opt)
	if to.ThreadID != 0 {
		so.ThreadID = to.ThreadID
	}
	msg, err := a.bot.Send(tele.ChatID(to.ChatID), text, so)
	if err != nil {
		return transport.SentMessage{}, err
	}
	return transport.SentMessage{ChatID: msg.Chat.ID, MessageID: msg.ID}, nil
}

func (a *Adapter) EditText(ctx context.Context, chatID int64, messageID int, text string, opt *transport.SendOptions) error {
	ref := storedMessage(chatID, messageID)
	_, err := a.bot.Edit(ref, text, sendOptions(opt))
	return err
}

func (a *Adapter) EditButtons(ctx context.Context, chatID int64, messageID int, buttons []transport.Button) error {
	_, err := a.bot.EditReplyMarkup(storedMessage(chatID, messageID), inlineMarkup(buttons))
	return err
}

func (a *Adapter) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	return a.bot.Delete(storedMessage(chatID, messageID))
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

func storedMessage(chatID int64, messageID int) tele.Editable {
	return &tele.Message{ID: messageID, Chat: &tele.Chat{ID: chatID}}
}
