// Package transporttest provides a recording transport.Adapter for tests.
package transporttest

import (
	"context"
	"sync"

	"reachbot/internal/transport"
)

// SentText is one recorded SendText call.
type SentText struct {
	To   transport.ChatTarget
	Text string
	Opt  *transport.SendOptions
}

// Edit is one recorded EditText call.
type Edit struct {
	ChatID    int64
	MessageID int
	Text      string
}

// ButtonEdit is one recorded EditButtons call.
type ButtonEdit struct {
	ChatID    int64
	MessageID int
	Buttons   []transport.Button
}

// Deleted is one recorded DeleteMessage call.
type Deleted struct {
	ChatID    int64
	MessageID int
}

// Answer is one recorded AnswerCallback call.
type Answer struct {
	CallbackID string
	Text       string
}

// Adapter records every call and can be scripted to fail sends or deletes.
type Adapter struct {
	mu sync.Mutex

	SendErr   error
	DeleteErr error

	nextMsgID int

	sent    []SentText
	edits   []Edit
	buttons []ButtonEdit
	deleted []Deleted
	answers []Answer

	out chan<- transport.Update
}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.mu.Lock()
	a.out = out
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error { return nil }

// Push injects an inbound update as if the poller produced it.
func (a *Adapter) Push(up transport.Update) {
	a.mu.Lock()
	out := a.out
	a.mu.Unlock()
	if out != nil {
		out <- up
	}
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.SentMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.SendErr != nil {
		return transport.SentMessage{}, a.SendErr
	}
	a.nextMsgID++
	a.sent = append(a.sent, SentText{To: to, Text: text, Opt: opt})
	return transport.SentMessage{ChatID: to.ChatID, MessageID: a.nextMsgID}, nil
}

func (a *Adapter) EditText(ctx context.Context, chatID int64, messageID int, text string, opt *transport.SendOptions) error {
	a.mu.Lock()
	a.edits = append(a.edits, Edit{ChatID: chatID, MessageID: messageID, Text: text})
	a.mu.Unlock()
	return nil
}

func (a *Adapter) EditButtons(ctx context.Context, chatID int64, messageID int, buttons []transport.Button) error {
	a.mu.Lock()
	a.buttons = append(a.buttons, ButtonEdit{ChatID: chatID, MessageID: messageID, Buttons: buttons})
	a.mu.Unlock()
	return nil
}

func (a *Adapter) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.DeleteErr != nil {
		return a.DeleteErr
	}
	a.deleted = append(a.deleted, Deleted{ChatID: chatID, MessageID: messageID})
	return nil
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID, text string) error {
	a.mu.Lock()
	a.answers = append(a.answers, Answer{CallbackID: callbackID, Text: text})
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Sent() []SentText {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]SentText(nil), a.sent...)
}

func (a *Adapter) Edits() []Edit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Edit(nil), a.edits...)
}

func (a *Adapter) ButtonEdits() []ButtonEdit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ButtonEdit(nil), a.buttons...)
}

func (a *Adapter) DeletedMessages() []Deleted {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Deleted(nil), a.deleted...)
}

func (a *Adapter) Answers() []Answer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Answer(nil), a.answers...)
}
