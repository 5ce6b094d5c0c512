// Package notify is the operator notification sink.
//
// Everything here is best-effort: failures are logged and swallowed so a
// broken bot chat can never stall the dispatch loop or the monitor.
package notify

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"reachbot/internal/transport"
	logx "reachbot/pkg/logx"
)

type Service struct {
	adapter transport.Adapter
	log     logx.Logger

	mu      sync.Mutex
	limiter *rate.Limiter
}

func New(adapter transport.Adapter, ratePerSec int, log logx.Logger) *Service {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	return &Service{
		adapter: adapter,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
	}
}

// SetRate swaps the notification rate limit at runtime.
func (s *Service) SetRate(ratePerSec int) {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	s.mu.Lock()
	s.limiter = rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)
	s.mu.Unlock()
}

func (s *Service) wait(ctx context.Context) error {
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()
	return lim.Wait(ctx)
}

// Operators sends text to every given operator user. Fire-and-forget:
// per-recipient failures are logged, never returned.
func (s *Service) Operators(ctx context.Context, userIDs []int64, text string) {
	for _, id := range userIDs {
		if id == 0 {
			continue
		}
		if err := s.wait(ctx); err != nil {
			return
		}
		_, err := s.adapter.SendText(ctx, transport.ChatTarget{ChatID: id}, text,
			&transport.SendOptions{DisablePreview: true})
		if err != nil {
			s.log.Warn("operator notification failed", logx.Int64("user_id", id), logx.Err(err))
		}
	}
}

// Forward delivers a keyword match to the configured destination with a
// single actionable control. Unlike Operators this reports its error: the
// caller must not record a forward that was never delivered.
func (s *Service) Forward(ctx context.Context, to transport.ChatTarget, text, buttonText, buttonData string) (transport.SentMessage, error) {
	if err := s.wait(ctx); err != nil {
		return transport.SentMessage{}, err
	}
	return s.adapter.SendText(ctx, to, text, &transport.SendOptions{
		DisablePreview: true,
		Buttons:        []transport.Button{{Text: buttonText, Data: buttonData}},
	})
}

// Rebind swaps the control data on an already-forwarded message (used once
// the persisted record id is known).
func (s *Service) Rebind(ctx context.Context, msg transport.SentMessage, buttonText, buttonData string) {
	err := s.adapter.EditButtons(ctx, msg.ChatID, msg.MessageID, []transport.Button{{Text: buttonText, Data: buttonData}})
	if err != nil {
		s.log.Warn("forward control rebind failed", logx.Int64("chat_id", msg.ChatID), logx.Int("message_id", msg.MessageID), logx.Err(err))
	}
}

// Resolve removes a completed forward: delete the message, or strip the
// control and mark it done when deletion is not permitted.
func (s *Service) Resolve(ctx context.Context, chatID int64, messageID int, preview string) {
	if err := s.adapter.DeleteMessage(ctx, chatID, messageID); err == nil {
		return
	}
	err := s.adapter.EditText(ctx, chatID, messageID, "✅ Completed\n\n"+preview,
		&transport.SendOptions{DisablePreview: true})
	if err != nil {
		s.log.Warn("forward resolve failed", logx.Int64("chat_id", chatID), logx.Int("message_id", messageID), logx.Err(err))
	}
}
