package monitor

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"reachbot/internal/platform"
	"reachbot/internal/storage"
	"reachbot/internal/transport"
	logx "reachbot/pkg/logx"
)

// handleEvent classifies one inbound update. Own outgoing traffic is ignored;
// a private message always counts, a group message counts when it replies to
// one of ours or mentions a watched keyword.
func (s *Service) handleEvent(ctx context.Context, client platform.Client, acct *storage.Account, ev platform.Event, log logx.Logger) {
	if ev.Outgoing || ev.SenderID == 0 {
		return
	}
	if ev.Private {
		s.handleDM(ctx, acct, ev, log)
		return
	}
	if !ev.Group {
		return
	}
	if ev.ReplyToID != 0 && s.handleReply(ctx, client, acct, ev, log) {
		return
	}
	s.handleKeyword(ctx, acct, ev, log)
}

func (s *Service) handleDM(ctx context.Context, acct *storage.Account, ev platform.Event, log logx.Logger) {
	cfg := s.config()
	created, err := s.store.CreateLead(ctx, storage.Lead{
		UserID:        strconv.FormatInt(ev.SenderID, 10),
		Username:      ev.SenderUsername,
		Kind:          storage.LeadDM,
		Content:       preview(ev.Text, cfg.PreviewLimit),
		AccountNumber: acct.Number,
	})
	if err != nil {
		log.Error("recording dm lead failed", logx.Err(err))
		return
	}
	if !created {
		return
	}
	log.Info("new dm lead", logx.Int64("sender", ev.SenderID))
	s.notifyAllOperators(ctx, fmt.Sprintf(
		"📩 New DM to %s from %s:\n\n%s",
		acct.Label(), senderLabel(ev), preview(ev.Text, cfg.PreviewLimit)))
}

// handleReply reports true when the event was consumed as a reply lead.
// Replies to other people's messages fall through to the keyword check.
func (s *Service) handleReply(ctx context.Context, client platform.Client, acct *storage.Account, ev platform.Event, log logx.Logger) bool {
	target, err := client.MessageByID(ctx, ev.ChatID, ev.ReplyToID)
	if err != nil || target == nil || !target.Own {
		return false
	}
	cfg := s.config()
	// The record dedupes by sender, but operators hear about every reply to
	// our posts: follow-ups from a known prospect still matter.
	if _, err := s.store.CreateLead(ctx, storage.Lead{
		UserID:        strconv.FormatInt(ev.SenderID, 10),
		Username:      ev.SenderUsername,
		Kind:          storage.LeadReply,
		Content:       preview(ev.Text, cfg.PreviewLimit),
		AccountNumber: acct.Number,
		GroupID:       strconv.FormatInt(ev.ChatID, 10),
	}); err != nil {
		log.Error("recording reply lead failed", logx.Err(err))
	}
	log.Info("reply to own message", logx.Int64("sender", ev.SenderID), logx.Int64("chat", ev.ChatID))
	text := fmt.Sprintf("💬 %s replied to %s in %s:\n\n%s",
		senderLabel(ev), acct.Label(), chatLabel(ev), preview(ev.Text, cfg.PreviewLimit))
	if link := messageLink(ev); link != "" {
		text += "\n\n" + link
	}
	s.notifyAllOperators(ctx, text)
	return true
}

func (s *Service) handleKeyword(ctx context.Context, acct *storage.Account, ev platform.Event, log logx.Logger) {
	cfg := s.config()
	settings, err := s.store.Settings(ctx)
	if err != nil {
		log.Error("loading settings failed", logx.Err(err))
		return
	}
	// No forward destination means keyword watching is off.
	if settings.ForwardChatID == 0 {
		return
	}
	if strings.TrimSpace(ev.Text) == "" {
		return
	}
	keyword := matchKeyword(ev.Text, cfg.Keywords)
	if keyword == "" {
		return
	}
	senderID := strconv.FormatInt(ev.SenderID, 10)
	if exists, err := s.store.LeadExists(ctx, senderID); err != nil || exists {
		if err != nil {
			log.Error("lead lookup failed", logx.Err(err))
		}
		return
	}
	link := messageLink(ev)
	if link == "" {
		return
	}
	p := preview(ev.Text, cfg.PreviewLimit)
	if _, err := s.store.CreateLead(ctx, storage.Lead{
		UserID:        senderID,
		Username:      ev.SenderUsername,
		Kind:          storage.LeadKeyword,
		Content:       p,
		AccountNumber: acct.Number,
		GroupID:       strconv.FormatInt(ev.ChatID, 10),
	}); err != nil {
		log.Error("recording keyword lead failed", logx.Err(err))
		return
	}

	text := fmt.Sprintf("🔎 Keyword %q by %s in %s:\n\n%s\n\n%s",
		keyword, senderLabel(ev), chatLabel(ev), p, link)
	// The control is sent with a placeholder first and rebound to the
	// persisted record id once it exists. A press on the placeholder just
	// reads "expired".
	msg, err := s.notify.Forward(ctx, transport.ChatTarget{ChatID: settings.ForwardChatID},
		text, "✅ Completed", "lead_done:0")
	if err != nil {
		log.Error("keyword forward failed", logx.Err(err))
		return
	}
	f := &storage.Forward{
		ChatID:          msg.ChatID,
		MessageID:       msg.MessageID,
		SourceChatID:    strconv.FormatInt(ev.ChatID, 10),
		SourceMessageID: ev.MessageID,
		Link:            link,
		SenderID:        senderID,
		Preview:         p,
	}
	if err := s.store.CreateForward(ctx, f); err != nil {
		log.Error("recording forward failed", logx.Err(err))
		return
	}
	s.notify.Rebind(ctx, msg, "✅ Completed", fmt.Sprintf("lead_done:%d", f.ID))
	log.Info("keyword lead forwarded", logx.String("keyword", keyword), logx.Int64("forward", f.ID))
}

// matchKeyword returns the first watched keyword contained in the text.
// Substring matching is deliberate: "webdev", "building" and "websites" all
// count, at the cost of the occasional false positive an operator dismisses
// with the control.
func matchKeyword(text string, keywords []string) string {
	lower := strings.ToLower(text)
	for _, k := range keywords {
		if k != "" && strings.Contains(lower, strings.ToLower(k)) {
			return k
		}
	}
	return ""
}

// messageLink builds the public deep link for a group message. Chats with no
// public username use the /c/ form; identifiers that fit neither form yield
// an empty link and the event is not forwardable.
func messageLink(ev platform.Event) string {
	if ev.ChatUsername != "" {
		return fmt.Sprintf("https://t.me/%s/%d", ev.ChatUsername, ev.MessageID)
	}
	id := strconv.FormatInt(ev.ChatID, 10)
	if rest, ok := strings.CutPrefix(id, "-100"); ok {
		return fmt.Sprintf("https://t.me/c/%s/%d", rest, ev.MessageID)
	}
	if rest, ok := strings.CutPrefix(id, "-"); ok {
		return fmt.Sprintf("https://t.me/c/%s/%d", rest, ev.MessageID)
	}
	return ""
}

func senderLabel(ev platform.Event) string {
	if ev.SenderUsername != "" {
		return "@" + ev.SenderUsername
	}
	return strconv.FormatInt(ev.SenderID, 10)
}

func chatLabel(ev platform.Event) string {
	if ev.ChatTitle != "" {
		return ev.ChatTitle
	}
	if ev.ChatUsername != "" {
		return "@" + ev.ChatUsername
	}
	return strconv.FormatInt(ev.ChatID, 10)
}

// preview collapses whitespace runs and truncates to limit runes.
func preview(text string, limit int) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	runes := []rune(collapsed)
	if limit <= 3 || len(runes) <= limit {
		return collapsed
	}
	return string(runes[:limit-3]) + "..."
}
