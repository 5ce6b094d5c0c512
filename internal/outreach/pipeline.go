package outreach

import (
	"context"
	"fmt"

	"reachbot/internal/platform"
	"reachbot/internal/quota"
	"reachbot/internal/storage"
	logx "reachbot/pkg/logx"
)

// processAccount dials one sender session and works through its group list.
// Failures never propagate to the cycle: the worst outcome for the caller is
// that this account produced nothing this round.
func (s *Service) processAccount(ctx context.Context, acct *storage.Account, cfg Config) {
	log := s.log.With(logx.String("account", acct.Label()))

	if len(cfg.Templates) == 0 {
		log.Warn("no message templates configured, skipping account")
		return
	}

	client, err := s.dialer.Dial(ctx, acct.Session)
	if err != nil {
		log.Error("dial failed", logx.Err(err))
		return
	}
	if err := client.Connect(ctx); err != nil {
		if platform.Classify(err) == platform.ClassCritical {
			s.removeAccount(ctx, acct, err, log)
		} else {
			log.Error("connect failed", logx.Err(err))
		}
		return
	}
	defer func() {
		if err := client.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn("close failed", logx.Err(err))
		}
	}()

	if me, err := client.Me(ctx); err == nil && me.Username != "" && me.Username != acct.Username {
		log.Debug("session username differs from stored one",
			logx.String("session_username", me.Username))
	}

	cache := newEntityCache()
	if dialogs, err := client.Dialogs(ctx, cfg.DialogLimit); err != nil {
		log.Warn("dialog listing failed, resolving per group", logx.Err(err))
	} else {
		cache.fill(dialogs)
	}

	for gi := range acct.Groups {
		if ctx.Err() != nil {
			return
		}
		g := &acct.Groups[gi]
		now := s.now()
		if quota.Exhausted(g, now) {
			continue
		}
		if !quota.Ready(g, now) {
			continue
		}
		catchUp := quota.Missed(g, now) > 1
		if !s.deliver(ctx, client, cache, acct, g, catchUp, cfg, log) {
			return
		}
	}
}

// deliver sends one message to one group. The return value reports whether
// the rest of the account's groups should still be attempted; it flips to
// false only when the session itself is dead.
func (s *Service) deliver(ctx context.Context, client platform.Client, cache *entityCache,
	acct *storage.Account, g *storage.Group, catchUp bool, cfg Config, log logx.Logger) bool {

	glog := log.With(logx.String("group", g.ID))

	ent, err := s.resolveGroup(ctx, client, cache, g)
	if err != nil {
		// Group-scoped: the tracker stays untouched so the slot is retried.
		glog.Warn("group unresolvable", logx.Err(err))
		return true
	}

	text, tplID := pickTemplate(cfg.Templates, acct.TemplateCursor)

	// Skip the turn when our own message already sits in the recent window.
	// The slot is still consumed: an externally visible message occupies it
	// no matter who queued it. Check failures do not block the send.
	if active, err := hasOwnActivity(ctx, client, ent, cfg.ActivityWindow); err != nil {
		glog.Debug("activity check failed, sending anyway", logx.Err(err))
	} else if active {
		glog.Info("recent own message present, skipping send")
		s.advance(ctx, acct, g, tplID, glog)
		sleepCtx(ctx, randDelay(cfg.MinDelay, cfg.MaxDelay))
		return true
	}

	if err := client.SendText(ctx, ent, text); err != nil {
		switch platform.Classify(err) {
		case platform.ClassGroup:
			glog.Warn("group rejected message", logx.Err(err))
			return true
		case platform.ClassFlood:
			glog.Warn("flood control hit", logx.Err(err),
				logx.Duration("pause", cfg.FloodPause))
			sleepCtx(ctx, cfg.FloodPause)
			return true
		case platform.ClassCritical:
			s.removeAccount(ctx, acct, err, log)
			return false
		default:
			// Unknown failure: advance anyway so one flaky group cannot
			// wedge the whole account on a single slot.
			glog.Warn("send failed", logx.Err(err))
			s.advance(ctx, acct, g, tplID, glog)
			sleepCtx(ctx, randDelay(cfg.MinDelay, cfg.MaxDelay))
			return true
		}
	}

	glog.Info("message sent", logx.Int("template", tplID), logx.Bool("catch_up", catchUp))
	s.advance(ctx, acct, g, tplID, glog)

	min, max := cfg.MinDelay, cfg.MaxDelay
	if catchUp {
		min, max = cfg.CatchUpMinDelay, cfg.CatchUpMaxDelay
	}
	sleepCtx(ctx, randDelay(min, max))
	return true
}

// advance records a consumed slot: today's tracker is bumped atomically and
// the template cursor is persisted.
func (s *Service) advance(ctx context.Context, acct *storage.Account, g *storage.Group, tplID int, log logx.Logger) {
	now := s.now()
	if err := s.store.IncrementTracker(ctx, acct.Number, g.ID, storage.DateKey(now), now); err != nil {
		log.Error("tracker update failed", logx.Err(err))
	}
	if tr := g.Tracker(storage.DateKey(now)); tr != nil {
		tr.MessageCount++
		tr.LastSentAt = now
	} else {
		g.Trackers = append(g.Trackers, storage.DailyTracker{
			Date:         storage.DateKey(now),
			MessageCount: 1,
			LastSentAt:   now,
		})
	}
	if tplID != acct.TemplateCursor {
		acct.TemplateCursor = tplID
		if err := s.store.SetTemplateCursor(ctx, acct.Number, tplID); err != nil {
			log.Error("template cursor update failed", logx.Err(err))
		}
	}
}

// removeAccount handles a fatal session error: operators are told first,
// then the account and everything it owns is deleted.
func (s *Service) removeAccount(ctx context.Context, acct *storage.Account, cause error, log logx.Logger) {
	log.Error("fatal session error, removing account", logx.Err(cause))
	s.notifyAllOperators(ctx, fmt.Sprintf(
		"🚫 Account %s hit a fatal session error and was removed:\n%v", acct.Label(), cause))
	if err := s.store.DeleteAccount(ctx, acct.Number); err != nil {
		log.Error("account removal failed", logx.Err(err))
	}
}

func hasOwnActivity(ctx context.Context, client platform.Client, ent platform.Entity, window int) (bool, error) {
	msgs, err := client.RecentMessages(ctx, ent, window)
	if err != nil {
		return false, err
	}
	for _, m := range msgs {
		if m.Own {
			return true, nil
		}
	}
	return false, nil
}
