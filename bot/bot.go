// Package bot wires the inbound event stream to the rest of the
// program: dedupe and history live at the gateway edge, group chatter
// funnels through the aggregator, replies go out through the throttler.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/kisaragi/loopbot/agent"
	"github.com/kisaragi/loopbot/aggregator"
	"github.com/kisaragi/loopbot/db"
	"github.com/kisaragi/loopbot/gateway"
	"github.com/kisaragi/loopbot/sched"
	"github.com/kisaragi/loopbot/throttle"
)

// Sender delivers outbound messages. The gateway client satisfies it.
type Sender interface {
	SendPrivate(userID, text string) error
	SendGroup(groupID, text string) error
}

var mentionRe = regexp.MustCompile(`\[CQ:at,qq=(\d+)\]`)

type Bot struct {
	db       *db.DB
	agg      *aggregator.Aggregator
	throttle *throttle.Throttler
	pipeline *agent.Pipeline
	watchdog *sched.Watchdog
	sender   Sender
	selfID   string
}

func New(database *db.DB, pipeline *agent.Pipeline, watchdog *sched.Watchdog, sender Sender,
	aggCfg aggregator.Config, cooldown time.Duration) *Bot {
	b := &Bot{
		db:       database,
		pipeline: pipeline,
		watchdog: watchdog,
		sender:   sender,
	}
	b.agg = aggregator.New(aggCfg, b.onFlush)
	b.throttle = throttle.New(cooldown, pipeline, b.sendGroupAndRecord)
	return b
}

// sendGroupAndRecord is the throttler's transport. History is written
// here, after a successful transmit, so buffered replies are recorded
// once as part of the merged message they end up in, not when queued.
func (b *Bot) sendGroupAndRecord(sessionKey, content string) error {
	groupID := strings.TrimPrefix(sessionKey, "group:")
	if err := b.sender.SendGroup(groupID, content); err != nil {
		return err
	}
	b.recordAssistant("", groupID, content)
	return nil
}

// SetSelfID tells the bot which account it runs as, for mention
// detection. Safe to call after the first gateway event arrives.
func (b *Bot) SetSelfID(id string) { b.selfID = id }

// HandleHeartbeat feeds gateway liveness pulses to the watchdog.
func (b *Bot) HandleHeartbeat() {
	b.watchdog.UpdateHeartbeat()
}

// HandleMessage is the entry point for every inbound chat message.
func (b *Bot) HandleMessage(evt gateway.MessageEvent) {
	if b.selfID == "" && evt.SelfID != "" {
		b.selfID = evt.SelfID
	}

	var group *string
	if evt.GroupID != "" {
		group = &evt.GroupID
	}
	if err := b.db.InsertHistory(evt.UserID, evt.Nickname, group, evt.MessageType, "user", evt.Text); err != nil {
		slog.Warn("bot: history insert failed", "err", err)
	}

	mentioned := b.isMentioned(evt.Text)

	// Ambient group chatter is batched; everything else is answered
	// right away.
	if evt.GroupID != "" && !mentioned {
		b.agg.Offer("group:"+evt.GroupID, aggregator.Event{
			UserID:   evt.UserID,
			Nickname: evt.Nickname,
			Content:  evt.Text,
			Received: evt.Received,
		})
		return
	}

	b.respond(agent.Request{
		UserID:    evt.UserID,
		Nickname:  evt.Nickname,
		GroupID:   evt.GroupID,
		Mentioned: mentioned,
		Text:      evt.Text,
	})
}

func (b *Bot) isMentioned(text string) bool {
	if b.selfID == "" {
		return false
	}
	for _, m := range mentionRe.FindAllStringSubmatch(text, -1) {
		if m[1] == b.selfID {
			return true
		}
	}
	return false
}

// onFlush turns one aggregated batch into a single decision request.
func (b *Bot) onFlush(sessionKey string, events []aggregator.Event) {
	if len(events) == 0 {
		return
	}
	groupID := strings.TrimPrefix(sessionKey, "group:")

	var lines []string
	for _, ev := range events {
		lines = append(lines, fmt.Sprintf("%s(%s): %s", ev.Nickname, ev.UserID, ev.Content))
	}
	last := events[len(events)-1]

	slog.Info("bot: aggregated batch", "session", sessionKey, "messages", len(events))
	b.respond(agent.Request{
		UserID:   last.UserID,
		Nickname: last.Nickname,
		GroupID:  groupID,
		Text:     strings.Join(lines, "\n"),
	})
}

func (b *Bot) respond(req agent.Request) {
	decision := b.pipeline.Decide(context.Background(), req)
	if !decision.Respond || decision.Reply == "" {
		return
	}
	b.deliver(req.UserID, req.GroupID, decision.Reply)
}

func (b *Bot) deliver(userID, groupID, reply string) {
	if groupID != "" {
		if _, err := b.throttle.Send("group:"+groupID, reply); err != nil {
			slog.Error("bot: group send failed", "group_id", groupID, "err", err)
		}
		return
	}

	if err := b.sender.SendPrivate(userID, reply); err != nil {
		slog.Error("bot: private send failed", "user_id", userID, "err", err)
		return
	}
	b.recordAssistant(userID, "", reply)
}

// recordAssistant writes one transmitted reply to the history log. For
// group rows the author column carries the bot's own id.
func (b *Bot) recordAssistant(userID, groupID, reply string) {
	var group *string
	messageType := "private"
	if groupID != "" {
		group = &groupID
		messageType = "group"
		if userID = b.selfID; userID == "" {
			userID = "assistant"
		}
	}
	if err := b.db.InsertHistory(userID, "assistant", group, messageType, "assistant", reply); err != nil {
		slog.Warn("bot: assistant history insert failed", "err", err)
	}
}

// FireJob delivers a due deferred job to its owner.
func (b *Bot) FireJob(j db.Job) {
	switch j.Kind {
	case db.JobKindMessage:
		if j.Payload == "" {
			slog.Info("bot: reminder fired without a message", "job_id", j.ID)
			return
		}
		if err := b.sender.SendPrivate(j.UserID, "Reminder: "+j.Payload); err != nil {
			slog.Error("bot: reminder send failed", "job_id", j.ID, "err", err)
		}
	case db.JobKindReview:
		content, found, err := b.db.NamedMemoContent(j.UserID, j.Payload)
		if err != nil || !found {
			slog.Warn("bot: review memo missing", "job_id", j.ID, "title", j.Payload, "err", err)
			return
		}
		msg := fmt.Sprintf("Time to review memo %q:\n%s", j.Payload, content)
		if err := b.sender.SendPrivate(j.UserID, msg); err != nil {
			slog.Error("bot: review send failed", "job_id", j.ID, "err", err)
		}
	default:
		slog.Warn("bot: unknown job kind", "job_id", j.ID, "kind", j.Kind)
	}
}

// Stop flushes nothing and releases the aggregator's timers.
func (b *Bot) Stop() {
	b.agg.Stop()
}
