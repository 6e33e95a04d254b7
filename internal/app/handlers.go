package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"chatrelay/internal/eventbus"
	"chatrelay/internal/pubsub"
	"chatrelay/internal/storage"
	"chatrelay/internal/transport"
	logx "chatrelay/pkg/logx"
)

// onUpdate runs on the IRC read loop. Anything touching storage or the
// network goes through the job queue.
func (a *App) onUpdate(u transport.Update) {
	switch u.Kind {
	case transport.UpdateRoomState:
		rs := u.RoomState
		if rs == nil || rs.ChannelID == "" {
			return
		}
		a.chat.OnRoomState(rs.ChannelID, rs.SlowSeconds)
		a.noteLogin(rs.ChannelID, rs.ChannelLogin)
	case transport.UpdateMessage:
		m := u.Message
		if m == nil || m.ChannelID == "" || !strings.EqualFold(m.UserLogin, a.botLogin) {
			return
		}
		// Our own account talking from another client still spends the budget.
		if m.Nonce != a.chat.Nonce() {
			a.chat.RecordSend(m.ChannelID)
		}
		a.notePrivileged(m.ChannelID, m.Privileged)
	case transport.UpdateNotice:
		if n := u.Notice; n != nil {
			a.log.Debug("irc notice",
				logx.String("channel", n.ChannelLogin),
				logx.String("msg_id", n.MsgID),
				logx.String("text", n.Text),
			)
		}
	}
}

func (a *App) noteLogin(id, login string) {
	if login == "" {
		return
	}
	a.mu.Lock()
	prev, seen := a.logins[id]
	a.logins[id] = login
	a.mu.Unlock()
	if (seen && prev == login) || a.store == nil {
		return
	}
	a.enqueue(func(ctx context.Context) error { return a.syncChannel(ctx, id, login) })
}

// syncChannel loads the stored badge state for a channel and records a
// login change reported by the room.
func (a *App) syncChannel(ctx context.Context, id, login string) error {
	ch, err := a.store.GetChannel(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sync channel %s: %w", id, err)
	}
	a.mu.Lock()
	if _, ok := a.privileged[id]; !ok {
		a.privileged[id] = ch.Privileged
	}
	a.mu.Unlock()

	if ch.Login == login {
		return nil
	}
	if err := a.store.UpdateChannel(ctx, id, storage.FieldLogin, login); err != nil {
		return fmt.Errorf("rename channel %s: %w", id, err)
	}
	a.log.Info("channel renamed", logx.String("id", id), logx.String("from", ch.Login), logx.String("to", login))
	eventbus.Publish(a.bus, eventbus.ChannelRenamed, eventbus.ChannelEvent{ID: id, Login: login, From: ch.Login})
	return nil
}

func (a *App) notePrivileged(id string, privileged bool) {
	a.mu.Lock()
	prev, known := a.privileged[id]
	a.privileged[id] = privileged
	a.mu.Unlock()
	if (known && prev == privileged) || a.store == nil {
		return
	}
	a.enqueue(func(ctx context.Context) error {
		err := a.store.UpdateChannel(ctx, id, storage.FieldPrivileged, privileged)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	})
}

func (a *App) isPrivileged(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.privileged[id]
}

func (a *App) channelID(login string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, l := range a.logins {
		if l == login {
			return id
		}
	}
	return ""
}

// onChannel is called by the channel manager for every live channel.
func (a *App) onChannel(_ context.Context, id string) {
	if a.pubsub != nil {
		a.pubsub.SubscribeChannel(id)
	}
}

// onPart is called by the channel manager for every channel it stops serving.
func (a *App) onPart(_ context.Context, id string) {
	if a.pubsub != nil {
		a.pubsub.UnsubscribeChannel(id)
	}
}

// refreshChatSettings seeds slow mode from the GQL API after a join.
func (a *App) refreshChatSettings(ctx context.Context, login string) error {
	if a.gql == nil {
		return nil
	}
	id := a.channelID(login)
	if id == "" && a.store != nil {
		if ch, err := a.store.GetChannelByLogin(ctx, login); err == nil {
			id = ch.ID
		}
	}
	if id == "" {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, settingsFetch)
	defer cancel()
	cs, err := a.gql.ChatSettings(cctx, login)
	if err != nil {
		return fmt.Errorf("chat settings %s: %w", login, err)
	}
	a.chat.OnRoomState(id, cs.SlowModeSeconds)
	return nil
}

func (a *App) pubsubHandlers() *pubsub.Handlers {
	return &pubsub.Handlers{
		Presence:         a.onPresence,
		RaidUpdate:       a.onRaid,
		ModerationAction: a.onModeration,
		Prediction:       a.onPrediction,
	}
}

func (a *App) onPresence(ctx context.Context, n pubsub.Notification) {
	if !a.autoJoin.Load() {
		return
	}
	var p pubsub.Presence
	if err := n.Decode(&p); err != nil {
		a.log.Debug("presence decode failed", logx.String("topic", n.Topic), logx.Err(err))
		return
	}
	act := p.Data.Activity
	if act == nil || act.Type != "watching" || act.ChannelID == "" || act.ChannelLogin == "" {
		return
	}
	if err := a.joinWatched(ctx, act.ChannelID, act.ChannelLogin, act.ChannelDisplayName); err != nil {
		a.log.Warn("auto join failed", logx.String("channel", act.ChannelLogin), logx.Err(err))
	}
}

// joinWatched persists and joins a channel the bot account started watching.
// Channels that are already stored are left to the periodic load.
func (a *App) joinWatched(ctx context.Context, id, login, display string) error {
	login = strings.ToLower(login)
	if a.store != nil {
		_, err := a.store.GetChannel(ctx, id)
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}
		ch := storage.Channel{ID: id, Login: login, DisplayName: display, JoinedAt: time.Now()}
		if err := a.store.InsertChannel(ctx, ch); err != nil && !errors.Is(err, storage.ErrExists) {
			return err
		}
	} else if slices.Contains(a.channels.Desired(), login) {
		return nil
	}
	a.log.Info("joining watched channel", logx.String("channel", login), logx.String("id", id))
	a.onChannel(ctx, id)
	a.channels.Join(login)
	return nil
}

func (a *App) onRaid(ctx context.Context, n pubsub.Notification) {
	var r pubsub.RaidUpdate
	if err := n.Decode(&r); err != nil || r.Raid.ID == "" {
		return
	}
	if !a.cool.Acquire(ctx, "raid:"+r.Raid.ID, raidCooldown) {
		return
	}
	eventbus.Publish(a.bus, eventbus.PubSubRaid, eventbus.PubSubEvent{
		ConnID:   n.ConnID,
		Topic:    n.Topic,
		EntityID: n.EntityID,
		Reason:   r.Type,
		Payload: map[string]any{
			"raid_id":      r.Raid.ID,
			"target_id":    r.Raid.TargetID,
			"target_login": r.Raid.TargetLogin,
			"viewer_count": r.Raid.ViewerCount,
		},
		At: n.ReceivedAt,
	})
}

func (a *App) onModeration(ctx context.Context, n pubsub.Notification) {
	var m pubsub.ModerationAction
	if err := n.Decode(&m); err != nil || m.Data.Action == "" {
		return
	}
	key := "mod:" + m.Data.ChannelID + ":" + m.Data.TargetID + ":" + m.Data.Action
	if !a.cool.Acquire(ctx, key, modCooldown) {
		return
	}
	eventbus.Publish(a.bus, eventbus.PubSubModeration, eventbus.PubSubEvent{
		ConnID:   n.ConnID,
		Topic:    n.Topic,
		EntityID: n.EntityID,
		Reason:   m.Data.Action,
		Payload: map[string]any{
			"channel_id": m.Data.ChannelID,
			"target_id":  m.Data.TargetID,
			"reason":     m.Data.Reason,
		},
		At: n.ReceivedAt,
	})
}

func (a *App) onPrediction(_ context.Context, n pubsub.Notification) {
	var p pubsub.PredictionEvent
	if err := n.Decode(&p); err != nil {
		return
	}
	payload := map[string]any{"kind": string(n.Kind)}
	if ev := p.Data.Event; ev != nil {
		payload["event_id"] = ev.ID
		payload["channel_id"] = ev.ChannelID
		payload["title"] = ev.Title
		payload["status"] = ev.Status
	}
	if pr := p.Data.Prediction; pr != nil {
		payload["event_id"] = pr.EventID
		payload["points"] = pr.Points
		payload["result"] = pr.Result.Type
	}
	eventbus.Publish(a.bus, eventbus.PubSubPrediction, eventbus.PubSubEvent{
		ConnID:   n.ConnID,
		Topic:    n.Topic,
		EntityID: n.EntityID,
		Reason:   p.Type,
		Payload:  payload,
		At:       n.ReceivedAt,
	})
}
