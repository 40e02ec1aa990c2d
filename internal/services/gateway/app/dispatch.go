package server

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	apperrors "github.com/pennyrealm/pennyrealm/internal/errors"
	chatdomain "github.com/pennyrealm/pennyrealm/internal/services/chat/domain"
	dmdomain "github.com/pennyrealm/pennyrealm/internal/services/dm/domain"
	forumdomain "github.com/pennyrealm/pennyrealm/internal/services/forum/domain"
	maildomain "github.com/pennyrealm/pennyrealm/internal/services/mail/domain"
	monitordomain "github.com/pennyrealm/pennyrealm/internal/services/monitor/domain"
	tradedomain "github.com/pennyrealm/pennyrealm/internal/services/trade/domain"
)

type chatMessageEnvelope struct {
	Message chatdomain.Message `json:"message"`
}

type chatHistoryEnvelope struct {
	Messages []chatdomain.Message `json:"messages"`
}

type dmMessageEnvelope struct {
	Message dmdomain.Message `json:"message"`
}

type dmConversationEnvelope struct {
	Messages []dmdomain.Message `json:"messages"`
}

type dmUnreadEnvelope struct {
	Total int `json:"total"`
}

type mailEnvelope struct {
	Mail maildomain.Mail `json:"mail"`
}

type mailboxEnvelope struct {
	Mailbox maildomain.Mailbox `json:"mailbox"`
}

type forumTopicEnvelope struct {
	Topic forumdomain.Topic `json:"topic"`
}

type forumTopicsEnvelope struct {
	Topics []forumdomain.Topic `json:"topics"`
}

type forumReplyEnvelope struct {
	Reply forumdomain.Reply `json:"reply"`
}

type forumRepliesEnvelope struct {
	Replies []forumdomain.Reply `json:"replies"`
}

type tradeEnvelope struct {
	Trade tradedomain.Trade `json:"trade"`
}

type tradeHistoryEnvelope struct {
	Trades []tradedomain.Trade `json:"trades"`
}

type monitorEnvelope struct {
	Stats  monitordomain.Stats  `json:"stats"`
	Health monitordomain.Health `json:"health"`
}

type okEnvelope struct {
	Status string `json:"status"`
}

type chatSendPayload struct {
	Channel string `json:"channel"`
	Body    string `json:"body"`
}

type chatHistoryPayload struct {
	Channel  string `json:"channel"`
	BeforeID string `json:"before_id,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

type dmSendPayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type dmConversationPayload struct {
	With     string `json:"with"`
	BeforeID string `json:"before_id,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

type dmTargetPayload struct {
	Target string `json:"target"`
}

type dmMarkReadPayload struct {
	With string `json:"with"`
}

type mailSendPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type mailIDPayload struct {
	MailID string `json:"mail_id"`
}

type forumCreateTopicPayload struct {
	Category string `json:"category"`
	Title    string `json:"title"`
	Body     string `json:"body"`
}

type forumReplyPayload struct {
	TopicID string `json:"topic_id"`
	Body    string `json:"body"`
}

type forumTopicPayload struct {
	TopicID string `json:"topic_id"`
}

type forumListPayload struct {
	Category string `json:"category,omitempty"`
	Page     int    `json:"page,omitempty"`
}

type forumRepliesPayload struct {
	TopicID string `json:"topic_id"`
	Page    int    `json:"page,omitempty"`
}

type forumFlagPayload struct {
	TopicID string `json:"topic_id"`
	Flag    bool   `json:"flag"`
}

type forumDeletePayload struct {
	TopicID string `json:"topic_id"`
	ReplyID string `json:"reply_id,omitempty"`
}

type tradeProposePayload struct {
	To    string            `json:"to"`
	Offer tradedomain.Offer `json:"offer"`
}

type tradeUpdatePayload struct {
	TradeID string            `json:"trade_id"`
	Offer   tradedomain.Offer `json:"offer"`
}

type tradeIDPayload struct {
	TradeID string `json:"trade_id"`
}

type tradeHistoryPayload struct {
	Limit int `json:"limit,omitempty"`
}

type adminTargetPayload struct {
	Target     string `json:"target"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Permanent  bool   `json:"permanent,omitempty"`
}

type adminSlowModePayload struct {
	Channel    string `json:"channel"`
	IntervalMs int64  `json:"interval_ms"`
}

type adminBroadcastPayload struct {
	Channel string `json:"channel"`
	Body    string `json:"body"`
}

func (s *Server) dispatch(ctx context.Context, principal Principal, peer *wsPeer, frame wsFrame) {
	switch frame.Type {
	case "chat.send":
		s.handleChatSend(principal, peer, frame)
	case "chat.history":
		s.handleChatHistory(peer, frame)
	case "dm.send":
		s.handleDMSend(principal, peer, frame)
	case "dm.conversation":
		s.handleDMConversation(principal, peer, frame)
	case "dm.markRead":
		s.handleDMMarkRead(principal, peer, frame)
	case "dm.unread":
		s.respond(peer, frame, dmUnreadEnvelope{Total: s.services.DM.UnreadTotal(principal.UserID)})
	case "dm.block":
		s.handleDMBlock(principal, peer, frame, true)
	case "dm.unblock":
		s.handleDMBlock(principal, peer, frame, false)
	case "mail.send":
		s.handleMailSend(principal, peer, frame)
	case "mail.fetch":
		s.respond(peer, frame, mailboxEnvelope{Mailbox: s.services.Mail.MailboxOf(principal.UserID)})
	case "mail.read":
		s.handleMailOp(principal, peer, frame, s.services.Mail.MarkRead)
	case "mail.archive":
		s.handleMailOp(principal, peer, frame, s.services.Mail.Archive)
	case "mail.delete":
		s.handleMailOp(principal, peer, frame, s.services.Mail.Delete)
	case "forum.createTopic":
		s.handleForumCreateTopic(principal, peer, frame)
	case "forum.reply":
		s.handleForumReply(principal, peer, frame)
	case "forum.get":
		s.handleForumGet(principal, peer, frame)
	case "forum.list":
		s.handleForumList(peer, frame)
	case "forum.replies":
		s.handleForumReplies(peer, frame)
	case "forum.lock":
		s.handleForumFlag(principal, peer, frame, s.services.Forum.SetLocked)
	case "forum.pin":
		s.handleForumFlag(principal, peer, frame, s.services.Forum.SetPinned)
	case "forum.delete":
		s.handleForumDelete(principal, peer, frame)
	case "trade.propose":
		s.handleTradePropose(ctx, principal, peer, frame)
	case "trade.update":
		s.handleTradeUpdate(ctx, principal, peer, frame)
	case "trade.confirm":
		s.handleTradeConfirm(ctx, principal, peer, frame)
	case "trade.cancel":
		s.handleTradeCancel(principal, peer, frame)
	case "trade.active":
		s.handleTradeActive(principal, peer, frame)
	case "trade.history":
		s.handleTradeHistory(principal, peer, frame)
	case "admin.muteUser", "admin.unmuteUser", "admin.banUser", "admin.unbanUser", "admin.banIp", "admin.unbanIp":
		s.handleAdminTarget(principal, peer, frame)
	case "admin.slowMode":
		s.handleAdminSlowMode(principal, peer, frame)
	case "admin.broadcast":
		s.handleAdminBroadcast(principal, peer, frame)
	case "admin.systemMail":
		s.handleAdminSystemMail(principal, peer, frame)
	case "monitor.stats":
		s.respond(peer, frame, monitorEnvelope{Stats: s.services.Monitor.Stats(), Health: s.services.Monitor.HealthCheck()})
	default:
		_ = writeWSError(peer, frame.RequestID, apperrors.CodeValidationFailed, "unsupported frame type")
	}
}

// respond acknowledges a frame with its result payload.
func (s *Server) respond(peer *wsPeer, frame wsFrame, payload any) {
	_ = peer.writeFrame(wsFrame{
		Type:      frame.Type + ".ok",
		RequestID: frame.RequestID,
		Payload:   mustJSON(payload),
	})
}

func (s *Server) decode(peer *wsPeer, frame wsFrame, target any) bool {
	if len(frame.Payload) == 0 {
		_ = writeWSError(peer, frame.RequestID, apperrors.CodeValidationFailed, "payload is required")
		return false
	}
	if err := json.Unmarshal(frame.Payload, target); err != nil {
		_ = writeWSError(peer, frame.RequestID, apperrors.CodeValidationFailed, "invalid payload")
		return false
	}
	return true
}

func (s *Server) handleChatSend(principal Principal, peer *wsPeer, frame wsFrame) {
	var payload chatSendPayload
	if !s.decode(peer, frame, &payload) {
		return
	}
	msg, err := s.services.Chat.Send(chatdomain.SendInput{
		SenderID:   principal.UserID,
		SenderName: principal.Name,
		Channel:    payload.Channel,
		Body:       payload.Body,
	})
	if err != nil {
		s.respondError(peer, frame, err)
		return
	}
	s.respond(peer, frame, chatMessageEnvelope{Message: msg})
}

func (s *Server) handleChatHistory(peer *wsPeer, frame wsFrame) {
	var payload chatHistoryPayload
	if !s.decode(peer, frame, &payload) {
		return
	}
	messages, err := s.services.Chat.History(payload.Channel, payload.BeforeID, payload.Limit)
	if err != nil {
		s.respondError(peer, frame, err)
		return
	}
	s.respond(peer, frame, chatHistoryEnvelope{Messages: messages})
}

func (s *Server) handleDMSend(principal Principal, peer *wsPeer, frame wsFrame) {
	var payload dmSendPayload
	if !s.decode(peer, frame, &payload) {
		return
	}
	msg, err := s.services.DM.Send(principal.UserID, strings.TrimSpace(payload.To), payload.Body)
	if err != nil {
		s.respondError(peer, frame, err)
		return
	}
	s.respond(peer, frame, dmMessageEnvelope{Message: msg})
}

func (s *Server) handleDMConversation(principal Principal, peer *wsPeer, frame wsFrame) {
	var payload dmConversationPayload
	if !s.decode(peer, frame, &payload) {
		return
	}
	messages := s.services.DM.Conversation(principal.UserID, strings.TrimSpace(payload.With), payload.BeforeID, payload.Limit)
	s.respond(peer, frame, dmConversationEnvelope{Messages: messages})
}

func (s *Server) handleDMMarkRead(principal Principal, peer *wsPeer, frame wsFrame) {
	var payload dmMarkReadPayload
	if !s.decode(peer, frame, &payload) {
		return
	}
	s.services.DM.MarkRead(principal.UserID, strings.TrimSpace(payload.With))
	s.respond(peer, frame, okEnvelope{Status: "ok"})
}

func (s *Server) handleDMBlock(principal Principal, peer *wsPeer, frame wsFrame, block bool) {
	var payload dmTargetPayload
	if !s.decode(peer, frame, &payload) {
		return
	}
	target := strings.TrimSpace(payload.Target)
	if target == "" {
		_ = writeWSError(peer, frame.RequestID, apperrors.CodeValidationFailed, "target is required")
		return
	}
	if block {
		s.services.DM.Block(principal.UserID, target)
	} else {
		s.services.DM.Unblock(principal.UserID, target)
	}
	s.respond(peer, frame, okEnvelope{Status: "ok"})
}

func (s *Server) handleMailSend(principal Principal, peer *wsPeer, frame wsFrame) {
	var payload mailSendPayload
	if !s.decode(peer, frame, &payload) {
		return
	}
	mail, err := s.services.Mail.Send(principal.UserID, strings.TrimSpace(payload.To), payload.Subject, payload.Body)
	if err != nil {
		s.respondError(peer, frame, err)
		return
	}
	s.respond(peer, frame, mailEnvelope{Mail: mail})
}

func (s *Server) handleMailOp(principal Principal, peer *wsPeer, frame wsFrame, op func(owner, mailID string) error) {
	var payload mailIDPayload
	if !s.decode(peer, frame, &payload) {
		return
	}
	if err := op(principal.UserID, strings.TrimSpace(payload.MailID)); err != nil {
		s.respondError(peer, frame, err)
		return
	}
	s.respond(peer, frame, okEnvelope{Status: "ok"})
}

func (s *Server) handleForumCreateTopic(principal Principal, peer *wsPeer, frame wsFrame) {
	var payload forumCreateTopicPayload
	if !s.decode(peer, frame, &payload) {
		return
	}
	topic, err := s.services.Forum.CreateTopic(principal.UserID, payload.Category, payload.Title, payload.Body)
	if err != nil {
		s.respondError(peer, frame, err)
		return
	}
	s.respond(peer, frame, forumTopicEnvelope{Topic: topic})
}

func (s *Server) handleForumReply(principal Principal, peer *wsPeer, frame wsFrame) {
	var payload forumReplyPayload
	if !s.decode(peer, frame, &payload) {
		return
	}
	reply, err := s.services.Forum.Reply(strings.TrimSpace(payload.TopicID), principal.UserID, payload.Body)
	if err != nil {
		s.respondError(peer, frame, err)
		return
	}
	s.respond(peer, frame, forumReplyEnvelope{Reply: reply})
}

func (s *Server) handleForumGet(principal Principal, peer *wsPeer, frame wsFrame) {
	var payload forumTopicPayload
	if !s.decode(peer, frame, &payload) {
		return
	}
	topic, err := s.services.Forum.GetTopic(strings.TrimSpace(payload.TopicID), principal.UserID)
	if err != nil {
		s.respondError(peer, frame, err)
		return
	}
	s.respond(peer, frame, forumTopicEnvelope{Topic: topic})
}

func (s *Server) handleForumList(peer *wsPeer, frame wsFrame) {
	payload := forumListPayload{Page: 1}
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			_ = writeWSError(peer, frame.RequestID, apperrors.CodeValidationFailed, "invalid payload")
			return
		}
	}
	topics, err := s.services.Forum.ListTopics(payload.Category, payload.Page)
	if err != nil {
		s.respondError(peer, frame, err)
		return
	}
	s.respond(peer, frame, forumTopicsEnvelope{Topics: topics})
}

func (s *Server) handleForumReplies(peer *wsPeer, frame wsFrame) {
	var payload forumRepliesPayload
	if !s.decode(peer, frame, &payload) {
		return
	}
	replies, err := s.services.Forum.Replies(strings.TrimSpace(payload.TopicID), payload.Page)
	if err != nil {
		s.respondError(peer, frame, err)
		return
	}
	s.respond(peer, frame, forumRepliesEnvelope{Replies: replies})
}

func (s *Server) handleForumFlag(principal Principal, peer *wsPeer, frame wsFrame, op func(topicID string, flag bool) error) {
	if !s.requireModerator(principal, peer, frame) {
		return
	}
	var payload forumFlagPayload
	if !s.decode(peer, frame, &payload) {
		return
	}
	if err := op(strings.TrimSpace(payload.TopicID), payload.Flag); err != nil {
		s.respondError(peer, frame, err)
		return
	}
	s.respond(peer, frame, okEnvelope{Status: "ok"})
}

func (s *Server) handleForumDelete(principal Principal, peer *wsPeer, frame wsFrame) {
	if !s.requireModerator(principal, peer, frame) {
		return
	}
	var payload forumDeletePayload
	if !s.decode(peer, frame, &payload) {
		return
	}
	topicID := strings.TrimSpace(payload.TopicID)
	replyID := strings.TrimSpace(payload.ReplyID)
	var err error
	if replyID != "" {
		err = s.services.Forum.DeleteReply(topicID, replyID)
	} else {
		err = s.services.Forum.DeleteTopic(topicID)
	}
	if err != nil {
		s.respondError(peer, frame, err)
		return
	}
	s.respond(peer, frame, okEnvelope{Status: "ok"})
}

func (s *Server) handleTradePropose(ctx context.Context, principal Principal, peer *wsPeer, frame wsFrame) {
	var payload tradeProposePayload
	if !s.decode(peer, frame, &payload) {
		return
	}
	trade, err := s.services.Trade.Propose(ctx, principal.UserID, strings.TrimSpace(payload.To), payload.Offer)
	if err != nil {
		s.respondError(peer, frame, err)
		return
	}
	s.respond(peer, frame, tradeEnvelope{Trade: trade})
}

func (s *Server) handleTradeUpdate(ctx context.Context, principal Principal, peer *wsPeer, frame wsFrame) {
	var payload tradeUpdatePayload
	if !s.decode(peer, frame, &payload) {
		return
	}
	trade, err := s.services.Trade.UpdateOffer(ctx, principal.UserID, strings.TrimSpace(payload.TradeID), payload.Offer)
	if err != nil {
		s.respondError(peer, frame, err)
		return
	}
	s.respond(peer, frame, tradeEnvelope{Trade: trade})
}

func (s *Server) handleTradeConfirm(ctx context.Context, principal Principal, peer *wsPeer, frame wsFrame) {
	var payload tradeIDPayload
	if !s.decode(peer, frame, &payload) {
		return
	}
	trade, err := s.services.Trade.Confirm(ctx, principal.UserID, strings.TrimSpace(payload.TradeID))
	if err != nil {
		s.respondError(peer, frame, err)
		return
	}
	s.respond(peer, frame, tradeEnvelope{Trade: trade})
}

func (s *Server) handleTradeCancel(principal Principal, peer *wsPeer, frame wsFrame) {
	var payload tradeIDPayload
	if !s.decode(peer, frame, &payload) {
		return
	}
	trade, err := s.services.Trade.Cancel(principal.UserID, strings.TrimSpace(payload.TradeID))
	if err != nil {
		s.respondError(peer, frame, err)
		return
	}
	s.respond(peer, frame, tradeEnvelope{Trade: trade})
}

func (s *Server) handleTradeActive(principal Principal, peer *wsPeer, frame wsFrame) {
	trade, ok := s.services.Trade.ActiveTrade(principal.UserID)
	if !ok {
		_ = writeWSError(peer, frame.RequestID, apperrors.CodeNotFound, "no active trade")
		return
	}
	s.respond(peer, frame, tradeEnvelope{Trade: trade})
}

func (s *Server) handleTradeHistory(principal Principal, peer *wsPeer, frame wsFrame) {
	var payload tradeHistoryPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			_ = writeWSError(peer, frame.RequestID, apperrors.CodeValidationFailed, "invalid payload")
			return
		}
	}
	s.respond(peer, frame, tradeHistoryEnvelope{Trades: s.services.Trade.HistoryOf(principal.UserID, payload.Limit)})
}

func (s *Server) handleAdminTarget(principal Principal, peer *wsPeer, frame wsFrame) {
	if !s.requireModerator(principal, peer, frame) {
		return
	}
	var payload adminTargetPayload
	if !s.decode(peer, frame, &payload) {
		return
	}
	target := strings.TrimSpace(payload.Target)
	if target == "" {
		_ = writeWSError(peer, frame.RequestID, apperrors.CodeValidationFailed, "target is required")
		return
	}

	duration := time.Duration(payload.DurationMs) * time.Millisecond
	if payload.Permanent {
		duration = 0
	}

	registry := s.services.Moderation
	var err error
	switch frame.Type {
	case "admin.muteUser":
		registry.Mute(target)
	case "admin.unmuteUser":
		registry.Unmute(target)
	case "admin.banUser":
		registry.Ban(target, payload.Reason, duration)
	case "admin.unbanUser":
		registry.Unban(target)
	case "admin.banIp":
		err = registry.BanIP(target, payload.Reason, duration)
	case "admin.unbanIp":
		registry.UnbanIP(target)
	}
	if err != nil {
		s.respondError(peer, frame, err)
		return
	}
	s.respond(peer, frame, okEnvelope{Status: "ok"})
}

func (s *Server) handleAdminSlowMode(principal Principal, peer *wsPeer, frame wsFrame) {
	if !s.requireModerator(principal, peer, frame) {
		return
	}
	var payload adminSlowModePayload
	if !s.decode(peer, frame, &payload) {
		return
	}
	if _, err := chatdomain.ParseChannel(payload.Channel); err != nil {
		s.respondError(peer, frame, err)
		return
	}
	s.services.Moderation.SetSlowMode(payload.Channel, time.Duration(payload.IntervalMs)*time.Millisecond)
	s.respond(peer, frame, okEnvelope{Status: "ok"})
}

func (s *Server) handleAdminBroadcast(principal Principal, peer *wsPeer, frame wsFrame) {
	if !s.requireModerator(principal, peer, frame) {
		return
	}
	var payload adminBroadcastPayload
	if !s.decode(peer, frame, &payload) {
		return
	}
	msg, err := s.services.Chat.BroadcastSystem(payload.Channel, payload.Body)
	if err != nil {
		s.respondError(peer, frame, err)
		return
	}
	s.respond(peer, frame, chatMessageEnvelope{Message: msg})
}

func (s *Server) handleAdminSystemMail(principal Principal, peer *wsPeer, frame wsFrame) {
	if !s.requireModerator(principal, peer, frame) {
		return
	}
	var payload mailSendPayload
	if !s.decode(peer, frame, &payload) {
		return
	}
	mail, err := s.services.Mail.SendSystem(strings.TrimSpace(payload.To), payload.Subject, payload.Body)
	if err != nil {
		s.respondError(peer, frame, err)
		return
	}
	s.respond(peer, frame, mailEnvelope{Mail: mail})
}

// requireModerator gates moderator operations on server-held state: the
// session token claim or a registry grant, never a client-sent flag.
func (s *Server) requireModerator(principal Principal, peer *wsPeer, frame wsFrame) bool {
	if principal.Moderator || s.services.Moderation.IsModerator(principal.UserID) {
		return true
	}
	_ = writeWSError(peer, frame.RequestID, apperrors.CodeUnauthorized, "moderator capability required")
	return false
}
