package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/tcriess/lightspeed-session/completion"
	"github.com/tcriess/lightspeed-session/types"
	"github.com/tcriess/lightspeed-session/voice"
)

// decode decodes the data of an inbound event into v, weakly typed like all inbound data.
func decode(data json.RawMessage, v interface{}) error {
	m := make(map[string]interface{})
	if len(data) > 0 {
		if err := json.Unmarshal(data, &m); err != nil {
			return invalidRequest(err)
		}
	}
	if err := mapstructure.WeakDecode(m, v); err != nil {
		return invalidRequest(err)
	}
	return nil
}

// HandleEvent dispatches one inbound event of connection c. The returned error is a *Failure for all expected
// rejections.
func (g *Gateway) HandleEvent(c *Client, event string, data json.RawMessage) error {
	switch event {
	case types.EventJoinRoom:
		req := types.JoinRoomRequest{}
		if err := decode(data, &req); err != nil {
			return err
		}
		return g.join(c, req)

	case types.EventSendMessage:
		req := types.SendMessageRequest{}
		if err := decode(data, &req); err != nil {
			return err
		}
		return g.sendMessage(c, req)

	case types.EventJoinVoiceRoom:
		req := types.VoiceRoomRequest{}
		if err := decode(data, &req); err != nil {
			return err
		}
		return g.joinVoice(c, req)

	case types.EventLeaveVoiceRoom:
		req := types.VoiceRoomRequest{}
		if err := decode(data, &req); err != nil {
			return err
		}
		g.leaveVoice(c, req)
		return nil

	case types.EventLeaveRoom:
		req := types.SessionRequest{}
		if err := decode(data, &req); err != nil {
			return err
		}
		if b, ok := c.binding(); ok && b.SessionId == req.SessionId {
			g.leaveRoom(c)
		}
		return nil

	case types.EventEndSession:
		req := types.SessionRequest{}
		if err := decode(data, &req); err != nil {
			return err
		}
		return g.endSession(c, req)

	case types.EventAIResponse:
		req := types.AIResponseRequest{}
		if err := decode(data, &req); err != nil {
			return err
		}
		return g.aiResponse(c, req)
	}
	return invalidRequest(fmt.Errorf("unknown event %q", event))
}

// authorize loads the session and checks that userId is a member of it (and the identity of the connection, if
// authenticated).
func (g *Gateway) authorize(c *Client, sessionId, userId string) (*types.Session, error) {
	if sessionId == "" || userId == "" {
		return nil, invalidRequest(errors.New("session id and user id are required"))
	}
	if c.authUserId != "" && c.authUserId != userId {
		return nil, newFailure(KindAuthorization, MsgNotAuthorized, fmt.Errorf("connection is authenticated as %q", c.authUserId))
	}
	session, err := g.persister.GetSession(g.ctx, sessionId)
	if err != nil {
		return nil, storeFailure(err)
	}
	if !session.IsMember(userId) {
		return nil, newFailure(KindAuthorization, MsgNotAuthorized, nil)
	}
	return session, nil
}

// memberRole checks the requested role against the session membership. Without a requested role, the highest role
// of userId is used.
func memberRole(session *types.Session, userId string, requested types.Role) (types.Role, error) {
	has := map[types.Role]bool{
		types.RoleModerator:   session.ModeratorId == userId,
		types.RoleParticipant: session.IsParticipant(userId),
		types.RoleEvaluator:   session.IsEvaluator(userId),
	}
	if requested == "" {
		for _, role := range []types.Role{types.RoleModerator, types.RoleParticipant, types.RoleEvaluator} {
			if has[role] {
				return role, nil
			}
		}
		return "", newFailure(KindAuthorization, MsgNotAuthorized, nil)
	}
	if !requested.Valid() {
		return "", invalidRequest(fmt.Errorf("invalid role %q", requested))
	}
	if !has[requested] {
		return "", newFailure(KindAuthorization, MsgNotAuthorized, fmt.Errorf("%q is no %s", userId, requested))
	}
	return requested, nil
}

func (g *Gateway) join(c *Client, req types.JoinRoomRequest) error {
	g.membership.Lock()
	session, role, rejoined, err := g.bindMember(c, req)
	g.membership.Unlock()
	if err != nil {
		return err
	}
	g.sendHistory(c, session)
	if rejoined {
		return nil
	}
	g.logger.Info("joined", "session", session.Id, "user", req.UserId, "role", role, "connection", c.Id)
	g.metrics.Joins.Add(g.ctx, 1)

	if session.AIPractice && role == types.RoleParticipant && session.IsActive() && len(session.ChatHistory) == 0 {
		g.startOpening(session)
	}
	return nil
}

// bindMember authorizes the join and binds c to the session's room. It must be called with the membership lock
// held, so a concurrent removal either sees the new binding or is seen by the authorization.
func (g *Gateway) bindMember(c *Client, req types.JoinRoomRequest) (*types.Session, types.Role, bool, error) {
	session, err := g.authorize(c, req.SessionId, req.UserId)
	if err != nil {
		return nil, "", false, err
	}
	role, err := memberRole(session, req.UserId, req.Role)
	if err != nil {
		return nil, "", false, err
	}
	if b, ok := c.binding(); ok {
		if b.SessionId == req.SessionId && b.UserId == req.UserId {
			// already joined, only refresh the history
			return session, b.Role, true, nil
		}
		g.leaveRoom(c)
	}

	c.bind(binding{SessionId: session.Id, UserId: req.UserId, Role: role})
	g.addToRoom(c, session.Id)
	if g.presence.Add(session.Id, req.UserId) {
		g.broadcast(session.Id, types.EventUserJoined, types.UserJoined{UserId: req.UserId, Role: role}, c)
	}
	return session, role, false, nil
}

// sendHistory sends the latest persisted messages of the session to c. A failure is logged only, the join stays
// valid.
func (g *Gateway) sendHistory(c *Client, session *types.Session) {
	fromIdx := len(session.ChatHistory) - g.historySize
	if fromIdx < 0 {
		fromIdx = 0
	}
	messages, err := g.persister.GetChatHistory(g.ctx, session.Id, fromIdx, g.historySize)
	if err != nil {
		g.logger.Error("could not load chat history", "session", session.Id, "error", err)
		return
	}
	history := types.ChatHistory{Messages: make([]types.NewMessage, 0, len(messages))}
	for _, m := range messages {
		history.Messages = append(history.Messages, types.NewMessageFrom(m))
	}
	g.unicast(c, types.EventChatHistory, history)
}

func (g *Gateway) sendMessage(c *Client, req types.SendMessageRequest) error {
	if req.Message == "" {
		return invalidRequest(errors.New("empty message"))
	}
	if !c.boundTo(req.SessionId, req.UserId) {
		return newFailure(KindAuthorization, MsgNotJoined, nil)
	}
	b, _ := c.binding()
	session, err := g.persister.GetSession(g.ctx, req.SessionId)
	if err != nil {
		return storeFailure(err)
	}
	if !session.IsActive() {
		return newFailure(KindEnded, MsgSessionEnded, nil)
	}
	if !session.IsMember(req.UserId) {
		return newFailure(KindAuthorization, MsgNotAuthorized, nil)
	}

	if g.filter.IsAbusive(req.Message) {
		if !session.IsParticipant(req.UserId) {
			return newFailure(KindModeration, MsgRejectedAbusive, nil)
		}
		return g.removeAbusive(session.Id, req.UserId)
	}

	message := &types.Message{
		SessionId: session.Id,
		UserId:    req.UserId,
		Username:  req.Username,
		Role:      b.Role,
		Text:      req.Message,
		Timestamp: g.now().UTC(),
	}
	if message.Username == "" {
		message.Username = req.UserId
	}
	if err := message.CreateId(); err != nil {
		return newFailure(KindInternal, MsgInternal, err)
	}
	if err := g.persister.StoreMessage(g.ctx, message); err != nil {
		return storeFailure(err)
	}
	g.metrics.Messages.Add(g.ctx, 1)
	g.broadcast(session.Id, types.EventNewMessage, types.NewMessageFrom(message), nil)

	if session.AIPractice && b.Role == types.RoleParticipant {
		g.complete(session.Id, "reply", completion.ReplyPrompt(session.Topic, message.Text), nil)
	}
	return nil
}

// removeAbusive removes userId from the session's participants and forces all of its connections out of the room.
func (g *Gateway) removeAbusive(sessionId, userId string) error {
	g.membership.Lock()
	defer g.membership.Unlock()
	removed, err := g.persister.RemoveParticipant(g.ctx, sessionId, userId)
	if err != nil {
		return storeFailure(err)
	}
	for _, c := range g.roomClients(sessionId, userId) {
		g.clearVoice(c)
		if _, ok := c.unbind(); ok {
			g.removeFromRoom(c, sessionId)
			g.presence.Remove(sessionId, userId)
		}
		c.sendError(MsgRemovedAbusive)
	}
	if removed {
		g.logger.Info("participant removed for abusive language", "session", sessionId, "user", userId)
		g.metrics.Removals.Add(g.ctx, 1)
		g.broadcast(sessionId, types.EventUserRemoved, types.UserRemoved{UserId: userId, Reason: ReasonAbusive}, nil)
	}
	return nil
}

func (g *Gateway) joinVoice(c *Client, req types.VoiceRoomRequest) error {
	session, err := g.authorize(c, req.SessionId, req.UserId)
	if err != nil {
		return err
	}
	if !session.IsActive() {
		return newFailure(KindEnded, MsgSessionEnded, nil)
	}
	// checked under the membership lock, see removeAbusive
	g.membership.Lock()
	defer g.membership.Unlock()
	if !c.boundTo(session.Id, req.UserId) {
		return newFailure(KindAuthorization, MsgNotJoined, nil)
	}
	if g.issuer == nil {
		return newFailure(KindUnavailable, MsgVoiceUnavailable, nil)
	}
	uid, err := g.identities.Uid(req.UserId)
	if err != nil {
		return invalidRequest(err)
	}
	channel := g.cfg.VoiceConfig.ChannelPrefix + session.Id
	expireAt := g.now().Add(g.cfg.VoiceConfig.TokenTTL).Unix()
	token, err := g.issuer.Issue(channel, uid, voice.RolePublisher, expireAt)
	if err != nil {
		return newFailure(KindInternal, MsgInternal, err)
	}
	joined := g.presence.SetVoice(c.Id, session.Id, req.UserId)
	g.metrics.VoiceTokens.Add(g.ctx, 1)
	g.unicast(c, types.EventVoiceToken, types.VoiceToken{Token: token, Channel: channel, Uid: uid})
	if joined {
		g.broadcast(session.Id, types.EventVoiceUserJoined, types.UserRef{UserId: req.UserId}, nil)
	}
	return nil
}

func (g *Gateway) leaveVoice(c *Client, req types.VoiceRoomRequest) {
	v, ok := g.presence.Voice(c.Id)
	if !ok || v.SessionId != req.SessionId || (req.UserId != "" && v.UserId != req.UserId) {
		return
	}
	g.clearVoice(c)
}

// clearVoice drops the voice association of c, if any, and broadcasts voice-user-left.
func (g *Gateway) clearVoice(c *Client) {
	v, ok := g.presence.ClearVoice(c.Id)
	if !ok {
		return
	}
	g.broadcast(v.SessionId, types.EventVoiceUserLeft, types.UserRef{UserId: v.UserId}, nil)
}

// leaveRoom releases the voice association, then the room binding of c.
func (g *Gateway) leaveRoom(c *Client) {
	g.clearVoice(c)
	b, ok := c.unbind()
	if !ok {
		return
	}
	g.removeFromRoom(c, b.SessionId)
	if g.presence.Remove(b.SessionId, b.UserId) {
		g.broadcast(b.SessionId, types.EventUserLeft, types.UserRef{UserId: b.UserId}, nil)
	}
	g.logger.Info("left", "session", b.SessionId, "user", b.UserId, "connection", c.Id)
}

func (g *Gateway) endSession(c *Client, req types.SessionRequest) error {
	b, ok := c.binding()
	if !ok || b.SessionId != req.SessionId {
		return newFailure(KindAuthorization, MsgNotJoined, nil)
	}
	_, err := g.EndSession(g.ctx, req.SessionId, "request")
	if err != nil {
		return storeFailure(err)
	}
	return nil
}

func (g *Gateway) aiResponse(c *Client, req types.AIResponseRequest) error {
	if req.Response == "" {
		return invalidRequest(errors.New("empty response"))
	}
	if !c.boundTo(req.SessionId, req.UserId) {
		return newFailure(KindAuthorization, MsgNotJoined, nil)
	}
	session, err := g.persister.GetSession(g.ctx, req.SessionId)
	if err != nil {
		return storeFailure(err)
	}
	if !session.IsActive() {
		return newFailure(KindEnded, MsgSessionEnded, nil)
	}
	if !session.AIPractice {
		return newFailure(KindInvalid, MsgNoAIPractice, nil)
	}
	if g.filter.IsAbusive(req.Response) {
		return newFailure(KindModeration, MsgRejectedAbusive, nil)
	}
	g.complete(session.Id, "response", completion.ResponsePrompt(session.Topic, req.Response), nil)
	return nil
}
