package server

import (
	"errors"
	"strconv"
	"strings"
	"sync/atomic"

	"pipechat/models"
	"pipechat/protocol"
)

// routeFrame - единая точка входа: один входящий кадр плюс исходная
// сессия дают ноль или один ответный кадр. Внутренняя ошибка никогда не
// роняет маршрутизатор: либо типизированный ответ, либо молчаливый
// логируемый сброс. Вызывается конкурентно из обработчиков всех
// соединений.
func (s *Server) routeFrame(sess *Session, raw string) string {
	frameType := protocol.Classify(raw)
	FramesTotal.WithLabelValues(frameType.String()).Inc()

	switch frameType {
	case protocol.TypeLogin:
		return s.handleLogin(sess, raw)
	case protocol.TypeMessage:
		return s.handleMessage(sess, raw)
	case protocol.TypeAck:
		s.handleAck(sess, raw)
		return ""
	case protocol.TypeLogout:
		return s.handleLogout(sess)
	case protocol.TypeHeartbeat:
		// одностороннее поддержание жизни, ответа не требует
		sess.touch()
		return ""
	default:
		return protocol.EncodeResponse(protocol.Response{
			Status: "UNKNOWN_COMMAND",
			Text:   "unknown command",
		})
	}
}

// handleLogin привязывает ID пользователя к сессии. Вход всегда успешен
// для непустого ID; пароли на этом пути не проверяются. Накопленные
// офлайн-сообщения (до лимита вложения) вкладываются прямо в ответ и
// ровно в этом количестве удаляются из хранилища.
func (s *Server) handleLogin(sess *Session, raw string) string {
	userID := ""
	if pos := strings.IndexByte(raw, '|'); pos >= 0 {
		userID = raw[pos+1:]
	}

	if userID == "" {
		s.logger.Warn("login with empty user id", "addr", sess.Addr())
		return protocol.EncodeResponse(protocol.Response{
			Status: "LOGIN_FAILED",
			Text:   "invalid user id",
		})
	}

	sess.bindUser(userID)
	s.logger.Info("user logged in", "user", userID, "addr", sess.Addr())

	drained := s.offline.DrainUpTo(userID, s.cfg.BundleLimit)
	if len(drained) > 0 {
		s.logger.Info("bundling offline messages into login response",
			"user", userID, "count", len(drained), "remaining", s.offline.Len(userID))
	}
	return protocol.BuildLoginBundle("login ok", drained)
}

// handleMessage маршрутизирует кадр MESSAGE: онлайн-получателю - через
// надёжную доставку, иначе в офлайн-хранилище. Получатель-группа
// рассылается по участникам.
func (s *Server) handleMessage(sess *Session, raw string) string {
	msg, err := protocol.DecodeMessage(raw)
	if err != nil {
		s.logger.Warn("malformed message frame", "addr", sess.Addr(), "error", err)
		return protocol.EncodeResponse(protocol.Response{
			Status: "PROTOCOL_ERROR",
			Text:   "malformed message frame",
		})
	}

	if group, ok := s.groups[msg.Receiver]; ok {
		return s.handleGroupMessage(sess, msg, group)
	}

	target, online := s.registry.findOnlineUser(msg.Receiver)
	if !online {
		payload, _ := protocol.EncodeMessage(msg)
		s.offline.Enqueue(msg.Receiver, payload)
		s.logger.Info("recipient offline, message cached", "from", msg.Sender, "to", msg.Receiver)
		return protocol.EncodeResponse(protocol.Response{
			Success: true,
			Status:  "MESSAGE_CACHED",
			Text:    "recipient offline, message cached",
		})
	}

	payload, _ := protocol.EncodeMessage(msg)
	err = s.tracker.SendReliable(target, payload)

	switch {
	case err == nil:
		s.logger.Info("message delivered and acknowledged", "from", msg.Sender, "to", msg.Receiver)
		return protocol.EncodeResponse(protocol.Response{
			Success: true,
			Status:  "MESSAGE_SENT",
			Text:    "message sent and acknowledged",
		})
	case errors.Is(err, ErrSendFailed):
		// передача не состоялась - кадр сразу в офлайн
		s.offline.Enqueue(msg.Receiver, payload)
		s.logger.Warn("recipient connection unusable, message cached", "to", msg.Receiver, "error", err)
		return protocol.EncodeResponse(protocol.Response{
			Success: true,
			Status:  "MESSAGE_CACHED",
			Text:    "recipient unreachable, message cached",
		})
	case errors.Is(err, ErrHandedOff):
		// обслуживание уже передало кадр в офлайн-хранилище
		return protocol.EncodeResponse(protocol.Response{
			Status: "SEND_FAILED",
			Text:   "forwarding failed, message stored offline",
		})
	default:
		// таймаут подтверждения: откат в офлайн-хранилище
		s.offline.Enqueue(msg.Receiver, payload)
		s.logger.Warn("delivery not acknowledged, message stored offline", "to", msg.Receiver)
		return protocol.EncodeResponse(protocol.Response{
			Status: "SEND_FAILED",
			Text:   "forwarding failed, message stored offline",
		})
	}
}

// handleGroupMessage рассылает сообщение всем участникам группы, кроме
// отправителя: онлайн-участникам через надёжную доставку, остальным в
// офлайн-хранилище. Рассылка идёт параллельно через пул задач.
func (s *Server) handleGroupMessage(sess *Session, msg protocol.Message, group models.Group) string {
	var (
		tasks     []func()
		delivered atomic.Int64
		cached    atomic.Int64
	)

	for _, member := range group.Members {
		if member == msg.Sender {
			continue
		}

		member := member
		tasks = append(tasks, func() {
			// каждому участнику свой кадр со своим ID: записи доставок
			// разделять один ID сообщения не могут
			fanned := msg
			fanned.ID = ""
			fanned.Receiver = member
			payload, err := protocol.EncodeMessage(fanned)
			if err != nil {
				return
			}

			target, online := s.registry.findOnlineUser(member)
			if !online {
				s.offline.Enqueue(member, payload)
				cached.Add(1)
				return
			}

			switch err := s.tracker.SendReliable(target, payload); {
			case err == nil:
				delivered.Add(1)
			case errors.Is(err, ErrHandedOff):
				cached.Add(1)
			default:
				s.offline.Enqueue(member, payload)
				cached.Add(1)
			}
		})
	}

	s.pool.Do(tasks...)

	s.logger.Info("group message fanned out",
		"group", group.ID, "from", msg.Sender,
		"delivered", delivered.Load(), "cached", cached.Load())

	return protocol.EncodeResponse(protocol.Response{
		Success: true,
		Status:  "GROUP_SENT",
		Text:    "message fanned out to group " + group.ID,
		Extra: []string{
			"delivered:" + strconv.FormatInt(delivered.Load(), 10),
			"cached:" + strconv.FormatInt(cached.Load(), 10),
		},
	})
}

// handleAck - односторонний кадр: ответа нет, неразборчивый ACK
// логируется и отбрасывается.
func (s *Server) handleAck(sess *Session, raw string) {
	ack, err := protocol.DecodeAck(raw)
	if err != nil {
		s.logger.Warn("malformed ack frame, dropped", "addr", sess.Addr(), "error", err)
		return
	}
	s.tracker.OnAck(ack, sess)
}

func (s *Server) handleLogout(sess *Session) string {
	userID := sess.UserID()
	sess.clearLogin()
	s.logger.Info("user logged out", "user", userID, "addr", sess.Addr())
	return protocol.EncodeResponse(protocol.Response{
		Success: true,
		Status:  "LOGOUT_OK",
		Text:    "logout ok",
	})
}

// deliverOffline - добросовестная дочистка очереди после входа: кадры
// доставляются по одному с подтверждением, после трёх подряд неудач
// остаток остаётся в очереди до следующего входа.
func (s *Server) deliverOffline(sess *Session) {
	const maxConsecutiveFailures = 3

	userID := sess.UserID()
	failures := 0
	delivered := 0

	for failures < maxConsecutiveFailures {
		if !sess.LoggedIn() || !s.registry.contains(sess) {
			break
		}

		payload, ok := s.offline.Front(userID)
		if !ok {
			break
		}

		switch err := s.tracker.SendReliable(sess, payload); {
		case err == nil:
			s.offline.PopFront(userID)
			delivered++
			failures = 0
		case errors.Is(err, ErrHandedOff):
			// обслуживание переложило кадр в конец очереди - снимаем
			// головной экземпляр, чтобы не плодить дубликаты
			s.offline.PopFront(userID)
			failures++
		default:
			failures++
		}
	}

	if delivered > 0 || s.offline.Len(userID) > 0 {
		s.logger.Info("post-login offline sweep finished",
			"user", userID, "delivered", delivered, "remaining", s.offline.Len(userID))
	}
}
