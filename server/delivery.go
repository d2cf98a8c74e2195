package server

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pipechat/protocol"
)

var (
	// ErrSendFailed - сырая передача не удалась, запись доставки не создавалась
	ErrSendFailed = errors.New("transport send failed")
	// ErrAckTimeout - подтверждение не пришло за бюджет ожидания
	ErrAckTimeout = errors.New("acknowledgment timeout")
	// ErrHandedOff - доставка исчерпана фоновым обслуживанием, кадр уже
	// передан в офлайн-хранилище
	ErrHandedOff = errors.New("delivery handed off to offline store")
)

// pendingDelivery - учётная запись одной незавершённой доставки с
// подтверждением. Ожидание подтверждения - канал на одну доставку, чтобы
// блокировка на одном сообщении не тормозила остальные.
type pendingDelivery struct {
	id      string
	payload string
	target  *Session
	created time.Time

	mu       sync.Mutex
	retries  int
	deadline time.Time
	acked    bool
	stored   bool // кадр уже передан в офлайн-хранилище
	woken    bool
	done     chan struct{}
}

// wake будит ожидающего; повторные вызовы безопасны.
// Вызывается строго под p.mu.
func (p *pendingDelivery) wake() {
	if !p.woken {
		p.woken = true
		close(p.done)
	}
}

type trackerConfig struct {
	ackWait       time.Duration
	retryInterval time.Duration
	maxRetries    int
	staleAfter    time.Duration
	writeTimeout  time.Duration
}

// deliveryTracker отслеживает доставки, ожидающие подтверждения, ведёт
// повторные отправки с линейным backoff и передаёт исчерпанные доставки
// в офлайн-хранилище.
type deliveryTracker struct {
	mu      sync.Mutex
	pending map[string]*pendingDelivery

	cfg      trackerConfig
	registry *registry
	offline  *offlineStore
	logger   *slog.Logger
}

func newDeliveryTracker(cfg trackerConfig, reg *registry, offline *offlineStore, logger *slog.Logger) *deliveryTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &deliveryTracker{
		pending:  make(map[string]*pendingDelivery),
		cfg:      cfg,
		registry: reg,
		offline:  offline,
		logger:   logger,
	}
}

// SendReliable отправляет кадр и для типа MESSAGE блокируется до
// подтверждения либо истечения бюджета ожидания. Остальные типы кадров
// уходят без подтверждения. Кадру MESSAGE без ID присваивается новый;
// существующий ID сохраняется, поэтому повторные отправки идемпотентны
// на уровне идентификатора.
func (t *deliveryTracker) SendReliable(target *Session, payload string) error {
	if protocol.Classify(payload) != protocol.TypeMessage {
		// Login/Logout/Response/Heartbeat/Ack подтверждений не ждут
		return target.conn.SendFrame(payload, t.cfg.writeTimeout)
	}

	msg, err := protocol.DecodeMessage(payload)
	if err != nil {
		return err
	}

	if msg.ID == "" {
		msg.ID = protocol.NewMessageID()
		payload, err = protocol.EncodeMessage(msg)
		if err != nil {
			return err
		}
	}

	// сырая передача не удалась - запись доставки не создаём
	if err := target.conn.SendFrame(payload, t.cfg.writeTimeout); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	p := &pendingDelivery{
		id:       msg.ID,
		payload:  payload,
		target:   target,
		created:  time.Now(),
		deadline: time.Now().Add(t.cfg.retryInterval),
		done:     make(chan struct{}),
	}

	t.mu.Lock()
	if _, exists := t.pending[msg.ID]; exists {
		// не более одной записи на ID сообщения
		t.mu.Unlock()
		return fmt.Errorf("%w: duplicate pending delivery %s", ErrSendFailed, msg.ID)
	}
	t.pending[msg.ID] = p
	t.mu.Unlock()

	timer := time.NewTimer(t.cfg.ackWait)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
	}

	// запись снимается с учёта независимо от исхода
	t.mu.Lock()
	delete(t.pending, msg.ID)
	t.mu.Unlock()

	p.mu.Lock()
	acked, stored := p.acked, p.stored
	p.mu.Unlock()

	switch {
	case acked:
		DeliveriesTotal.WithLabelValues("acked").Inc()
		return nil
	case stored:
		DeliveriesTotal.WithLabelValues("exhausted").Inc()
		return ErrHandedOff
	default:
		DeliveriesTotal.WithLabelValues("timeout").Inc()
		return ErrAckTimeout
	}
}

// OnAck сверяет подтверждение с ожидаемым получателем и будит ожидающего.
// Несовпадение ID пользователя - аномалия (возможна подмена), запись не
// трогается.
func (t *deliveryTracker) OnAck(ack protocol.Ack, from *Session) {
	t.mu.Lock()
	p, ok := t.pending[ack.MessageID]
	t.mu.Unlock()

	if !ok {
		t.logger.Info("ack for unknown message id", "message_id", ack.MessageID, "from", from.UserID())
		return
	}

	if ack.ReceiverID != from.UserID() || ack.ReceiverID != p.target.UserID() {
		t.logger.Warn("ack receiver mismatch, dropping",
			"message_id", ack.MessageID,
			"ack_receiver", ack.ReceiverID,
			"session_user", from.UserID(),
			"expected", p.target.UserID())
		return
	}

	p.mu.Lock()
	if !p.acked {
		p.acked = true
		p.wake()
	}
	p.mu.Unlock()
}

// ProcessRetries - периодический проход по незавершённым доставкам.
// Просроченная доставка повторяется с дедлайном base*retryCount; после
// исчерпания попыток либо при отпавшей целевой сессии кадр передаётся в
// офлайн-хранилище. Отпавшая сессия попытку не расходует.
func (t *deliveryTracker) ProcessRetries() {
	now := time.Now()

	t.mu.Lock()
	snapshot := make([]*pendingDelivery, 0, len(t.pending))
	for _, p := range t.pending {
		snapshot = append(snapshot, p)
	}
	t.mu.Unlock()

	for _, p := range snapshot {
		p.mu.Lock()
		if p.acked || now.Before(p.deadline) {
			p.mu.Unlock()
			continue
		}

		connected := t.registry.contains(p.target)
		exhausted := p.retries >= t.cfg.maxRetries

		if exhausted || !connected {
			t.handOffLocked(p, connected)
			p.mu.Unlock()
			t.remove(p.id)
			continue
		}

		if err := p.target.conn.SendFrame(p.payload, t.cfg.writeTimeout); err != nil {
			t.logger.Warn("retry send failed", "message_id", p.id, "error", err)
		}
		p.retries++
		p.deadline = now.Add(t.cfg.retryInterval * time.Duration(p.retries))
		DeliveriesTotal.WithLabelValues("retried").Inc()
		t.logger.Info("delivery retried", "message_id", p.id, "attempt", p.retries)
		p.mu.Unlock()
	}
}

// handOffLocked передаёт кадр доставки в офлайн-хранилище и будит
// ожидающего. Вызывается под p.mu.
func (t *deliveryTracker) handOffLocked(p *pendingDelivery, connected bool) {
	if !p.stored {
		if msg, err := protocol.DecodeMessage(p.payload); err == nil {
			t.offline.Enqueue(msg.Receiver, p.payload)
			p.stored = true
		} else {
			t.logger.Error("exhausted delivery holds undecodable payload", "message_id", p.id, "error", err)
		}
	}
	p.wake()

	if connected {
		t.logger.Info("delivery exhausted, stored offline", "message_id", p.id, "attempts", p.retries)
	} else {
		t.logger.Info("delivery target disconnected, stored offline", "message_id", p.id)
	}
}

// DropSession будит ожидающих по всем доставкам в адрес отключившейся
// сессии; их исход решает владелец ожидания, кадр не теряется.
func (t *deliveryTracker) DropSession(s *Session) {
	t.mu.Lock()
	var dropped []*pendingDelivery
	for id, p := range t.pending {
		if p.target == s {
			dropped = append(dropped, p)
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()

	for _, p := range dropped {
		p.mu.Lock()
		p.wake()
		p.mu.Unlock()
		t.logger.Info("pending delivery dropped with session", "message_id", p.id, "addr", s.Addr())
	}
}

// SweepStale снимает с учёта доставки старше потолка независимо от
// состояния - страховка от потерянных пробуждений.
func (t *deliveryTracker) SweepStale() {
	now := time.Now()

	t.mu.Lock()
	var stale []*pendingDelivery
	for id, p := range t.pending {
		if now.Sub(p.created) > t.cfg.staleAfter {
			stale = append(stale, p)
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()

	for _, p := range stale {
		p.mu.Lock()
		p.wake()
		p.mu.Unlock()
		t.logger.Warn("stale pending delivery swept", "message_id", p.id, "age", now.Sub(p.created).String())
	}
}

// remove снимает запись с учёта, если она ещё числится.
func (t *deliveryTracker) remove(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *deliveryTracker) pendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
