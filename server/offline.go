package server

import (
	"log/slog"
	"sync"

	"pipechat/protocol"
)

// offlineStore - ограниченные FIFO-очереди недоставленных сообщений по
// пользователям. Хранятся только сериализованные кадры MESSAGE и только
// в памяти: долговечность за пределами жизни процесса не обещается.
type offlineStore struct {
	mu       sync.Mutex
	queues   map[string][]string
	capacity int
	total    int
	logger   *slog.Logger
}

func newOfflineStore(capacity int, logger *slog.Logger) *offlineStore {
	if capacity <= 0 {
		capacity = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &offlineStore{
		queues:   make(map[string][]string),
		capacity: capacity,
		logger:   logger,
	}
}

// Enqueue добавляет кадр в очередь пользователя. При переполнении
// вытесняется самый старый кадр: при длительном переполнении хранение
// с потерями, так задумано. Кадры не-MESSAGE отбрасываются.
func (o *offlineStore) Enqueue(userID, payload string) {
	if protocol.Classify(payload) != protocol.TypeMessage {
		o.logger.Warn("offline store rejected non-message payload", "user", userID)
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	queue := o.queues[userID]
	if len(queue) >= o.capacity {
		o.logger.Warn("offline queue full, evicting oldest", "user", userID, "capacity", o.capacity)
		queue = queue[1:]
		o.total--
	}

	o.queues[userID] = append(queue, payload)
	o.total++
	OfflineQueued.Set(float64(o.total))
}

// DrainUpTo извлекает до max самых старых кадров в порядке очереди.
// Остаток сохраняется до следующего входа.
func (o *offlineStore) DrainUpTo(userID string, max int) []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	queue := o.queues[userID]
	if len(queue) == 0 || max <= 0 {
		return nil
	}

	n := max
	if n > len(queue) {
		n = len(queue)
	}

	drained := make([]string, n)
	copy(drained, queue[:n])

	if n == len(queue) {
		delete(o.queues, userID)
	} else {
		o.queues[userID] = queue[n:]
	}
	o.total -= n
	OfflineQueued.Set(float64(o.total))

	return drained
}

// Front возвращает самый старый кадр без извлечения.
func (o *offlineStore) Front(userID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	queue := o.queues[userID]
	if len(queue) == 0 {
		return "", false
	}
	return queue[0], true
}

// PopFront удаляет самый старый кадр после успешной доставки.
func (o *offlineStore) PopFront(userID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	queue := o.queues[userID]
	if len(queue) == 0 {
		return
	}
	if len(queue) == 1 {
		delete(o.queues, userID)
	} else {
		o.queues[userID] = queue[1:]
	}
	o.total--
	OfflineQueued.Set(float64(o.total))
}

func (o *offlineStore) IsEmpty(userID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queues[userID]) == 0
}

func (o *offlineStore) Len(userID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queues[userID])
}
