package server

import (
	"sync"
	"time"

	"pipechat/transport"
)

// Session - серверное состояние одного подключённого клиента. Владеет
// сессией только реестр; трекер доставки держит лишь невладеющую ссылку
// и проверяет свежесть через реестр в момент повторной отправки.
type Session struct {
	conn *transport.Conn
	addr string // host:port, идентичность до входа

	mu       sync.Mutex
	userID   string
	loggedIn bool
	lastSeen time.Time
}

func newSession(conn *transport.Conn, addr string) *Session {
	return &Session{
		conn:     conn,
		addr:     addr,
		lastSeen: time.Now(),
	}
}

func (s *Session) Addr() string {
	return s.addr
}

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) LoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedIn
}

// bindUser связывает сессию с ID пользователя после успешного LOGIN.
func (s *Session) bindUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
	s.loggedIn = true
	s.lastSeen = time.Now()
}

func (s *Session) clearLogin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loggedIn = false
}

func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now()
}

// registry - единственный источник истины о том, кто подключён и кто под
// каким ID вошёл. Все операции сериализуются мьютексом: к реестру
// обращаются обработчики всех соединений и фоновое обслуживание.
type registry struct {
	mu       sync.Mutex
	sessions []*Session // в порядке подключения
	byAddr   map[string]*Session
}

func newRegistry() *registry {
	return &registry{
		byAddr: make(map[string]*Session),
	}
}

func (r *registry) register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, s)
	r.byAddr[s.addr] = s
}

func (r *registry) unregister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byAddr, s.addr)
	for i, cur := range r.sessions {
		if cur == s {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			break
		}
	}
}

func (r *registry) findByAddr(addr string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byAddr[addr]
	return s, ok
}

// findOnlineUser возвращает первую по порядку подключения сессию,
// вошедшую под данным ID. Единственность активной сессии на пользователя
// не навязывается: при повторном входе выигрывает первая.
func (r *registry) findOnlineUser(userID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.LoggedIn() && s.UserID() == userID {
			return s, true
		}
	}
	return nil, false
}

// contains проверяет, что сессия всё ещё зарегистрирована (не отвалилась).
func (r *registry) contains(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byAddr[s.addr] == s
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *registry) snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, len(r.sessions))
	copy(out, r.sessions)
	return out
}
