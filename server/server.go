package server

import (
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pipechat/config"
	"pipechat/models"
	"pipechat/pool"
	"pipechat/protocol"
	"pipechat/transport"
)

// Server принимает соединения, держит по одной горутине-обработчику на
// соединение и гоняет фоновое обслуживание доставок независимо от
// отдельных соединений.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *registry
	offline  *offlineStore
	tracker  *deliveryTracker
	pool     *pool.Pool

	// каталог загружается на старте и сохраняется на остановке;
	// на горячем пути он только читается
	users  map[string]models.User
	groups map[string]models.Group

	listener net.Listener
	running  atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(cfg *config.Config, users map[string]models.User, groups map[string]models.Group, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if users == nil {
		users = make(map[string]models.User)
	}
	if groups == nil {
		groups = make(map[string]models.Group)
	}

	reg := newRegistry()
	offline := newOfflineStore(cfg.OfflineCapacity, logger)
	tracker := newDeliveryTracker(trackerConfig{
		ackWait:       cfg.AckWait,
		retryInterval: cfg.RetryInterval,
		maxRetries:    cfg.MaxRetries,
		staleAfter:    cfg.StaleAfter,
		writeTimeout:  cfg.WriteTimeout,
	}, reg, offline, logger)

	return &Server{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		offline:  offline,
		tracker:  tracker,
		pool:     pool.New(8),
		users:    users,
		groups:   groups,
		stopCh:   make(chan struct{}),
	}
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.cfg.Port))
	if err != nil {
		return err
	}
	s.listener = listener
	s.running.Store(true)

	s.wg.Add(2)
	go s.acceptLoop()
	go s.housekeeping()

	s.logger.Info("pipechat server started", "port", s.cfg.Port)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for s.running.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.HandleConnection(conn)
		}()
	}
}

// HandleConnection обслуживает одно соединение: цикл читает по кадру,
// передаёт его маршрутизатору и пишет обратно ответный кадр, если тот
// есть. Чтение идёт с коротким таймаутом опроса, чтобы цикл замечал
// остановку сервера.
func (s *Server) HandleConnection(conn net.Conn) {
	tc := transport.NewConn(conn)
	addr := conn.RemoteAddr().String()

	sess := newSession(tc, addr)
	s.registry.register(sess)
	ConnectedSessions.Set(float64(s.registry.count()))
	s.logger.Info("client connected", "addr", addr)

	defer func() {
		s.registry.unregister(sess)
		s.tracker.DropSession(sess)
		tc.Close()
		ConnectedSessions.Set(float64(s.registry.count()))
		if user := sess.UserID(); user != "" {
			s.logger.Info("client disconnected", "user", user, "addr", addr)
		} else {
			s.logger.Info("client disconnected", "addr", addr)
		}
	}()

	for s.running.Load() {
		raw, err := tc.ReceiveFrame(s.cfg.ReadTimeout)
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			if err != transport.ErrClosed && !isClosedConn(err) {
				s.logger.Warn("read failed, tearing down session", "addr", addr, "error", err)
			}
			return
		}

		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		sess.touch()
		frameType := protocol.Classify(raw)

		if resp := s.routeFrame(sess, raw); resp != "" {
			if err := tc.SendFrame(resp, s.cfg.WriteTimeout); err != nil {
				s.logger.Warn("write failed, tearing down session", "addr", addr, "error", err)
				return
			}
		}

		// дочистка офлайн-очереди стартует после записи ответа на LOGIN,
		// чтобы ответ с вложенными кадрами ушёл первым
		if frameType == protocol.TypeLogin && sess.LoggedIn() && !s.offline.IsEmpty(sess.UserID()) {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.deliverOffline(sess)
			}()
		}
	}
}

// housekeeping гоняет повторные отправки и страховочную чистку
// независимо от отдельных соединений.
func (s *Server) housekeeping() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	staleTicker := time.NewTicker(30 * time.Second)
	defer staleTicker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tracker.ProcessRetries()
		case <-staleTicker.C:
			s.tracker.SweepStale()
		case <-s.stopCh:
			return
		}
	}
}

// Stop останавливает приём, даёт обработчикам дочитать текущий кадр и
// выйти на следующем опросе, глушит обслуживание. Сессии принудительно
// не рвутся - их снимает с учёта собственный обработчик.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	s.logger.Info("shutting down")

	if s.listener != nil {
		s.listener.Close()
	}
	close(s.stopCh)

	s.wg.Wait()
	s.pool.Shutdown()

	s.logger.Info("shutdown complete")
}

// GetStats returns server statistics as a formatted string.
func (s *Server) GetStats() string {
	sessions := s.registry.snapshot()

	var users []string
	for _, sess := range sessions {
		if sess.LoggedIn() {
			users = append(users, sess.UserID())
		}
	}

	return "connections=" + strconv.Itoa(len(sessions)) +
		",users=" + strings.Join(users, ";") +
		",pending=" + strconv.Itoa(s.tracker.pendingCount())
}

// Users отдаёт каталог пользователей для сохранения на остановке.
func (s *Server) Users() map[string]models.User {
	return s.users
}

// Groups отдаёт каталог групп для сохранения на остановке.
func (s *Server) Groups() map[string]models.Group {
	return s.groups
}

func isClosedConn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}
