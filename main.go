package main

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pipechat/config"
	"pipechat/db"
	"pipechat/server"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const controlSocketPath = "/tmp/pipechat.sock"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.Error("failed to initialize database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer database.Close()

	users, err := database.LoadUsers()
	if err != nil {
		logger.Error("failed to load user directory", "error", err)
		os.Exit(1)
	}
	groups, err := database.LoadGroups()
	if err != nil {
		logger.Error("failed to load group directory", "error", err)
		os.Exit(1)
	}
	logger.Info("directory loaded", "users", len(users), "groups", len(groups))

	srv := server.New(cfg, users, groups, logger)

	// Metrics endpoint for scraping
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics endpoint stopped", "addr", cfg.MetricsAddr, "error", err)
		}
	}()

	// Control socket for management commands
	shutdownCh := make(chan struct{}, 1)
	go startControlSocket(srv, logger, shutdownCh)

	// Handle signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := srv.Start(); err != nil {
		logger.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	select {
	case sig := <-sigChan:
		logger.Info("signal received, shutting down", "signal", sig.String())
	case <-shutdownCh:
		logger.Info("shutdown requested via control socket")
	}

	srv.Stop()

	// каталог сохраняется после остановки приёма, когда его больше никто
	// не читает
	if err := database.SaveUsers(srv.Users()); err != nil {
		logger.Error("failed to save user directory", "error", err)
	}
	if err := database.SaveGroups(srv.Groups()); err != nil {
		logger.Error("failed to save group directory", "error", err)
	}

	os.Remove(controlSocketPath)
}

func startControlSocket(srv *server.Server, logger *slog.Logger, shutdownCh chan<- struct{}) {
	// Remove existing socket file
	os.Remove(controlSocketPath)

	listener, err := net.Listen("unix", controlSocketPath)
	if err != nil {
		logger.Warn("failed to create control socket", "path", controlSocketPath, "error", err)
		return
	}
	defer listener.Close()

	logger.Info("control socket listening", "path", controlSocketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}

		go handleControlCommand(srv, conn, shutdownCh)
	}
}

func handleControlCommand(srv *server.Server, conn net.Conn, shutdownCh chan<- struct{}) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	switch strings.TrimSpace(line) {
	case "stats":
		conn.Write([]byte("OK|" + srv.GetStats() + "\n"))

	case "shutdown":
		conn.Write([]byte("OK|Shutting down\n"))

		// Give time for response to be sent
		time.Sleep(100 * time.Millisecond)

		select {
		case shutdownCh <- struct{}{}:
		default:
		}

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
