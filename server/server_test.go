package server

import (
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"pipechat/config"
	"pipechat/models"
	"pipechat/protocol"
)

// setupTestServer создает тестовый сервер без слушателя: соединения
// подаются напрямую в HandleConnection через net.Pipe.
func setupTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()

	cfg := config.Default()
	cfg.ReadTimeout = 50 * time.Millisecond
	cfg.WriteTimeout = 2 * time.Second
	cfg.AckWait = 2 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(cfg, nil, nil, logger)
	srv.running.Store(true)

	t.Cleanup(func() {
		srv.running.Store(false)
		srv.pool.Shutdown()
	})
	return srv
}

// createTestConnection создает пару концов для симуляции клиента
func createTestConnection() (net.Conn, net.Conn) {
	serverConn, clientConn := net.Pipe()
	return serverConn, clientConn
}

// sendFrame отправляет кадр с 4-байтовым префиксом длины
func sendFrame(t *testing.T, conn net.Conn, payload string) {
	t.Helper()

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	if _, err := conn.Write(header); err != nil {
		t.Fatalf("Failed to write frame header: %v", err)
	}
	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Fatalf("Failed to write frame payload: %v", err)
	}
}

// readFrame читает один кадр с 4-байтовым префиксом длины
func readFrame(t *testing.T, conn net.Conn, timeout time.Duration) string {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(timeout))
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("Failed to read frame header: %v", err)
	}
	payload := make([]byte, binary.BigEndian.Uint32(header))
	if _, err := io.ReadFull(conn, payload); err != nil {
		t.Fatalf("Failed to read frame payload: %v", err)
	}
	return string(payload)
}

// TestLogin тестирует вход и привязку пользователя к сессии
func TestLogin(t *testing.T) {
	srv := setupTestServer(t, nil)

	serverConn, clientConn := createTestConnection()
	defer serverConn.Close()
	defer clientConn.Close()

	go srv.HandleConnection(serverConn)

	sendFrame(t, clientConn, "LOGIN|alice")

	response := readFrame(t, clientConn, 5*time.Second)
	expected := "RESPONSE|SUCCESS|LOGIN_OK|login ok"
	if response != expected {
		t.Errorf("Expected %q, got %q", expected, response)
	}

	if _, online := srv.registry.findOnlineUser("alice"); !online {
		t.Error("Expected alice to be online after login")
	}
}

// TestLoginEmptyUser тестирует вход с пустым ID пользователя
func TestLoginEmptyUser(t *testing.T) {
	srv := setupTestServer(t, nil)

	serverConn, clientConn := createTestConnection()
	defer serverConn.Close()
	defer clientConn.Close()

	go srv.HandleConnection(serverConn)

	sendFrame(t, clientConn, "LOGIN|")

	response := readFrame(t, clientConn, 5*time.Second)
	if !strings.HasPrefix(response, "RESPONSE|ERROR|LOGIN_FAILED|") {
		t.Errorf("Expected RESPONSE|ERROR|LOGIN_FAILED|..., got %q", response)
	}
}

// TestMessageToOfflineUser тестирует кэширование сообщения для
// отключенного получателя
func TestMessageToOfflineUser(t *testing.T) {
	srv := setupTestServer(t, nil)

	serverConn, clientConn := createTestConnection()
	defer serverConn.Close()
	defer clientConn.Close()

	go srv.HandleConnection(serverConn)

	sendFrame(t, clientConn, "LOGIN|alice")
	readFrame(t, clientConn, 5*time.Second)

	sendFrame(t, clientConn, "MESSAGE||alice|bob|hello there|")

	response := readFrame(t, clientConn, 5*time.Second)
	if !strings.HasPrefix(response, "RESPONSE|SUCCESS|MESSAGE_CACHED|") {
		t.Errorf("Expected RESPONSE|SUCCESS|MESSAGE_CACHED|..., got %q", response)
	}

	if got := srv.offline.Len("bob"); got != 1 {
		t.Errorf("Expected 1 cached message for bob, got %d", got)
	}
}

// TestLoginBundlesOfflineMessages тестирует вложение накопленных
// сообщений в ответ на вход
func TestLoginBundlesOfflineMessages(t *testing.T) {
	srv := setupTestServer(t, nil)

	for i := 0; i < 3; i++ {
		payload, err := protocol.EncodeMessage(protocol.Message{
			Sender:   "alice",
			Receiver: "bob",
			Content:  "queued " + string(rune('a'+i)),
		})
		if err != nil {
			t.Fatalf("Failed to encode message: %v", err)
		}
		srv.offline.Enqueue("bob", payload)
	}

	serverConn, clientConn := createTestConnection()
	defer serverConn.Close()
	defer clientConn.Close()

	go srv.HandleConnection(serverConn)

	sendFrame(t, clientConn, "LOGIN|bob")

	response := readFrame(t, clientConn, 5*time.Second)
	head, msgs, err := protocol.ParseLoginBundle(response)
	if err != nil {
		t.Fatalf("Failed to parse login bundle %q: %v", response, err)
	}
	if !head.Success || head.Status != "LOGIN_OK" {
		t.Errorf("Expected successful LOGIN_OK head, got %+v", head)
	}
	if len(msgs) != 3 {
		t.Fatalf("Expected 3 bundled messages, got %d: %q", len(msgs), response)
	}
	if !strings.Contains(msgs[0], "queued a") {
		t.Errorf("Expected oldest message first, got %q", msgs[0])
	}

	if got := srv.offline.Len("bob"); got != 0 {
		t.Errorf("Expected empty offline queue after bundling, got %d", got)
	}
}

// TestLoginBundleLimit тестирует, что в ответ вкладывается не больше
// лимита, а остаток сохраняется в очереди
func TestLoginBundleLimit(t *testing.T) {
	srv := setupTestServer(t, func(cfg *config.Config) {
		cfg.BundleLimit = 2
	})

	for i := 0; i < 5; i++ {
		payload, err := protocol.EncodeMessage(protocol.Message{
			Sender:   "alice",
			Receiver: "bob",
			Content:  "queued",
		})
		if err != nil {
			t.Fatalf("Failed to encode message: %v", err)
		}
		srv.offline.Enqueue("bob", payload)
	}

	serverConn, clientConn := createTestConnection()
	defer serverConn.Close()
	defer clientConn.Close()

	go srv.HandleConnection(serverConn)

	sendFrame(t, clientConn, "LOGIN|bob")

	response := readFrame(t, clientConn, 5*time.Second)
	_, msgs, err := protocol.ParseLoginBundle(response)
	if err != nil {
		t.Fatalf("Failed to parse login bundle: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("Expected 2 bundled messages, got %d", len(msgs))
	}

	// остаток дочищается фоновой горутиной; без подтверждений она
	// останавливается, не трогая очередь глубже первого кадра
	if got := srv.offline.Len("bob"); got > 3 {
		t.Errorf("Expected at most 3 messages left in queue, got %d", got)
	}
}

// TestOnlineDelivery тестирует доставку с подтверждением между двумя
// подключенными клиентами
func TestOnlineDelivery(t *testing.T) {
	srv := setupTestServer(t, nil)

	senderServerConn, senderClientConn := createTestConnection()
	recipientServerConn, recipientClientConn := createTestConnection()
	defer senderServerConn.Close()
	defer senderClientConn.Close()
	defer recipientServerConn.Close()
	defer recipientClientConn.Close()

	go srv.HandleConnection(senderServerConn)
	go srv.HandleConnection(recipientServerConn)

	sendFrame(t, senderClientConn, "LOGIN|alice")
	readFrame(t, senderClientConn, 5*time.Second)
	sendFrame(t, recipientClientConn, "LOGIN|bob")
	readFrame(t, recipientClientConn, 5*time.Second)

	// получатель подтверждает каждый входящий кадр MESSAGE
	go func() {
		recipientClientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
		header := make([]byte, 4)
		if _, err := io.ReadFull(recipientClientConn, header); err != nil {
			return
		}
		payload := make([]byte, binary.BigEndian.Uint32(header))
		if _, err := io.ReadFull(recipientClientConn, payload); err != nil {
			return
		}

		msg, err := protocol.DecodeMessage(string(payload))
		if err != nil {
			return
		}
		ack, err := protocol.EncodeAck(protocol.Ack{MessageID: msg.ID, ReceiverID: "bob"})
		if err != nil {
			return
		}

		recipientClientConn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		ackHeader := make([]byte, 4)
		binary.BigEndian.PutUint32(ackHeader, uint32(len(ack)))
		recipientClientConn.Write(ackHeader)
		recipientClientConn.Write([]byte(ack))
	}()

	sendFrame(t, senderClientConn, "MESSAGE||alice|bob|hi bob|")

	response := readFrame(t, senderClientConn, 5*time.Second)
	if !strings.HasPrefix(response, "RESPONSE|SUCCESS|MESSAGE_SENT|") {
		t.Errorf("Expected RESPONSE|SUCCESS|MESSAGE_SENT|..., got %q", response)
	}

	if got := srv.offline.Len("bob"); got != 0 {
		t.Errorf("Expected no cached messages after acknowledged delivery, got %d", got)
	}
}

// TestUnresponsiveRecipient тестирует откат в офлайн-хранилище, когда
// получатель подключен, но не подтверждает доставку
func TestUnresponsiveRecipient(t *testing.T) {
	srv := setupTestServer(t, func(cfg *config.Config) {
		cfg.AckWait = 300 * time.Millisecond
		cfg.RetryInterval = 10 * time.Second
	})

	senderServerConn, senderClientConn := createTestConnection()
	recipientServerConn, recipientClientConn := createTestConnection()
	defer senderServerConn.Close()
	defer senderClientConn.Close()
	defer recipientServerConn.Close()
	defer recipientClientConn.Close()

	go srv.HandleConnection(senderServerConn)
	go srv.HandleConnection(recipientServerConn)

	sendFrame(t, senderClientConn, "LOGIN|alice")
	readFrame(t, senderClientConn, 5*time.Second)
	sendFrame(t, recipientClientConn, "LOGIN|bob")
	readFrame(t, recipientClientConn, 5*time.Second)

	// получатель читает кадр, но молчит
	go func() {
		recipientClientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
		header := make([]byte, 4)
		if _, err := io.ReadFull(recipientClientConn, header); err != nil {
			return
		}
		payload := make([]byte, binary.BigEndian.Uint32(header))
		io.ReadFull(recipientClientConn, payload)
	}()

	sendFrame(t, senderClientConn, "MESSAGE||alice|bob|are you there|")

	response := readFrame(t, senderClientConn, 5*time.Second)
	if !strings.HasPrefix(response, "RESPONSE|ERROR|SEND_FAILED|") {
		t.Errorf("Expected RESPONSE|ERROR|SEND_FAILED|..., got %q", response)
	}

	if got := srv.offline.Len("bob"); got != 1 {
		t.Errorf("Expected 1 cached message after failed delivery, got %d", got)
	}
}

// TestGroupFanOut тестирует рассылку по участникам группы
func TestGroupFanOut(t *testing.T) {
	srv := setupTestServer(t, nil)
	srv.groups["team"] = models.Group{
		ID:      "team",
		Owner:   "alice",
		Members: []string{"alice", "bob", "carol"},
	}

	serverConn, clientConn := createTestConnection()
	defer serverConn.Close()
	defer clientConn.Close()

	go srv.HandleConnection(serverConn)

	sendFrame(t, clientConn, "LOGIN|alice")
	readFrame(t, clientConn, 5*time.Second)

	// оба получателя офлайн: всё уходит в хранилище
	sendFrame(t, clientConn, "MESSAGE||alice|team|standup in 5|")

	response := readFrame(t, clientConn, 5*time.Second)
	if !strings.HasPrefix(response, "RESPONSE|SUCCESS|GROUP_SENT|") {
		t.Errorf("Expected RESPONSE|SUCCESS|GROUP_SENT|..., got %q", response)
	}
	if !strings.Contains(response, "cached:2") {
		t.Errorf("Expected cached:2 in response, got %q", response)
	}

	if got := srv.offline.Len("bob"); got != 1 {
		t.Errorf("Expected 1 cached message for bob, got %d", got)
	}
	if got := srv.offline.Len("carol"); got != 1 {
		t.Errorf("Expected 1 cached message for carol, got %d", got)
	}
	if got := srv.offline.Len("alice"); got != 0 {
		t.Errorf("Sender must not receive own group message, got %d", got)
	}
}

// TestMalformedMessage тестирует ответ на неразборчивый кадр MESSAGE
func TestMalformedMessage(t *testing.T) {
	srv := setupTestServer(t, nil)

	serverConn, clientConn := createTestConnection()
	defer serverConn.Close()
	defer clientConn.Close()

	go srv.HandleConnection(serverConn)

	sendFrame(t, clientConn, "MESSAGE|only|three")

	response := readFrame(t, clientConn, 5*time.Second)
	if !strings.HasPrefix(response, "RESPONSE|ERROR|PROTOCOL_ERROR|") {
		t.Errorf("Expected RESPONSE|ERROR|PROTOCOL_ERROR|..., got %q", response)
	}
}

// TestUnknownCommand тестирует ответ на неизвестный тег
func TestUnknownCommand(t *testing.T) {
	srv := setupTestServer(t, nil)

	serverConn, clientConn := createTestConnection()
	defer serverConn.Close()
	defer clientConn.Close()

	go srv.HandleConnection(serverConn)

	sendFrame(t, clientConn, "FROBNICATE|stuff")

	response := readFrame(t, clientConn, 5*time.Second)
	if !strings.HasPrefix(response, "RESPONSE|ERROR|UNKNOWN_COMMAND|") {
		t.Errorf("Expected RESPONSE|ERROR|UNKNOWN_COMMAND|..., got %q", response)
	}
}

// TestHeartbeatSilent тестирует, что HEARTBEAT не порождает ответа
func TestHeartbeatSilent(t *testing.T) {
	srv := setupTestServer(t, nil)

	serverConn, clientConn := createTestConnection()
	defer serverConn.Close()
	defer clientConn.Close()

	go srv.HandleConnection(serverConn)

	sendFrame(t, clientConn, "HEARTBEAT|alice")
	sendFrame(t, clientConn, "LOGOUT|alice")

	// первый прочитанный кадр - ответ на LOGOUT, не на HEARTBEAT
	response := readFrame(t, clientConn, 5*time.Second)
	if !strings.HasPrefix(response, "RESPONSE|SUCCESS|LOGOUT_OK|") {
		t.Errorf("Expected RESPONSE|SUCCESS|LOGOUT_OK|..., got %q", response)
	}
}

// TestLogout тестирует выход: пользователь пропадает из онлайна, но
// соединение остается
func TestLogout(t *testing.T) {
	srv := setupTestServer(t, nil)

	serverConn, clientConn := createTestConnection()
	defer serverConn.Close()
	defer clientConn.Close()

	go srv.HandleConnection(serverConn)

	sendFrame(t, clientConn, "LOGIN|alice")
	readFrame(t, clientConn, 5*time.Second)

	sendFrame(t, clientConn, "LOGOUT|alice")
	response := readFrame(t, clientConn, 5*time.Second)
	if !strings.HasPrefix(response, "RESPONSE|SUCCESS|LOGOUT_OK|") {
		t.Errorf("Expected RESPONSE|SUCCESS|LOGOUT_OK|..., got %q", response)
	}

	if _, online := srv.registry.findOnlineUser("alice"); online {
		t.Error("Expected alice to be offline after logout")
	}
}

// TestDisconnectCleansRegistry тестирует снятие сессии с учета при
// разрыве соединения
func TestDisconnectCleansRegistry(t *testing.T) {
	srv := setupTestServer(t, nil)

	serverConn, clientConn := createTestConnection()

	done := make(chan struct{})
	go func() {
		srv.HandleConnection(serverConn)
		close(done)
	}()

	sendFrame(t, clientConn, "LOGIN|alice")
	readFrame(t, clientConn, 5*time.Second)

	clientConn.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Handler did not exit after client disconnect")
	}

	if _, online := srv.registry.findOnlineUser("alice"); online {
		t.Error("Expected alice to be offline after disconnect")
	}
	if got := srv.registry.count(); got != 0 {
		t.Errorf("Expected empty registry after disconnect, got %d", got)
	}
}

// TestGetStats тестирует сводку состояния сервера
func TestGetStats(t *testing.T) {
	srv := setupTestServer(t, nil)

	serverConn, clientConn := createTestConnection()
	defer serverConn.Close()
	defer clientConn.Close()

	go srv.HandleConnection(serverConn)

	sendFrame(t, clientConn, "LOGIN|alice")
	readFrame(t, clientConn, 5*time.Second)

	stats := srv.GetStats()
	if !strings.Contains(stats, "connections=1") {
		t.Errorf("Expected connections=1 in stats, got %q", stats)
	}
	if !strings.Contains(stats, "alice") {
		t.Errorf("Expected alice in stats, got %q", stats)
	}
}
