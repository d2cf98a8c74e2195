package transport

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// MaxFrameSize ограничивает размер одного блока: 64 KB
const MaxFrameSize = 64 * 1024

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum block size")
	ErrClosed        = errors.New("connection closed")
)

// Conn оборачивает net.Conn в канал кадров: каждый кадр передаётся одним
// блоком с 4-байтовым префиксом длины (сетевой порядок байт). Частичная
// доставка блока наружу не видна: либо кадр целиком, либо ошибка чтения.
type Conn struct {
	conn net.Conn

	// записи сериализуются: в одно соединение пишут и обработчик
	// соединения, и фоновая повторная отправка
	wmu sync.Mutex
}

func NewConn(c net.Conn) *Conn {
	return &Conn{conn: c}
}

// SendFrame отправляет один кадр одним блоком. Кадр длиннее MaxFrameSize
// не отправляется вовсе.
func (c *Conn) SendFrame(payload string, timeout time.Duration) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if timeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)

	if _, err := c.conn.Write(buf); err != nil {
		return err
	}
	return nil
}

// ReceiveFrame читает один кадр целиком. Таймаут используется как короткий
// интервал опроса: вызывающий различает его через IsTimeout и продолжает
// цикл чтения.
func (c *Conn) ReceiveFrame(timeout time.Duration) (string, error) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	}

	var header [4]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		if err == io.EOF {
			return "", ErrClosed
		}
		return "", err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return "", ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		// заголовок уже прочитан - обрыв посреди блока считаем фатальным
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return "", ErrClosed
		}
		return "", err
	}

	return string(payload), nil
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// IsTimeout сообщает, была ли ошибка чтения обычным истечением интервала
// опроса, после которого цикл чтения продолжается.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
