package protocol

import (
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var (
	ErrMalformed = errors.New("malformed protocol frame")
)

// Type определяет класс кадра по ведущему тегу.
type Type int

const (
	TypeUnknown Type = iota
	TypeLogin
	TypeLogout
	TypeMessage
	TypeResponse
	TypeHeartbeat
	TypeAck
)

const (
	TagLogin     = "LOGIN"
	TagLogout    = "LOGOUT"
	TagMessage   = "MESSAGE"
	TagResponse  = "RESPONSE"
	TagHeartbeat = "HEARTBEAT"
	TagAck       = "ACK"
)

// TimeLayout - формат временных меток внутри кадров
const TimeLayout = "2006-01-02 15:04:05"

// MaxContentLength ограничивает длину текста одного сообщения
const MaxContentLength = 1000

// Message - пользовательское сообщение. ID присваивается один раз и
// сохраняется при повторных отправках и офлайн-хранении.
type Message struct {
	ID        string
	Sender    string
	Receiver  string
	Content   string
	Timestamp string
}

// Ack - подтверждение получения сообщения с конкретным ID.
type Ack struct {
	MessageID  string
	ReceiverID string
	Timestamp  string
}

// Response - ответ сервера на команду клиента.
type Response struct {
	Success bool
	Status  string
	Text    string
	Extra   []string
}

func (t Type) String() string {
	switch t {
	case TypeLogin:
		return TagLogin
	case TypeLogout:
		return TagLogout
	case TypeMessage:
		return TagMessage
	case TypeResponse:
		return TagResponse
	case TypeHeartbeat:
		return TagHeartbeat
	case TypeAck:
		return TagAck
	}
	return "UNKNOWN"
}

// Classify определяет тип кадра по тегу до первого разделителя.
func Classify(raw string) Type {
	tag := raw
	if pos := strings.IndexByte(raw, '|'); pos >= 0 {
		tag = raw[:pos]
	}

	switch tag {
	case TagLogin:
		return TypeLogin
	case TagLogout:
		return TypeLogout
	case TagMessage:
		return TypeMessage
	case TagResponse:
		return TypeResponse
	case TagHeartbeat:
		return TypeHeartbeat
	case TagAck:
		return TypeAck
	default:
		return TypeUnknown
	}
}

func validateMessage(m Message) bool {
	return m.Sender != "" &&
		m.Receiver != "" &&
		m.Content != "" &&
		len(m.Content) <= MaxContentLength
}

// EncodeMessage сериализует сообщение в формат
// MESSAGE|id|sender|receiver|content|timestamp.
// Пустая временная метка заменяется текущим временем.
func EncodeMessage(m Message) (string, error) {
	if !validateMessage(m) {
		return "", ErrMalformed
	}

	ts := m.Timestamp
	if ts == "" {
		ts = Now()
	}

	return TagMessage + "|" + m.ID + "|" + m.Sender + "|" + m.Receiver + "|" + m.Content + "|" + ts, nil
}

// DecodeMessage разбирает кадр MESSAGE. ID может быть пустым (будет
// присвоен при надёжной отправке), временная метка опциональна.
func DecodeMessage(raw string) (Message, error) {
	parts := strings.Split(raw, "|")
	if parts[0] != TagMessage || len(parts) < 5 {
		return Message{}, ErrMalformed
	}

	m := Message{
		ID:       parts[1],
		Sender:   parts[2],
		Receiver: parts[3],
		Content:  parts[4],
	}

	// timestamp - остаток кадра, сам может содержать разделители
	if len(parts) > 5 {
		m.Timestamp = strings.Join(parts[5:], "|")
	}
	if m.Timestamp == "" {
		m.Timestamp = Now()
	}

	if !validateMessage(m) {
		return Message{}, ErrMalformed
	}
	return m, nil
}

// EncodeAck сериализует подтверждение в формат ACK|messageId|receiverId|timestamp.
func EncodeAck(a Ack) (string, error) {
	if a.MessageID == "" || a.ReceiverID == "" {
		return "", ErrMalformed
	}

	ts := a.Timestamp
	if ts == "" {
		ts = Now()
	}

	return TagAck + "|" + a.MessageID + "|" + a.ReceiverID + "|" + ts, nil
}

// DecodeAck разбирает кадр ACK.
func DecodeAck(raw string) (Ack, error) {
	parts := strings.Split(raw, "|")
	if parts[0] != TagAck || len(parts) < 4 {
		return Ack{}, ErrMalformed
	}

	a := Ack{
		MessageID:  parts[1],
		ReceiverID: parts[2],
		Timestamp:  strings.Join(parts[3:], "|"),
	}

	if a.MessageID == "" || a.ReceiverID == "" {
		return Ack{}, ErrMalformed
	}
	return a, nil
}

// EncodeResponse сериализует ответ в формат
// RESPONSE|SUCCESS/ERROR|status|text[|extra1,extra2,...].
func EncodeResponse(r Response) string {
	result := "SUCCESS"
	if !r.Success {
		result = "ERROR"
	}

	out := TagResponse + "|" + result + "|" + r.Status + "|" + r.Text
	if len(r.Extra) > 0 {
		out += "|" + strings.Join(r.Extra, ",")
	}
	return out
}

// DecodeResponse разбирает обычный ответ сервера (без вложенных кадров).
func DecodeResponse(raw string) (Response, error) {
	parts := strings.Split(raw, "|")
	if parts[0] != TagResponse || len(parts) < 2 {
		return Response{}, ErrMalformed
	}

	r := Response{Success: parts[1] == "SUCCESS"}
	if len(parts) > 2 {
		r.Status = parts[2]
	}
	if len(parts) > 3 {
		r.Text = parts[3]
	}
	if len(parts) > 4 {
		// дополнительные данные - остаток кадра, разделённый запятыми
		for _, item := range strings.Split(strings.Join(parts[4:], "|"), ",") {
			if item != "" {
				r.Extra = append(r.Extra, item)
			}
		}
	}
	return r, nil
}

const offlineCountPrefix = "OFFLINE_COUNT:"

// BuildLoginBundle собирает ответ на LOGIN. Без офлайн-сообщений это
// обычный RESPONSE|SUCCESS|LOGIN_OK|text; иначе к нему добавляется
// сегмент OFFLINE_COUNT:n и сами кадры MESSAGE через разделитель.
func BuildLoginBundle(text string, msgs []string) string {
	out := TagResponse + "|SUCCESS|LOGIN_OK|" + text
	if len(msgs) == 0 {
		return out
	}

	out += "|" + offlineCountPrefix + strconv.Itoa(len(msgs))
	for _, m := range msgs {
		out += "|" + m
	}
	return out
}

// ParseLoginBundle извлекает вложенные кадры MESSAGE из ответа на LOGIN.
// Границы кадров ищутся по вхождению "MESSAGE|", а не подсчётом
// разделителей: поля вложенных кадров - свободный текст без доп. структуры.
func ParseLoginBundle(raw string) (Response, []string, error) {
	pos := strings.Index(raw, "|"+offlineCountPrefix)
	if pos < 0 {
		r, err := DecodeResponse(raw)
		return r, nil, err
	}

	head, err := DecodeResponse(raw[:pos])
	if err != nil {
		return Response{}, nil, err
	}

	rest := raw[pos+1:]
	sep := strings.IndexByte(rest, '|')
	if sep < 0 {
		return Response{}, nil, ErrMalformed
	}
	count, err := strconv.Atoi(strings.TrimPrefix(rest[:sep], offlineCountPrefix))
	if err != nil || count < 0 {
		return Response{}, nil, ErrMalformed
	}

	// границы кадров: следующее вхождение MESSAGE| сразу после разделителя
	body := rest[sep+1:]
	var bounds []int
	for i := 0; i+len(TagMessage) < len(body); i++ {
		if strings.HasPrefix(body[i:], TagMessage+"|") && (i == 0 || body[i-1] == '|') {
			bounds = append(bounds, i)
		}
	}
	if len(bounds) != count {
		return Response{}, nil, ErrMalformed
	}

	msgs := make([]string, 0, count)
	for i, start := range bounds {
		end := len(body)
		if i+1 < len(bounds) {
			end = bounds[i+1] - 1 // без разделителя перед следующим кадром
		}
		msgs = append(msgs, body[start:end])
	}
	return head, msgs, nil
}

var messageCounter atomic.Uint64

// NewMessageID генерирует уникальный в пределах процесса ID сообщения:
// миллисекунды эпохи плюс атомарный счётчик.
func NewMessageID() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10) + "_" +
		strconv.FormatUint(messageCounter.Add(1), 10)
}

// Now возвращает текущую временную метку в формате кадра.
func Now() string {
	return time.Now().Format(TimeLayout)
}
