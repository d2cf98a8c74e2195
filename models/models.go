package models

import "time"

// User - запись каталога пользователей. Пароль хранится только в виде
// bcrypt-хэша и на горячем пути входа не проверяется.
type User struct {
	ID           string
	Nickname     string
	Location     string
	PasswordHash string
}

// Group - запись каталога групп. Получатель сообщения может быть группой:
// тогда сообщение рассылается всем участникам.
type Group struct {
	ID      string
	Owner   string
	Members []string
}

// Message - доставляемое сообщение в разобранном виде.
type Message struct {
	ID        string
	Sender    string
	Receiver  string
	Content   string
	Timestamp time.Time
}
