package db

import (
	"database/sql"
	"errors"

	"pipechat/models"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

var ErrNoRows = errors.New("no rows found")

// DB - каталог пользователей и групп. Используется только при старте и
// остановке процесса, на горячем пути доставки каталог не трогается.
type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			login TEXT UNIQUE NOT NULL,
			nickname TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			password TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS chat_groups (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			gid TEXT UNIQUE NOT NULL,
			owner TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS group_members (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			gid TEXT NOT NULL,
			member TEXT NOT NULL,
			UNIQUE(gid, member)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_group_members_gid ON group_members(gid)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// User methods

// CreateUser registers a directory record with a bcrypt-hashed password.
func (db *DB) CreateUser(login, password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	_, err = db.conn.Exec(
		"INSERT INTO users (login, password) VALUES (?, ?)",
		login, string(hashed),
	)
	return err
}

// AuthenticateUser verifies a password against the stored hash. The login
// hot path does not call this; it exists for operator tooling.
func (db *DB) AuthenticateUser(login, password string) (bool, error) {
	var hashedPassword string
	err := db.conn.QueryRow("SELECT password FROM users WHERE login = ?", login).Scan(&hashedPassword)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	err = bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
	return err == nil, nil
}

func (db *DB) UserExists(login string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE login = ?", login).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// LoadUsers reads the whole user directory into memory.
func (db *DB) LoadUsers() (map[string]models.User, error) {
	rows, err := db.conn.Query("SELECT login, nickname, location, password FROM users")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make(map[string]models.User)
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Nickname, &u.Location, &u.PasswordHash); err != nil {
			return nil, err
		}
		users[u.ID] = u
	}

	return users, rows.Err()
}

// SaveUsers writes the in-memory user directory back, replacing stored rows.
func (db *DB) SaveUsers(users map[string]models.User) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, u := range users {
		_, err := tx.Exec(
			`INSERT INTO users (login, nickname, location, password) VALUES (?, ?, ?, ?)
			 ON CONFLICT(login) DO UPDATE SET nickname = ?, location = ?, password = ?`,
			u.ID, u.Nickname, u.Location, u.PasswordHash,
			u.Nickname, u.Location, u.PasswordHash,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Group methods

// LoadGroups reads the whole group directory, members included.
func (db *DB) LoadGroups() (map[string]models.Group, error) {
	rows, err := db.conn.Query("SELECT gid, owner FROM chat_groups")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	groups := make(map[string]models.Group)
	for rows.Next() {
		var g models.Group
		if err := rows.Scan(&g.ID, &g.Owner); err != nil {
			return nil, err
		}
		groups[g.ID] = g
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	memberRows, err := db.conn.Query("SELECT gid, member FROM group_members ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer memberRows.Close()

	for memberRows.Next() {
		var gid, member string
		if err := memberRows.Scan(&gid, &member); err != nil {
			return nil, err
		}
		if g, ok := groups[gid]; ok {
			g.Members = append(g.Members, member)
			groups[gid] = g
		}
	}

	return groups, memberRows.Err()
}

// SaveGroups writes the in-memory group directory back, replacing member lists.
func (db *DB) SaveGroups(groups map[string]models.Group) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, g := range groups {
		_, err := tx.Exec(
			`INSERT INTO chat_groups (gid, owner) VALUES (?, ?)
			 ON CONFLICT(gid) DO UPDATE SET owner = ?`,
			g.ID, g.Owner, g.Owner,
		)
		if err != nil {
			return err
		}

		// состав группы переписывается целиком
		if _, err := tx.Exec("DELETE FROM group_members WHERE gid = ?", g.ID); err != nil {
			return err
		}
		for _, member := range g.Members {
			if _, err := tx.Exec("INSERT INTO group_members (gid, member) VALUES (?, ?)", g.ID, member); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

func (db *DB) GroupExists(gid string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM chat_groups WHERE gid = ?", gid).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
