package auth

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Lockout thresholds for failed admin logins.
const (
	streakLimit   = 10 // consecutive failures per user
	streakLock    = time.Hour
	dailyLimit    = 50 // failures per user per UTC day
	ipStreakLimit = 100
	ipStreakLock  = 10 * 24 * time.Hour
	attemptMaxAge = 30 * 24 * time.Hour
)

// Streaks are counted since the most recent success; the epoch placeholder
// makes the subquery cover the full history when no success exists.
const (
	qUserStreakCount = `SELECT COUNT(*) FROM login_attempts
		WHERE username = ? AND success = 0 AND created_at > (
			SELECT COALESCE(MAX(created_at), '1970-01-01') FROM login_attempts WHERE username = ? AND success = 1)`

	qUserStreakStart = `SELECT created_at FROM login_attempts
		WHERE username = ? AND success = 0 AND created_at > (
			SELECT COALESCE(MAX(created_at), '1970-01-01') FROM login_attempts WHERE username = ? AND success = 1)
		ORDER BY created_at ASC LIMIT 1`

	qIPStreakCount = `SELECT COUNT(*) FROM login_attempts
		WHERE ip = ? AND success = 0 AND created_at > (
			SELECT COALESCE(MAX(created_at), '1970-01-01') FROM login_attempts WHERE ip = ? AND success = 1)`
)

// qIPNthFailure finds the timestamp of the failure that completed an IP
// streak, so the 10-day lock runs from there.
var qIPNthFailure = fmt.Sprintf(
	`SELECT created_at FROM login_attempts WHERE ip = ? AND success = 0 ORDER BY created_at DESC LIMIT 1 OFFSET %d`,
	ipStreakLimit-1)

// LoginLimiter tracks failed admin login attempts and enforces lockouts:
// 10 consecutive failures lock the account for an hour, 50 failures in a
// UTC day lock it until the next day, and 100 consecutive failures from
// one IP lock that IP for 10 days. Operators can add manual bans on top.
type LoginLimiter struct {
	db *sql.DB
	mu sync.Mutex
}

// NewLoginLimiter creates a LoginLimiter backed by the given database.
func NewLoginLimiter(db *sql.DB) *LoginLimiter {
	return &LoginLimiter{db: db}
}

// CheckAllowed returns nil if the login attempt is allowed, or an error
// describing the lockout.
func (l *LoginLimiter) CheckAllowed(username, ip string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	if reason := l.manualBanReason(username, ip, now); reason != "" {
		return errors.New(reason)
	}
	if err := l.checkIPStreak(ip, now); err != nil {
		return err
	}
	if err := l.checkDailyLimit(username, now); err != nil {
		return err
	}
	return l.checkUserStreak(username, now)
}

// manualBanReason returns the reason of an active manual ban matching the
// username or IP, or "" when none applies.
func (l *LoginLimiter) manualBanReason(username, ip string, now time.Time) string {
	var reason string
	l.db.QueryRow(
		`SELECT reason FROM login_bans WHERE (username = ? OR ip = ?) AND unlocks_at > ? LIMIT 1`,
		username, ip, stamp(now),
	).Scan(&reason)
	return reason
}

func (l *LoginLimiter) checkIPStreak(ip string, now time.Time) error {
	n, err := l.count(qIPStreakCount, ip, ip)
	if err != nil {
		return err
	}
	if n < ipStreakLimit {
		return nil
	}
	at, ok := l.stampAt(qIPNthFailure, ip)
	if !ok {
		return nil
	}
	unlocks := at.Add(ipStreakLock)
	if !now.Before(unlocks) {
		return nil
	}
	if days := int(unlocks.Sub(now).Hours() / 24); days >= 1 {
		return fmt.Errorf("this IP is locked, %d days remaining", days)
	}
	return errors.New("this IP is locked, less than a day remaining")
}

func (l *LoginLimiter) checkDailyLimit(username string, now time.Time) error {
	dayStart, dayEnd := dayWindow(now)
	n, err := l.count(
		`SELECT COUNT(*) FROM login_attempts WHERE username = ? AND success = 0 AND created_at >= ? AND created_at < ?`,
		username, dayStart, dayEnd)
	if err != nil {
		return err
	}
	if n >= dailyLimit {
		return errors.New("too many failed logins today, account locked until tomorrow")
	}
	return nil
}

func (l *LoginLimiter) checkUserStreak(username string, now time.Time) error {
	n, err := l.count(qUserStreakCount, username, username)
	if err != nil {
		return err
	}
	if n < streakLimit {
		return nil
	}
	// The lock runs from the first failure of the streak; stale streaks
	// age out on their own.
	at, ok := l.stampAt(qUserStreakStart, username, username)
	if !ok {
		return nil
	}
	unlocks := at.Add(streakLock)
	if !now.Before(unlocks) {
		return nil
	}
	if mins := int(unlocks.Sub(now).Minutes()); mins >= 1 {
		return fmt.Errorf("too many consecutive failures, try again in %d minutes", mins)
	}
	return errors.New("too many consecutive failures, try again shortly")
}

// RecordAttempt records a login attempt (success or failure).
func (l *LoginLimiter) RecordAttempt(username, ip string, success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	flag := 0
	if success {
		flag = 1
	}
	l.db.Exec(
		`INSERT INTO login_attempts (username, ip, success, created_at) VALUES (?, ?, ?, ?)`,
		username, ip, flag, stamp(time.Now().UTC()),
	)
}

// CleanOld removes login attempt records past the retention window.
func (l *LoginLimiter) CleanOld() {
	l.db.Exec(`DELETE FROM login_attempts WHERE created_at < ?`,
		stamp(time.Now().UTC().Add(-attemptMaxAge)))
}

// BanEntry represents a banned username or IP for display in the admin UI.
type BanEntry struct {
	Type      string `json:"type"` // "user_consecutive", "user_daily", "ip", "manual_*"
	Username  string `json:"username"`
	IP        string `json:"ip"`
	FailCount int    `json:"fail_count"`
	Reason    string `json:"reason"`
	UnlocksAt string `json:"unlocks_at"`
	IsManual  bool   `json:"is_manual"`
}

// ListBans returns all currently active login bans (user-level and IP-level).
func (l *LoginLimiter) ListBans() []BanEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	bans := l.manualBans(now)
	bans = append(bans, l.userStreakBans(now)...)
	bans = append(bans, l.dailyBans(now)...)
	return append(bans, l.ipStreakBans(now)...)
}

func (l *LoginLimiter) manualBans(now time.Time) []BanEntry {
	rows, err := l.db.Query(
		`SELECT username, ip, reason, unlocks_at FROM login_bans WHERE unlocks_at > ?`, stamp(now))
	if err != nil {
		return nil
	}
	defer rows.Close()

	var bans []BanEntry
	for rows.Next() {
		b := BanEntry{IsManual: true, Type: "manual_ip"}
		rows.Scan(&b.Username, &b.IP, &b.Reason, &b.UnlocksAt)
		if b.Username != "" {
			b.Type = "manual_user"
		}
		bans = append(bans, b)
	}
	return bans
}

func (l *LoginLimiter) userStreakBans(now time.Time) []BanEntry {
	hits := l.groupedFailures(`SELECT username, COUNT(*) AS cnt FROM login_attempts
		WHERE success = 0 AND created_at > (
			SELECT COALESCE(MAX(la2.created_at), '1970-01-01') FROM login_attempts la2
			WHERE la2.username = login_attempts.username AND la2.success = 1)
		GROUP BY username HAVING cnt >= ?`, streakLimit)

	var bans []BanEntry
	for _, h := range hits {
		at, ok := l.stampAt(qUserStreakStart, h.key, h.key)
		if !ok {
			continue
		}
		unlocks := at.Add(streakLock)
		if now.Before(unlocks) {
			bans = append(bans, BanEntry{
				Type:      "user_consecutive",
				Username:  h.key,
				FailCount: h.count,
				Reason:    fmt.Sprintf("%d consecutive failures, locked for 1 hour", h.count),
				UnlocksAt: stamp(unlocks),
			})
		}
	}
	return bans
}

func (l *LoginLimiter) dailyBans(now time.Time) []BanEntry {
	dayStart, dayEnd := dayWindow(now)
	rows, err := l.db.Query(`SELECT username, COUNT(*) AS cnt FROM login_attempts
		WHERE success = 0 AND created_at >= ? AND created_at < ?
		GROUP BY username HAVING cnt >= ?`, dayStart, dayEnd, dailyLimit)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var bans []BanEntry
	for rows.Next() {
		b := BanEntry{Type: "user_daily", UnlocksAt: dayEnd}
		rows.Scan(&b.Username, &b.FailCount)
		b.Reason = fmt.Sprintf("%d failures today, locked until tomorrow", b.FailCount)
		bans = append(bans, b)
	}
	return bans
}

func (l *LoginLimiter) ipStreakBans(now time.Time) []BanEntry {
	hits := l.groupedFailures(`SELECT ip, COUNT(*) AS cnt FROM login_attempts
		WHERE success = 0 AND created_at > (
			SELECT COALESCE(MAX(la2.created_at), '1970-01-01') FROM login_attempts la2
			WHERE la2.ip = login_attempts.ip AND la2.success = 1)
		GROUP BY ip HAVING cnt >= ?`, ipStreakLimit)

	var bans []BanEntry
	for _, h := range hits {
		at, ok := l.stampAt(qIPNthFailure, h.key)
		if !ok {
			continue
		}
		unlocks := at.Add(ipStreakLock)
		if now.Before(unlocks) {
			bans = append(bans, BanEntry{
				Type:      "ip",
				IP:        h.key,
				FailCount: h.count,
				Reason:    fmt.Sprintf("IP had %d consecutive failures, locked for 10 days", h.count),
				UnlocksAt: stamp(unlocks),
			})
		}
	}
	return bans
}

// Unban lifts the bans for a username or IP: manual bans are deleted and a
// synthetic success resets the failure streaks.
func (l *LoginLimiter) Unban(username, ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := stamp(time.Now().UTC())
	if username != "" {
		l.db.Exec(`DELETE FROM login_bans WHERE username = ?`, username)
		l.db.Exec(`INSERT INTO login_attempts (username, ip, success, created_at) VALUES (?, '', 1, ?)`, username, now)
	}
	if ip != "" {
		l.db.Exec(`DELETE FROM login_bans WHERE ip = ?`, ip)
		l.db.Exec(`INSERT INTO login_attempts (username, ip, success, created_at) VALUES ('', ?, 1, ?)`, ip, now)
	}
}

// AddManualBan bans a username or IP for the given duration.
func (l *LoginLimiter) AddManualBan(username, ip, reason string, duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	l.db.Exec(
		`INSERT INTO login_bans (username, ip, reason, unlocks_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		username, ip, reason, stamp(now.Add(duration)), stamp(now),
	)
}

// --- query plumbing ---

type failureGroup struct {
	key   string // username or IP
	count int
}

// groupedFailures runs a GROUP BY query and drains it fully before any
// follow-up lookups, keeping a single connection busy at a time.
func (l *LoginLimiter) groupedFailures(query string, threshold int) []failureGroup {
	rows, err := l.db.Query(query, threshold)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var hits []failureGroup
	for rows.Next() {
		var h failureGroup
		if err := rows.Scan(&h.key, &h.count); err == nil {
			hits = append(hits, h)
		}
	}
	return hits
}

func (l *LoginLimiter) count(query string, args ...interface{}) (int, error) {
	var n int
	if err := l.db.QueryRow(query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("query login attempts: %w", err)
	}
	return n, nil
}

// stampAt runs a query expected to yield a single RFC3339 timestamp.
func (l *LoginLimiter) stampAt(query string, args ...interface{}) (time.Time, bool) {
	var s sql.NullString
	l.db.QueryRow(query, args...).Scan(&s)
	if !s.Valid {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s.String)
	return t, err == nil
}

func stamp(t time.Time) string {
	return t.Format(time.RFC3339)
}

// dayWindow returns the UTC day bounds around now as RFC3339 strings.
func dayWindow(now time.Time) (string, string) {
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return stamp(start), stamp(start.Add(24 * time.Hour))
}
