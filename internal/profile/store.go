// Package profile manages the singleton user notification profile: timezone,
// quiet hours, and heartbeat pacing.
package profile

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/ottolabs/otto/internal/store"
)

const (
	QuietOff          = "off"
	QuietCriticalOnly = "critical_only"

	MinCadenceMinutes = 30
	MaxCadenceMinutes = 1440
)

var clockPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// Profile is the single user's notification profile. The row is created with
// defaults on first read; there is never more than one.
type Profile struct {
	Timezone                string  `json:"timezone"`
	QuietHoursStart         *string `json:"quietHoursStart"`
	QuietHoursEnd           *string `json:"quietHoursEnd"`
	QuietMode               string  `json:"quietMode"`
	MuteUntil               *int64  `json:"muteUntil"`
	HeartbeatMorning        *string `json:"heartbeatMorning"`
	HeartbeatMidday         *string `json:"heartbeatMidday"`
	HeartbeatEvening        *string `json:"heartbeatEvening"`
	HeartbeatCadenceMinutes int64   `json:"heartbeatCadenceMinutes"`
	HeartbeatOnlyIfSignal   bool    `json:"heartbeatOnlyIfSignal"`
	OnboardedAt             *int64  `json:"onboardedAt"`
	LastDigestAt            *int64  `json:"lastDigestAt"`
}

// Store persists the profile singleton.
type Store struct {
	db *store.DB
}

// NewStore wraps the shared state database.
func NewStore(db *store.DB) *Store {
	return &Store{db: db}
}

// Get returns the profile, inserting the default row if none exists yet.
func (s *Store) Get(ctx context.Context) (*Profile, error) {
	p, err := s.read(ctx)
	if err == sql.ErrNoRows {
		if _, ierr := s.db.Handle().ExecContext(ctx,
			`INSERT INTO user_profile (id) VALUES (1)`); ierr != nil {
			return nil, fmt.Errorf("seed profile: %w", ierr)
		}
		return s.read(ctx)
	}
	return p, err
}

// Update validates and persists the profile.
func (s *Store) Update(ctx context.Context, p Profile) (*Profile, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	if _, err := s.Get(ctx); err != nil {
		return nil, err
	}

	_, err := s.db.Handle().ExecContext(ctx, `UPDATE user_profile SET
		timezone = ?, quiet_hours_start = ?, quiet_hours_end = ?,
		quiet_mode = ?, mute_until = ?,
		heartbeat_morning = ?, heartbeat_midday = ?, heartbeat_evening = ?,
		heartbeat_cadence_minutes = ?, heartbeat_only_if_signal = ?,
		onboarded_at = ?, last_digest_at = ?
		WHERE id = 1`,
		p.Timezone, p.QuietHoursStart, p.QuietHoursEnd,
		p.QuietMode, p.MuteUntil,
		p.HeartbeatMorning, p.HeartbeatMidday, p.HeartbeatEvening,
		p.HeartbeatCadenceMinutes, boolInt(p.HeartbeatOnlyIfSignal),
		p.OnboardedAt, p.LastDigestAt,
	)
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return s.read(ctx)
}

// MarkDigestSent stamps last_digest_at.
func (s *Store) MarkDigestSent(ctx context.Context, at int64) error {
	_, err := s.db.Handle().ExecContext(ctx,
		`UPDATE user_profile SET last_digest_at = ? WHERE id = 1`, at)
	return err
}

func (s *Store) read(ctx context.Context) (*Profile, error) {
	var (
		p                              Profile
		qStart, qEnd                   sql.NullString
		muteUntil                      sql.NullInt64
		hbMorning, hbMidday, hbEvening sql.NullString
		onlyIfSignal                   int
		onboarded, lastDigest          sql.NullInt64
	)
	err := s.db.Handle().QueryRowContext(ctx, `SELECT
		timezone, quiet_hours_start, quiet_hours_end, quiet_mode, mute_until,
		heartbeat_morning, heartbeat_midday, heartbeat_evening,
		heartbeat_cadence_minutes, heartbeat_only_if_signal,
		onboarded_at, last_digest_at
		FROM user_profile WHERE id = 1`).Scan(
		&p.Timezone, &qStart, &qEnd, &p.QuietMode, &muteUntil,
		&hbMorning, &hbMidday, &hbEvening,
		&p.HeartbeatCadenceMinutes, &onlyIfSignal,
		&onboarded, &lastDigest,
	)
	if err != nil {
		return nil, err
	}

	p.QuietHoursStart = nullStr(qStart)
	p.QuietHoursEnd = nullStr(qEnd)
	p.MuteUntil = nullInt(muteUntil)
	p.HeartbeatMorning = nullStr(hbMorning)
	p.HeartbeatMidday = nullStr(hbMidday)
	p.HeartbeatEvening = nullStr(hbEvening)
	p.HeartbeatOnlyIfSignal = onlyIfSignal == 1
	p.OnboardedAt = nullInt(onboarded)
	p.LastDigestAt = nullInt(lastDigest)
	return &p, nil
}

// Validate checks the profile fields without touching storage.
func Validate(p Profile) error {
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q", p.Timezone)
	}
	switch p.QuietMode {
	case QuietOff, QuietCriticalOnly:
	default:
		return fmt.Errorf("invalid quiet mode %q", p.QuietMode)
	}
	for name, v := range map[string]*string{
		"quietHoursStart":  p.QuietHoursStart,
		"quietHoursEnd":    p.QuietHoursEnd,
		"heartbeatMorning": p.HeartbeatMorning,
		"heartbeatMidday":  p.HeartbeatMidday,
		"heartbeatEvening": p.HeartbeatEvening,
	} {
		if v != nil && !clockPattern.MatchString(*v) {
			return fmt.Errorf("%s must be HH:MM, got %q", name, *v)
		}
	}
	if p.HeartbeatCadenceMinutes < MinCadenceMinutes || p.HeartbeatCadenceMinutes > MaxCadenceMinutes {
		return fmt.Errorf("heartbeat cadence must be between %d and %d minutes",
			MinCadenceMinutes, MaxCadenceMinutes)
	}
	return nil
}

// InQuietHours reports whether now falls inside the profile's quiet window
// in its local timezone, or inside an active mute. Windows may wrap
// midnight. The mute is an independent lever; it counts regardless of the
// quiet mode.
func (p *Profile) InQuietHours(now time.Time) bool {
	if p.MuteUntil != nil && now.UnixMilli() < *p.MuteUntil {
		return true
	}

	if p.QuietHoursStart == nil || p.QuietHoursEnd == nil {
		return false
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()
	start := clockMinutes(*p.QuietHoursStart)
	end := clockMinutes(*p.QuietHoursEnd)

	if start == end {
		return false
	}
	if start < end {
		return cur >= start && cur < end
	}
	// Wraps midnight, e.g. 22:00-07:00.
	return cur >= start || cur < end
}

// SuppressNonCritical reports whether non-critical notifications should be
// held at now. Only the critical_only mode suppresses anything; off lets
// everything through even mid-window.
func (p *Profile) SuppressNonCritical(now time.Time) bool {
	return p.QuietMode == QuietCriticalOnly && p.InQuietHours(now)
}

func clockMinutes(hhmm string) int {
	var h, m int
	fmt.Sscanf(hhmm, "%d:%d", &h, &m)
	return h*60 + m
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
