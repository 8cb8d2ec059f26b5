package service

import (
	"log/slog"
	"math"
	"strings"
	"time"

	"assetboard/internal/server/session"
)

// BanDuration is how long an IP stays banned after a moderation flag.
const BanDuration = 1800 * time.Second

// forbiddenWords are matched as case-insensitive substrings.
var forbiddenWords = []string{
	"leak", "steal", "leaking", "ripped", "stolen", "rip", "leaked", "pirated", "cracked",
}

// ContainsForbiddenWords reports whether text mentions any forbidden word.
func ContainsForbiddenWords(text string) bool {
	text = strings.ToLower(text)
	for _, word := range forbiddenWords {
		if strings.Contains(text, word) {
			return true
		}
	}
	return false
}

// Moderate scans an upload's name and description. A match bans ip in the
// session, replacing any earlier ban. The upload itself is never blocked here.
func (s *AssetService) Moderate(sess *session.Session, ip, name, description string) bool {
	if !ContainsForbiddenWords(name) && !ContainsForbiddenWords(description) {
		return false
	}
	sess.Ban(ip, s.now())
	slog.Warn("moderation flag raised, ip banned",
		"ip", ip,
		"session_id", sess.ID,
		"duration", BanDuration,
	)
	return true
}

// CheckBan reports whether ip is still banned and for how long. Expired bans
// are cleared.
func (s *AssetService) CheckBan(sess *session.Session, ip string) (time.Duration, bool) {
	ban, ok := sess.BanFor(ip)
	if !ok {
		return 0, false
	}
	remaining := BanRemaining(ban.BannedAt, s.now())
	if remaining <= 0 {
		sess.Unban(ip)
		slog.Info("ban expired", "ip", ip, "session_id", sess.ID)
		return 0, false
	}
	return remaining, true
}

// BanRemaining is the time left on a ban issued at bannedAt.
func BanRemaining(bannedAt, now time.Time) time.Duration {
	return BanDuration - now.Sub(bannedAt)
}

// SplitRemaining rounds d up to whole seconds and splits it into minutes
// and seconds for display.
func SplitRemaining(d time.Duration) (minutes, seconds int) {
	if d <= 0 {
		return 0, 0
	}
	total := int(math.Ceil(d.Seconds()))
	return total / 60, total % 60
}
