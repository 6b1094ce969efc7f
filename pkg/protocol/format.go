package protocol

import (
	"fmt"
	"time"

	"github.com/aeolun/warroom/pkg/rank"
)

// TimeLayout is the timestamp format prefixed to delivered lines.
const TimeLayout = "02/01/2006 15:04:05"

// Channel tags identify how a delivered line was routed.
const (
	TagWhisper = "[Whisper]"
	TagRank    = "[Rank]"
	TagAll     = "[All]"
	TagServer  = "[Server]"
	TagError   = "[Error]"
	TagInfo    = "[Info]"
)

func stamp(now time.Time) string {
	return "[" + now.Format(TimeLayout) + "]"
}

func chat(now time.Time, tag, from string, role rank.Role, msg string) string {
	return fmt.Sprintf("%s %s (%s)%s: %s", stamp(now), tag, role, from, msg)
}

// Whisper formats a unicast chat line.
func Whisper(now time.Time, from string, role rank.Role, msg string) string {
	return chat(now, TagWhisper, from, role, msg)
}

// RankMessage formats a multicast chat line.
func RankMessage(now time.Time, from string, role rank.Role, msg string) string {
	return chat(now, TagRank, from, role, msg)
}

// AllMessage formats a broadcast chat line.
func AllMessage(now time.Time, from string, role rank.Role, msg string) string {
	return chat(now, TagAll, from, role, msg)
}

// RoomTag returns the tag used for lines delivered to room members.
func RoomTag(room string) string {
	return "[Room " + room + "]"
}

// RoomMessage formats a roomcast chat line.
func RoomMessage(now time.Time, room, from string, role rank.Role, msg string) string {
	return chat(now, RoomTag(room), from, role, msg)
}

// Notice formats a server-originated notification.
func Notice(now time.Time, format string, args ...any) string {
	return stamp(now) + " " + TagServer + " " + fmt.Sprintf(format, args...)
}

// Info formats a direct reply to the caller.
func Info(format string, args ...any) string {
	return TagInfo + " " + fmt.Sprintf(format, args...)
}

// Error formats an error reply to the caller.
func Error(err error) string {
	return TagError + " " + err.Error()
}

// RequestLine formats one pending request for list-requests.
func RequestLine(id, requester string, requesterRole rank.Role, location, reason string, approver rank.Role) string {
	return fmt.Sprintf("%s | (%s)%s | %s | %s | awaiting %s", id, requesterRole, requester, location, reason, approver)
}
