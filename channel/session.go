package channel

import (
	"encoding/hex"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session is a point-in-time view of a channel.
type Session struct {
	ID       string
	Endpoint string
	Ship     string
	// LastSentEventID is the highest request id issued on this channel.
	LastSentEventID int64
	// LastAckedEventID is the highest stream event id acknowledged.
	LastAckedEventID int64
	StreamOpen       bool
}

// NewChannelID returns an identifier of the form "<unix-seconds>-<6 hex>".
func NewChannelID(now time.Time) string {
	u := uuid.New()
	return strconv.FormatInt(now.Unix(), 10) + "-" + hex.EncodeToString(u[:3])
}

type session struct {
	id       string
	endpoint string
	ship     string
	lastSent atomic.Int64
}

func newSession(id, endpoint, ship string, lastSent int64) *session {
	s := &session{id: id, endpoint: endpoint, ship: ship}
	s.lastSent.Store(lastSent)
	return s
}

// nextID issues the next request id. Ids are strictly increasing for the
// life of the channel, including across resumes from a checkpoint.
func (s *session) nextID() int64 {
	return s.lastSent.Add(1)
}
