package session

import (
	"sync"
	"time"

	"github.com/plexbridge/tunerd/internal/metrics"
)

// ConsumerOrigin tags which endpoint first mentioned a consumer id.
type ConsumerOrigin string

const (
	OriginTune           ConsumerOrigin = "tune"
	OriginLiveTVSessions ConsumerOrigin = "livetv_sessions"
	OriginLive           ConsumerOrigin = "live"
	OriginTranscode      ConsumerOrigin = "transcode"
	OriginConsumer       ConsumerOrigin = "consumer"
)

// Consumer is the long-lived polling handle described in spec §4.5: it
// exists to satisfy Plex's out-of-band polls even when no Session has
// been admitted yet, and is addressable by the same id a Session would
// use (spec invariant: "A Session always implies a Consumer of the same
// id").
type Consumer struct {
	ID           string
	Origin       ConsumerOrigin
	UserAgent    string
	ChannelID    string // empty until tuned/adopted
	LastActivity time.Time
	Adopted      bool
}

// ConsumerManager implements C5: it materializes, refreshes, adopts and
// expires Consumers. C8 touches it from its polling endpoints; the
// alive/dead decision C8 acts on comes from the Crash Detector, not
// from Get.
type ConsumerManager struct {
	mu        sync.Mutex
	consumers map[string]*Consumer
	idleWindow time.Duration
	now       func() time.Time
}

// NewConsumerManager constructs a ConsumerManager with the configured
// idle expiry window (spec default 2 min).
func NewConsumerManager(idleWindow time.Duration) *ConsumerManager {
	return &ConsumerManager{
		consumers:  make(map[string]*Consumer),
		idleWindow: idleWindow,
		now:        time.Now,
	}
}

// Touch materializes a Consumer for id on first mention and refreshes
// its last-activity on every subsequent poll, recording origin/UA only
// the first time (spec §4.5).
func (m *ConsumerManager) Touch(id string, origin ConsumerOrigin, userAgent string) *Consumer {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.consumers[id]
	if !ok {
		c = &Consumer{ID: id, Origin: origin, UserAgent: userAgent}
		m.consumers[id] = c
	}
	c.LastActivity = m.now()
	return c
}

// Get returns the Consumer for id without refreshing its activity, or
// false if it has never been touched or has expired.
func (m *ConsumerManager) Get(id string) (*Consumer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.consumers[id]
	if !ok {
		return nil, false
	}
	if !c.Adopted && m.now().Sub(c.LastActivity) > m.idleWindow {
		return nil, false
	}
	return c, true
}

// Adopt links a newly-admitted Session to its Consumer of the same id,
// preventing the idle-reaper from expiring it while the session lives.
func (m *ConsumerManager) Adopt(id, channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.consumers[id]
	if !ok {
		c = &Consumer{ID: id, Origin: OriginTune}
		m.consumers[id] = c
	}
	c.ChannelID = channelID
	c.Adopted = true
	c.LastActivity = m.now()
}

// Release un-adopts a Consumer when its Session terminates, subjecting
// it to idle expiry again (it may still be polled briefly afterward).
func (m *ConsumerManager) Release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.consumers[id]; ok {
		c.Adopted = false
		c.LastActivity = m.now()
	}
}

// Reap removes every consumer idle beyond the configured window that
// has not been adopted by a live Session (spec invariant I6). Intended
// to run periodically alongside the Registry's sweeper.
func (m *ConsumerManager) Reap() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	now := m.now()
	for id, c := range m.consumers {
		if c.Adopted {
			continue
		}
		if now.Sub(c.LastActivity) > m.idleWindow {
			delete(m.consumers, id)
			removed++
		}
	}
	if removed > 0 {
		metrics.ConsumerExpireTotal.Add(float64(removed))
	}
	return removed
}

// Count returns the number of currently tracked consumers (tests only).
func (m *ConsumerManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.consumers)
}
