package bot

import (
	"context"
	"sync"
	"time"
)

const memberCacheLimit = 10000

type (
	memberKey struct {
		chatID int64
		userID int64
	}

	cachedStatus struct {
		status  MemberStatus
		expires time.Time
	}

	// MemberCache remembers member statuses for a short while. Vote buttons are
	// pressed in bursts and every press checks membership.
	MemberCache struct {
		*Adapter
		ttl time.Duration
		now func() time.Time

		mutex   sync.Mutex
		entries map[memberKey]cachedStatus
	}
)

func NewMemberCache(a *Adapter, ttl time.Duration) *MemberCache {
	return &MemberCache{
		Adapter: a,
		ttl:     ttl,
		now:     time.Now,
		entries: map[memberKey]cachedStatus{},
	}
}

func (c *MemberCache) MemberStatus(ctx context.Context, chatID, userID int64) (MemberStatus, error) {
	key := memberKey{chatID: chatID, userID: userID}
	if c.ttl <= 0 {
		return c.Adapter.MemberStatus(ctx, chatID, userID)
	}

	c.mutex.Lock()
	entry, ok := c.entries[key]
	c.mutex.Unlock()
	if ok && c.now().Before(entry.expires) {
		return entry.status, nil
	}

	status, err := c.Adapter.MemberStatus(ctx, chatID, userID)
	if err != nil {
		return status, err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if len(c.entries) >= memberCacheLimit {
		c.evictLocked()
	}
	c.entries[key] = cachedStatus{status: status, expires: c.now().Add(c.ttl)}
	return status, nil
}

// RemoveMember drops the cached status along with the member.
func (c *MemberCache) RemoveMember(ctx context.Context, chatID, userID int64) error {
	c.Forget(chatID, userID)
	return c.Adapter.RemoveMember(ctx, chatID, userID)
}

func (c *MemberCache) Forget(chatID, userID int64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.entries, memberKey{chatID: chatID, userID: userID})
}

func (c *MemberCache) evictLocked() {
	now := c.now()
	for key, entry := range c.entries {
		if !now.Before(entry.expires) {
			delete(c.entries, key)
		}
	}
	if len(c.entries) >= memberCacheLimit {
		c.entries = map[memberKey]cachedStatus{}
	}
}
