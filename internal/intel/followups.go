package intel

import (
	"sync"

	"github.com/anvil-online/crm-intel/internal/llm"
)

const DefaultFollowUpEntries = 64

// FollowUpCache keeps the follow-up turns asked after each contact's brief
// for the life of the process. It holds at most max contacts and evicts the
// one stored longest ago. Entries never expire on their own.
type FollowUpCache struct {
	mu      sync.Mutex
	max     int
	order   []string
	entries map[string][]llm.Message
}

func NewFollowUpCache(max int) *FollowUpCache {
	if max <= 0 {
		max = DefaultFollowUpEntries
	}
	return &FollowUpCache{max: max, entries: map[string][]llm.Message{}}
}

func (c *FollowUpCache) Get(contactID string) ([]llm.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	messages, ok := c.entries[contactID]
	if !ok {
		return nil, false
	}
	return append([]llm.Message(nil), messages...), true
}

// Put replaces the entry for contactID and marks it most recent. An empty
// slice removes the entry.
func (c *FollowUpCache) Put(contactID string, messages []llm.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(contactID)
	if len(messages) == 0 {
		return
	}
	c.entries[contactID] = append([]llm.Message(nil), messages...)
	c.order = append(c.order, contactID)
	for len(c.order) > c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

func (c *FollowUpCache) Delete(contactID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(contactID)
}

func (c *FollowUpCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *FollowUpCache) removeLocked(contactID string) {
	if _, ok := c.entries[contactID]; !ok {
		return
	}
	delete(c.entries, contactID)
	for i, id := range c.order {
		if id == contactID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
