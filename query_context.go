package boreal

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/rs/zerolog/log"
)

// QueryContextElement is a single entry of the query-context cache. The id is
// a server-assigned domain identifier, the timestamp is the server read time
// of the entry, and lower priority values are more important. The context
// blob is opaque to the client and may be absent.
type QueryContextElement struct {
	ID        int64
	Timestamp int64
	Priority  int64
	Context   *string
}

// QueryContextEntryDTO is the wire form of a cache entry.
type QueryContextEntryDTO struct {
	ID        int64           `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Priority  int64           `json:"priority"`
	Context   json.RawMessage `json:"context,omitempty"`
}

// QueryContextDTO is the wire form of the whole cache, exchanged with the
// service on every statement request.
type QueryContextDTO struct {
	Entries []QueryContextEntryDTO `json:"entries"`
}

// QueryContextCache is a capacity-bounded, priority-ordered cache of query
// compilation context, one per session. The service sends fresher entries
// with each response; merging is deterministic and never regresses to stale
// data. When the cache overflows, the least important entries (largest
// priority values) are evicted.
//
// The cache is mutated only by the session engine that owns it.
type QueryContextCache struct {
	capacity   int
	byID       map[int64]*QueryContextElement
	byPriority map[int64]*QueryContextElement
	ordered    []*QueryContextElement // ascending by priority
}

// NewQueryContextCache creates an empty cache holding at most capacity
// elements.
func NewQueryContextCache(capacity int) *QueryContextCache {
	return &QueryContextCache{
		capacity:   capacity,
		byID:       make(map[int64]*QueryContextElement),
		byPriority: make(map[int64]*QueryContextElement),
	}
}

// Size returns the number of cached elements.
func (c *QueryContextCache) Size() int {
	return len(c.ordered)
}

// Capacity returns the maximum number of elements the cache retains.
func (c *QueryContextCache) Capacity() int {
	return c.capacity
}

// Merge folds a single server-sent element into the cache. For a known id the
// decision is based on the read timestamp: newer data overwrites in place
// when the priority is unchanged and moves the element otherwise, while older
// or equal data is ignored. A new id takes over its priority slot, evicting
// whichever element held it.
func (c *QueryContextCache) Merge(el QueryContextElement) {
	if existing, ok := c.byID[el.ID]; ok {
		if el.Timestamp > existing.Timestamp {
			if existing.Priority == el.Priority {
				// Same priority slot, refresh in place.
				existing.Timestamp = el.Timestamp
				existing.Context = el.Context
			} else {
				c.remove(existing)
				c.insert(&el)
			}
		} else if el.Timestamp == existing.Timestamp && existing.Priority != el.Priority {
			c.remove(existing)
			c.insert(&el)
		}
		// Older or identical data: never regress.
		return
	}
	c.insert(&el)
}

// insert places el, first evicting whichever element already holds its
// priority slot. The caller guarantees the id is not present.
func (c *QueryContextCache) insert(el *QueryContextElement) {
	if holder, ok := c.byPriority[el.Priority]; ok {
		c.remove(holder)
	}
	c.add(el)
}

// CheckCacheCapacity evicts the least important elements until the cache fits
// its capacity. It is invoked once per merged batch rather than per element.
func (c *QueryContextCache) CheckCacheCapacity() {
	for len(c.ordered) > c.capacity {
		last := c.ordered[len(c.ordered)-1]
		c.remove(last)
	}
}

// Clear discards every cached element.
func (c *QueryContextCache) Clear() {
	c.byID = make(map[int64]*QueryContextElement)
	c.byPriority = make(map[int64]*QueryContextElement)
	c.ordered = nil
}

// Elements returns the cached elements in ascending priority order.
func (c *QueryContextCache) Elements() []QueryContextElement {
	out := make([]QueryContextElement, len(c.ordered))
	for i, el := range c.ordered {
		out[i] = *el
	}
	return out
}

// Deserialize merges a server-sent batch into the cache. A nil DTO or one
// with no entries means the server reports no context, which clears the
// cache. A malformed context field anywhere in the batch aborts the whole
// merge and clears the cache: a half-applied batch is worse than an empty
// one. Capacity is enforced once after the batch.
func (c *QueryContextCache) Deserialize(dto *QueryContextDTO) {
	if dto == nil || len(dto.Entries) == 0 {
		c.Clear()
		return
	}
	for _, entry := range dto.Entries {
		context, ok := decodeContextField(entry.Context)
		if !ok {
			log.Warn().Int64("id", entry.ID).Msg("query context entry has a non-string context field, clearing cache")
			c.Clear()
			return
		}
		c.Merge(QueryContextElement{
			ID:        entry.ID,
			Timestamp: entry.Timestamp,
			Priority:  entry.Priority,
			Context:   context,
		})
	}
	c.CheckCacheCapacity()
}

// Serialize emits the current elements, in priority order, for inclusion in
// the next outgoing request. It returns nil when the cache is empty.
func (c *QueryContextCache) Serialize() *QueryContextDTO {
	if len(c.ordered) == 0 {
		return nil
	}
	entries := make([]QueryContextEntryDTO, 0, len(c.ordered))
	for _, el := range c.ordered {
		entry := QueryContextEntryDTO{
			ID:        el.ID,
			Timestamp: el.Timestamp,
			Priority:  el.Priority,
		}
		if el.Context != nil {
			raw, err := json.Marshal(*el.Context)
			if err != nil {
				log.Debug().Err(err).Int64("id", el.ID).Msg("failed to serialize query context entry")
				return nil
			}
			entry.Context = raw
		}
		entries = append(entries, entry)
	}
	return &QueryContextDTO{Entries: entries}
}

// add inserts el into all three views. The caller guarantees that neither the
// id nor the priority is present.
func (c *QueryContextCache) add(el *QueryContextElement) {
	c.byID[el.ID] = el
	c.byPriority[el.Priority] = el
	idx := sort.Search(len(c.ordered), func(i int) bool {
		return c.ordered[i].Priority >= el.Priority
	})
	c.ordered = append(c.ordered, nil)
	copy(c.ordered[idx+1:], c.ordered[idx:])
	c.ordered[idx] = el
}

// remove deletes el from all three views.
func (c *QueryContextCache) remove(el *QueryContextElement) {
	delete(c.byID, el.ID)
	delete(c.byPriority, el.Priority)
	for i, cur := range c.ordered {
		if cur == el {
			c.ordered = append(c.ordered[:i], c.ordered[i+1:]...)
			break
		}
	}
}

// decodeContextField validates and decodes the context field of a wire entry.
// It must be a string, null, or absent; any other JSON type is malformed.
func decodeContextField(raw json.RawMessage) (*string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, true
	}
	if trimmed[0] != '"' {
		return nil, false
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return nil, false
	}
	return &s, true
}
