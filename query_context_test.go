package boreal

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ctxOf(s string) *string {
	return &s
}

func cacheIDs(c *QueryContextCache) []int64 {
	var ids []int64
	for _, el := range c.Elements() {
		ids = append(ids, el.ID)
	}
	return ids
}

func TestQueryContextCache_Merge(t *testing.T) {
	t.Run("Idempotent merge", func(t *testing.T) {
		c := NewQueryContextCache(5)
		el := QueryContextElement{ID: 1, Timestamp: 100, Priority: 1, Context: ctxOf("a")}
		c.Merge(el)
		c.Merge(el)
		assert.Equal(t, 1, c.Size())
	})

	t.Run("Newer timestamp refreshes in place", func(t *testing.T) {
		c := NewQueryContextCache(5)
		c.Merge(QueryContextElement{ID: 1, Timestamp: 100, Priority: 1, Context: ctxOf("old")})
		c.Merge(QueryContextElement{ID: 1, Timestamp: 200, Priority: 1, Context: ctxOf("new")})
		require.Equal(t, 1, c.Size())
		assert.Equal(t, "new", *c.Elements()[0].Context)
		assert.Equal(t, int64(200), c.Elements()[0].Timestamp)
	})

	t.Run("Older timestamp never regresses", func(t *testing.T) {
		c := NewQueryContextCache(5)
		c.Merge(QueryContextElement{ID: 1, Timestamp: 200, Priority: 1, Context: ctxOf("current")})
		c.Merge(QueryContextElement{ID: 1, Timestamp: 100, Priority: 2, Context: ctxOf("stale")})
		require.Equal(t, 1, c.Size())
		assert.Equal(t, "current", *c.Elements()[0].Context)
		assert.Equal(t, int64(1), c.Elements()[0].Priority)
	})

	t.Run("Newer timestamp with new priority moves the element", func(t *testing.T) {
		c := NewQueryContextCache(5)
		c.Merge(QueryContextElement{ID: 1, Timestamp: 100, Priority: 3})
		c.Merge(QueryContextElement{ID: 1, Timestamp: 200, Priority: 1})
		require.Equal(t, 1, c.Size())
		assert.Equal(t, int64(1), c.Elements()[0].Priority)
	})

	t.Run("Equal timestamp with different priority replaces", func(t *testing.T) {
		c := NewQueryContextCache(5)
		c.Merge(QueryContextElement{ID: 1, Timestamp: 100, Priority: 3})
		c.Merge(QueryContextElement{ID: 1, Timestamp: 100, Priority: 1})
		require.Equal(t, 1, c.Size())
		assert.Equal(t, int64(1), c.Elements()[0].Priority)
	})

	t.Run("Moved element evicts the new slot's holder", func(t *testing.T) {
		c := NewQueryContextCache(5)
		c.Merge(QueryContextElement{ID: 1, Timestamp: 100, Priority: 1})
		c.Merge(QueryContextElement{ID: 2, Timestamp: 100, Priority: 2})
		// id 2 moves into slot 1 with newer data; id 1 must go.
		c.Merge(QueryContextElement{ID: 2, Timestamp: 200, Priority: 1})
		require.Equal(t, 1, c.Size())
		assert.Equal(t, []int64{2}, cacheIDs(c))
		assert.Equal(t, int64(1), c.Elements()[0].Priority)
	})

	t.Run("Equal-timestamp move evicts the new slot's holder", func(t *testing.T) {
		c := NewQueryContextCache(5)
		c.Merge(QueryContextElement{ID: 1, Timestamp: 100, Priority: 1})
		c.Merge(QueryContextElement{ID: 2, Timestamp: 100, Priority: 2})
		c.Merge(QueryContextElement{ID: 2, Timestamp: 100, Priority: 1})
		require.Equal(t, 1, c.Size())
		assert.Equal(t, []int64{2}, cacheIDs(c))
	})

	t.Run("New id takes over an occupied priority slot", func(t *testing.T) {
		c := NewQueryContextCache(5)
		c.Merge(QueryContextElement{ID: 1, Timestamp: 100, Priority: 1})
		c.Merge(QueryContextElement{ID: 2, Timestamp: 50, Priority: 1})
		require.Equal(t, 1, c.Size())
		assert.Equal(t, int64(2), c.Elements()[0].ID)
	})

	t.Run("Ordered view stays sorted by priority", func(t *testing.T) {
		c := NewQueryContextCache(5)
		c.Merge(QueryContextElement{ID: 3, Timestamp: 100, Priority: 30})
		c.Merge(QueryContextElement{ID: 1, Timestamp: 100, Priority: 10})
		c.Merge(QueryContextElement{ID: 2, Timestamp: 100, Priority: 20})
		assert.Equal(t, []int64{1, 2, 3}, cacheIDs(c))
	})
}

func TestQueryContextCache_Capacity(t *testing.T) {
	c := NewQueryContextCache(3)
	for i := int64(1); i <= 5; i++ {
		c.Merge(QueryContextElement{ID: i, Timestamp: 100, Priority: i})
	}
	assert.Equal(t, 5, c.Size(), "capacity is enforced per batch, not per merge")

	c.CheckCacheCapacity()
	assert.Equal(t, 3, c.Size())
	// The largest priorities are evicted first.
	assert.Equal(t, []int64{1, 2, 3}, cacheIDs(c))
}

func TestQueryContextCache_Deserialize(t *testing.T) {
	entriesJSON := func(s string) *QueryContextDTO {
		var dto QueryContextDTO
		require.NoError(t, json.Unmarshal([]byte(s), &dto))
		return &dto
	}

	t.Run("Nil input clears", func(t *testing.T) {
		c := NewQueryContextCache(5)
		c.Merge(QueryContextElement{ID: 1, Timestamp: 100, Priority: 1})
		c.Deserialize(nil)
		assert.Equal(t, 0, c.Size())
	})

	t.Run("Empty batch clears", func(t *testing.T) {
		c := NewQueryContextCache(5)
		c.Merge(QueryContextElement{ID: 1, Timestamp: 100, Priority: 1})
		c.Deserialize(&QueryContextDTO{})
		assert.Equal(t, 0, c.Size())
	})

	t.Run("Null and absent context fields are fine", func(t *testing.T) {
		c := NewQueryContextCache(5)
		c.Deserialize(entriesJSON(`{"entries":[
			{"id":1,"timestamp":100,"priority":1,"context":null},
			{"id":2,"timestamp":100,"priority":2}
		]}`))
		require.Equal(t, 2, c.Size())
		assert.Nil(t, c.Elements()[0].Context)
		assert.Nil(t, c.Elements()[1].Context)
	})

	t.Run("Malformed context aborts the batch and clears", func(t *testing.T) {
		c := NewQueryContextCache(5)
		c.Merge(QueryContextElement{ID: 9, Timestamp: 100, Priority: 9})
		c.Deserialize(entriesJSON(`{"entries":[
			{"id":1,"timestamp":100,"priority":1,"context":"ok"},
			{"id":2,"timestamp":100,"priority":2,"context":{"nested":true}}
		]}`))
		assert.Equal(t, 0, c.Size())
	})

	t.Run("Capacity enforced once per batch", func(t *testing.T) {
		c := NewQueryContextCache(2)
		c.Deserialize(entriesJSON(`{"entries":[
			{"id":1,"timestamp":100,"priority":1},
			{"id":2,"timestamp":100,"priority":2},
			{"id":3,"timestamp":100,"priority":3}
		]}`))
		assert.Equal(t, 2, c.Size())
		assert.Equal(t, []int64{1, 2}, cacheIDs(c))
	})
}

func TestQueryContextCache_Serialize(t *testing.T) {
	t.Run("Empty cache serializes to nil", func(t *testing.T) {
		c := NewQueryContextCache(5)
		assert.Nil(t, c.Serialize())
	})

	t.Run("Round trip preserves order and contexts", func(t *testing.T) {
		c := NewQueryContextCache(5)
		c.Merge(QueryContextElement{ID: 2, Timestamp: 100, Priority: 2, Context: ctxOf("b")})
		c.Merge(QueryContextElement{ID: 1, Timestamp: 100, Priority: 1, Context: ctxOf("a")})
		c.Merge(QueryContextElement{ID: 3, Timestamp: 100, Priority: 3})

		dto := c.Serialize()
		require.NotNil(t, dto)
		require.Len(t, dto.Entries, 3)
		assert.Equal(t, int64(1), dto.Entries[0].ID)
		assert.Equal(t, int64(2), dto.Entries[1].ID)
		assert.Equal(t, int64(3), dto.Entries[2].ID)
		assert.Equal(t, json.RawMessage(`"a"`), dto.Entries[0].Context)
		assert.Nil(t, dto.Entries[2].Context)

		other := NewQueryContextCache(5)
		other.Deserialize(dto)
		assert.Equal(t, c.Elements(), other.Elements())
	})
}

// TestQueryContextCache_PriorityTakeoverScenario walks a realistic merge
// sequence: a later response moves an element to a lower priority slot,
// evicting both its old entry and the slot's previous holder.
func TestQueryContextCache_PriorityTakeoverScenario(t *testing.T) {
	c := NewQueryContextCache(5)
	c.Merge(QueryContextElement{ID: 0, Timestamp: 262026291380200, Priority: 0})
	c.Merge(QueryContextElement{ID: 1404143425, Timestamp: 50181150913550, Priority: 1})
	c.Merge(QueryContextElement{ID: 1404143429, Timestamp: 50181150913550, Priority: 2})
	c.Merge(QueryContextElement{ID: 1404143433, Timestamp: 50181150913550, Priority: 3})
	require.Equal(t, 4, c.Size())
	require.Equal(t, []int64{0, 1404143425, 1404143429, 1404143433}, cacheIDs(c))

	c.Merge(QueryContextElement{ID: 1404143433, Timestamp: 50181151673926, Priority: 2})

	require.Equal(t, 3, c.Size())
	assert.Equal(t, []int64{0, 1404143425, 1404143433}, cacheIDs(c))
	assert.Equal(t, int64(2), c.Elements()[2].Priority)
}
