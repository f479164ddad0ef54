package chat_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/chat-community/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/chat-community/backend/internal/service/chat"
)

var base = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

func msgAt(id string, offset int) chat.Message {
	return chat.Message{
		ID:        id,
		Author:    "alice",
		Content:   "content " + id,
		Timestamp: base.Add(time.Duration(offset) * time.Second),
		Complete:  true,
	}
}

func ids(messages []chat.Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.ID)
	}
	return out
}

func TestStoreAddEvictsOldest(t *testing.T) {
	store := chatservice.NewStore(3)
	for i := 0; i < 5; i++ {
		store.Add(msgAt(fmt.Sprintf("m%d", i), i))
	}

	assert.Equal(t, 3, store.Len())
	assert.Equal(t, []string{"m2", "m3", "m4"}, ids(store.Query(nil)))
}

func TestStoreDefaultLimit(t *testing.T) {
	assert.Equal(t, chatservice.DefaultLimit, chatservice.NewStore(0).Limit())
	assert.Equal(t, chatservice.DefaultLimit, chatservice.NewStore(-4).Limit())
}

func TestStoreUpsertReplacesInPlace(t *testing.T) {
	store := chatservice.NewStore(5)
	store.Add(msgAt("a", 0))
	store.Add(msgAt("b", 1))
	store.Add(msgAt("c", 2))

	updated := msgAt("a", 10)
	updated.Content = "edited"
	store.Upsert(updated)

	got := store.Query(nil)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a", "b", "c"}, ids(got))
	assert.Equal(t, "edited", got[0].Content)
	assert.Equal(t, base.Add(10*time.Second), got[0].Timestamp)
}

func TestStoreUpsertAppendsUnknownID(t *testing.T) {
	store := chatservice.NewStore(2)
	store.Add(msgAt("a", 0))
	store.Add(msgAt("b", 1))
	store.Upsert(msgAt("c", 2))

	assert.Equal(t, []string{"b", "c"}, ids(store.Query(nil)))
}

func TestStoreUpsertAfterWrapAround(t *testing.T) {
	store := chatservice.NewStore(3)
	for i := 0; i < 4; i++ {
		store.Add(msgAt(fmt.Sprintf("m%d", i), i))
	}

	updated := msgAt("m2", 9)
	updated.Content = "late"
	store.Upsert(updated)

	got := store.Query(nil)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(got))
	assert.Equal(t, "late", got[1].Content)
}

func TestStoreQuerySince(t *testing.T) {
	store := chatservice.NewStore(10)
	store.Add(msgAt("a", 0))
	store.Add(msgAt("b", 1))
	store.Add(msgAt("c", 2))

	since := base.Add(1 * time.Second)
	assert.Equal(t, []string{"c"}, ids(store.Query(&since)))

	before := base.Add(-time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, ids(store.Query(&before)))

	after := base.Add(time.Minute)
	assert.Empty(t, store.Query(&after))
}

func TestStoreQueryReturnsSnapshot(t *testing.T) {
	store := chatservice.NewStore(2)
	store.Add(msgAt("a", 0))

	snapshot := store.Query(nil)
	snapshot[0].Content = "mutated by caller"

	updated := msgAt("a", 1)
	updated.Content = "changed"
	store.Upsert(updated)
	store.Add(msgAt("b", 2))
	store.Add(msgAt("c", 3))

	require.Len(t, snapshot, 1)
	assert.Equal(t, "a", snapshot[0].ID)
	assert.Equal(t, "mutated by caller", snapshot[0].Content)
	assert.Equal(t, []string{"b", "c"}, ids(store.Query(nil)))
}

func TestStoreConcurrentAccess(t *testing.T) {
	store := chatservice.NewStore(50)
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := fmt.Sprintf("w%d", w)
			for i := 0; i < 100; i++ {
				store.Upsert(msgAt(id, i))
				_ = store.Query(nil)
			}
		}(w)
	}
	wg.Wait()

	got := store.Query(nil)
	assert.Len(t, got, 8)
	for _, m := range got {
		assert.Equal(t, base.Add(99*time.Second), m.Timestamp)
	}
}

func TestStorePublishesChanges(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 8}, watermill.NopLogger{})
	defer pubSub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := pubSub.Subscribe(ctx, chatservice.TopicMessages)
	require.NoError(t, err)

	store := chatservice.NewStore(4, chatservice.WithPublisher(pubSub))
	store.Add(msgAt("a", 0))
	store.Upsert(msgAt("a", 1))

	// gochannel does not order deliveries, so only the set of versions is checked.
	var got []time.Time
	versions := map[uint64]time.Time{}
	for len(got) < 2 {
		select {
		case evt := <-events:
			var decoded chat.Message
			require.NoError(t, json.Unmarshal(evt.Payload, &decoded))
			evt.Ack()
			assert.Equal(t, "a", decoded.ID)
			got = append(got, decoded.Timestamp.UTC())
			version, ok := chatservice.EventVersion(evt)
			require.True(t, ok)
			versions[version] = decoded.Timestamp.UTC()
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for change event")
		}
	}
	assert.ElementsMatch(t, []time.Time{base, base.Add(time.Second)}, got)
	assert.Equal(t, map[uint64]time.Time{1: base, 2: base.Add(time.Second)}, versions)
}

func TestStoreSnapshotVersion(t *testing.T) {
	store := chatservice.NewStore(2)
	_, v := store.Snapshot(nil)
	assert.Zero(t, v)

	store.Add(msgAt("a", 0))
	store.Upsert(msgAt("a", 1))
	store.Add(msgAt("b", 2))
	store.Add(msgAt("c", 3))

	got, v := store.Snapshot(nil)
	assert.Equal(t, uint64(4), v)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
}

func TestSeedOnlyWhenEmpty(t *testing.T) {
	store := chatservice.NewStore(4)
	chatservice.Seed(store, base)
	chatservice.Seed(store, base)

	got := store.Query(nil)
	require.Len(t, got, 1)
	assert.Equal(t, "System", got[0].Author)
	assert.True(t, got[0].Complete)
}
