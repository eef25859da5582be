package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishReachesAllSubscribers(t *testing.T) {
	h := NewHub[ReloadEvent]()

	ch1, cancel1 := h.Subscribe(1)
	defer cancel1()
	ch2, cancel2 := h.Subscribe(1)
	defer cancel2()

	h.Publish(ReloadEvent{FolderPath: "Trip"})

	assert.Equal(t, "Trip", (<-ch1).FolderPath)
	assert.Equal(t, "Trip", (<-ch2).FolderPath)
}

func TestHub_PublishWithoutSubscribers_DoesNotBlock(t *testing.T) {
	h := NewHub[QueueCountEvent]()
	h.Publish(QueueCountEvent{Pending: 3})
}

func TestHub_FullBuffer_DropsEvent(t *testing.T) {
	h := NewHub[QueueCountEvent]()

	ch, cancel := h.Subscribe(1)
	defer cancel()

	h.Publish(QueueCountEvent{Pending: 1})
	h.Publish(QueueCountEvent{Pending: 2}) // dropped, buffer full

	assert.Equal(t, 1, (<-ch).Pending)

	select {
	case ev := <-ch:
		t.Fatalf("expected no second event, got %+v", ev)
	default:
	}
}

func TestHub_Cancel_StopsDelivery(t *testing.T) {
	h := NewHub[DownloadEvent]()

	ch, cancel := h.Subscribe(4)
	cancel()

	h.Publish(DownloadEvent{Path: "a"})

	// Channel is closed after cancel; no event was delivered.
	_, open := <-ch
	assert.False(t, open)

	// Cancelling twice is safe.
	cancel()
}

func TestNewHubs_AllConcernsPresent(t *testing.T) {
	hubs := NewHubs()
	require.NotNil(t, hubs.Download)
	require.NotNil(t, hubs.QueueCount)
	require.NotNil(t, hubs.TaskFailure)
	require.NotNil(t, hubs.Reload)
}
