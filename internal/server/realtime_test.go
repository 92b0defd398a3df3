package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/rosterwatch/internal/identity"
	"github.com/MarcoPoloResearchLab/rosterwatch/internal/players"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	dispatcher.RosterUpdated([]players.Record{
		players.Blank(identity.SteamID(identity.Base + 1)),
		players.Blank(identity.SteamID(identity.Base + 2)),
	})

	select {
	case received := <-stream:
		if received.EventType != RealtimeEventRosterUpdated {
			t.Fatalf("expected event type %s, got %s", RealtimeEventRosterUpdated, received.EventType)
		}
		if len(received.Players) != 2 {
			t.Fatalf("expected 2 players, got %d", len(received.Players))
		}
		if received.Timestamp.IsZero() || received.Source != realtimeSourceEngine {
			t.Fatalf("expected stamped message, got %#v", received)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherFansOutToAllSubscribers(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, firstCleanup := dispatcher.Subscribe(ctx)
	defer firstCleanup()
	second, secondCleanup := dispatcher.Subscribe(ctx)
	defer secondCleanup()

	dispatcher.EnrichmentFailed("Steam API key was rejected")

	for _, stream := range []<-chan RealtimeMessage{first, second} {
		select {
		case msg := <-stream:
			if msg.EventType != RealtimeEventEnrichmentFailed || msg.Message != "Steam API key was rejected" {
				t.Fatalf("unexpected message %#v", msg)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatal("expected realtime message for every subscriber")
		}
	}
}

func TestRealtimeDispatcherDropsWhenSubscriberIsFull(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	for index := 0; index < dispatcher.bufferSize+5; index++ {
		dispatcher.PlayerUpdated(players.Blank(identity.SteamID(identity.Base + uint64(index))))
	}
	if len(stream) != dispatcher.bufferSize {
		t.Fatalf("expected buffer of %d, got %d", dispatcher.bufferSize, len(stream))
	}
}

func TestRealtimeDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()
	if dispatcher.SubscriberCount() != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber was not removed after cancel")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
