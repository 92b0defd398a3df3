package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/rosterwatch/internal/players"
)

const (
	RealtimeEventRosterUpdated    = "roster-updated"
	RealtimeEventPlayerUpdated    = "player-updated"
	RealtimeEventEnrichmentFailed = "enrichment-failed"
	realtimeEventHeartbeat        = "heartbeat"
	realtimeSourceEngine          = "rosterwatch"
)

// RealtimeMessage is one notification fanned out to event stream subscribers.
type RealtimeMessage struct {
	EventType string           `json:"-"`
	Players   []players.Record `json:"players,omitempty"`
	Message   string           `json:"message,omitempty"`
	Source    string           `json:"source"`
	Timestamp time.Time        `json:"timestamp"`
}

// RealtimeDispatcher broadcasts engine notifications to every subscriber. It
// implements enrichment.Notifier. Slow subscribers drop messages rather than
// block the engine.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[int64]*realtimeSubscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context) (<-chan RealtimeMessage, func()) {
	subscriber := &realtimeSubscriber{
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.EventType == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = d.clock().UTC()
	}
	message.Source = realtimeSourceEngine
	d.mu.RLock()
	copies := make([]*realtimeSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) RosterUpdated(records []players.Record) {
	d.Publish(RealtimeMessage{EventType: RealtimeEventRosterUpdated, Players: records})
}

func (d *RealtimeDispatcher) PlayerUpdated(record players.Record) {
	d.Publish(RealtimeMessage{EventType: RealtimeEventPlayerUpdated, Players: []players.Record{record}})
}

func (d *RealtimeDispatcher) EnrichmentFailed(message string) {
	d.Publish(RealtimeMessage{EventType: RealtimeEventEnrichmentFailed, Message: message})
}

// SubscriberCount reports the number of open subscriptions.
func (d *RealtimeDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *RealtimeDispatcher) registerSubscriber(subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subscriber.id = d.nextID
	d.subscribers[subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}
