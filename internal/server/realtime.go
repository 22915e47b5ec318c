package server

import (
	"context"
	"sync"
	"time"
)

const (
	RealtimeEventCaseChanged = "case-change"
	realtimeEventHeartbeat   = "heartbeat"
	realtimeSourceBackend    = "repairdesk-backend"
	realtimeBufferSize       = 16
)

// RealtimeMessage announces that the listed cases changed. UserID addresses
// the owner's streams; an empty UserID together with Broadcast reaches every stream.
type RealtimeMessage struct {
	UserID    string
	EventType string
	CaseIDs   []string
	Timestamp time.Time
	Broadcast bool
}

type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  realtimeBufferSize,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(userID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to the streams of message.UserID, or to every
// stream when message.Broadcast is set. Full streams drop the message.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.EventType == "" || (message.UserID == "" && !message.Broadcast) {
		return
	}
	d.mu.RLock()
	copies := make([]*realtimeSubscriber, 0)
	if message.Broadcast {
		for _, subscribers := range d.subscribers {
			for _, subscriber := range subscribers {
				copies = append(copies, subscriber)
			}
		}
	} else {
		for _, subscriber := range d.subscribers[message.UserID] {
			copies = append(copies, subscriber)
		}
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the number of open streams for userID.
func (d *RealtimeDispatcher) SubscriberCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(userID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
