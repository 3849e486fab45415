// Package events distributes lock-status changes inside the process and,
// when configured, to a NATS subject
package events

import (
	"time"

	evbus "github.com/asaskevich/EventBus"
)

// TopicStatus is the bus topic status changes are published on
const TopicStatus = "locker:status"

// StatusChange describes one transition of the lock status
type StatusChange struct {
	From string    `cbor:"1,keyasint" json:"from"`
	To   string    `cbor:"2,keyasint" json:"to"`
	At   time.Time `cbor:"3,keyasint" json:"at"`
}

// Bus is an in-process publish/subscribe bus
type Bus struct {
	bus evbus.Bus
}

// NewBus returns an empty bus
func NewBus() *Bus {
	return &Bus{bus: evbus.New()}
}

// PublishStatus delivers change to every status subscriber synchronously
func (b *Bus) PublishStatus(change StatusChange) {
	b.bus.Publish(TopicStatus, change)
}

// SubscribeStatus registers fn for status changes
func (b *Bus) SubscribeStatus(fn func(StatusChange)) error {
	return b.bus.Subscribe(TopicStatus, fn)
}

// UnsubscribeStatus removes a handler registered with SubscribeStatus
func (b *Bus) UnsubscribeStatus(fn func(StatusChange)) error {
	return b.bus.Unsubscribe(TopicStatus, fn)
}

// HasSubscribers reports whether anyone listens for status changes
func (b *Bus) HasSubscribers() bool {
	return b.bus.HasCallback(TopicStatus)
}
