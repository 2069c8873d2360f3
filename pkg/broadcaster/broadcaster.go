// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package broadcaster fans incident cards out to live subscribers (the
// SSE surface), with per-subscriber backpressure instead of blocking the
// publisher.
package broadcaster

import (
	"sync"

	"github.com/forgesentinel/sentinel/pkg/forgetypes"
)

// subscriberCapacity bounds each subscriber's channel; a slow client
// drops cards rather than stalling the publisher.
const subscriberCapacity = 100

// Broadcaster fans out published cards to any number of subscribers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan forgetypes.Card]struct{}
}

// New constructs an empty Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{subscribers: make(map[chan forgetypes.Card]struct{})}
}

// Subscribe registers a new subscriber and returns its channel along
// with an Unsubscribe func that must be called when the subscriber
// disconnects.
func (b *Broadcaster) Subscribe() (<-chan forgetypes.Card, func()) {
	ch := make(chan forgetypes.Card, subscriberCapacity)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// Publish enqueues card to every current subscriber, non-blocking: a
// full subscriber channel drops the card for that subscriber only.
func (b *Broadcaster) Publish(card forgetypes.Card) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- card:
		default:
		}
	}
}

// SubscriberCount reports the current number of live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
