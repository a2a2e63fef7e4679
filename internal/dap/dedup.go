/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/go-dap"
)

// DefaultDeduplicationWindow is the default time window for event deduplication.
const DefaultDeduplicationWindow = 200 * time.Millisecond

// eventSignature uniquely identifies an event for deduplication purposes.
type eventSignature struct {
	eventType string
	key       string
}

// EventDeduplicator suppresses events identical to one sent shortly before.
// Breakpoint changes in particular tend to be reported several times in a row
// (runtime resolution, pending breakpoint resolution, break-on-load) with the same payload.
type EventDeduplicator struct {
	mu         sync.Mutex
	events     map[eventSignature]time.Time
	window     time.Duration
	timeSource func() time.Time
}

func NewEventDeduplicator(window time.Duration) *EventDeduplicator {
	return &EventDeduplicator{
		events:     make(map[eventSignature]time.Time),
		window:     window,
		timeSource: time.Now,
	}
}

// ShouldSuppress returns true if an identical event was seen within the window.
// Otherwise the event is recorded and false is returned.
func (d *EventDeduplicator) ShouldSuppress(event *Message) bool {
	sig := eventSignatureOf(event)
	if sig == nil {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.timeSource()
	d.cleanup(now)

	if recorded, found := d.events[*sig]; found && now.Sub(recorded) <= d.window {
		return true
	}

	d.events[*sig] = now
	return false
}

// cleanup removes expired entries from the event map.
// Must be called with mu held.
func (d *EventDeduplicator) cleanup(now time.Time) {
	for sig, recorded := range d.events {
		if now.Sub(recorded) > d.window {
			delete(d.events, sig)
		}
	}
}

// eventSignatureOf extracts a signature from an event message.
// Returns nil for events that must never be deduplicated.
func eventSignatureOf(msg *Message) *eventSignature {
	if msg.Type != EventMessage {
		return nil
	}

	switch msg.Event {
	case EventBreakpoint:
		var body dap.BreakpointEventBody
		if msg.Decode(&body) != nil {
			return nil
		}
		// The whole payload takes part: a changed location or verification state is a different event.
		return &eventSignature{
			eventType: msg.Event,
			key:       fmt.Sprintf("id:%d:reason:%s:%s", body.Breakpoint.Id, body.Reason, compactJSON(msg.Body)),
		}

	case EventContinued, EventThread, EventLoadedSource, EventProcess:
		return &eventSignature{eventType: msg.Event, key: compactJSON(msg.Body)}

	default:
		// Output, stopped, progress, invalidated and the rest are always forwarded.
		return nil
	}
}

func compactJSON(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
