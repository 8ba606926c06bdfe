// Copyright 2025 AUTHORS
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package alerts implements the Alerts Aggregator component (spec
// §4.9/L11): a ring cache that de-duplicates, batches and forwards
// alerts, and fans them out to local subscribers by tag.
package alerts

import (
	"context"
	"sync"

	"github.com/aosedge/aos_communicationmanager/internal/cloudprotocol"
	"go.uber.org/zap"
)

const (
	defaultCacheSize = 32 // cAlertsCacheSize, §8 scenario 2
	defaultItemsPerPackage = 10 // cAlertItemsCount
)

// Sender forwards a chunk of alerts to the cloud link.
type Sender interface {
	SendAlerts(ctx context.Context, alerts []cloudprotocol.Alert) error
}

// Listener is notified synchronously, under the cache lock, for every
// alert matching its tag (§4.9: "synchronous under the cache lock;
// listeners must not re-enter the aggregator").
type Listener interface {
	OnAlert(a cloudprotocol.Alert)
}

// Aggregator is the Alerts Aggregator.
type Aggregator struct {
	mu    sync.Mutex
	cache []cloudprotocol.Alert

	duplicatedCount uint64
	skippedCount    uint64

	connected bool
	sender    Sender

	listeners map[cloudprotocol.AlertTag][]Listener

	cacheSize       int
	itemsPerPackage int

	log *zap.SugaredLogger
}

// New constructs an Aggregator with the default cache size and package
// chunking; use the With* options below to override for tests.
func New(sender Sender, log *zap.SugaredLogger) *Aggregator {
	return &Aggregator{
		sender:          sender,
		listeners:       make(map[cloudprotocol.AlertTag][]Listener),
		cacheSize:       defaultCacheSize,
		itemsPerPackage: defaultItemsPerPackage,
		log:             log,
	}
}

// WithCacheSize overrides the ring cache size (test hook / config knob).
func (a *Aggregator) WithCacheSize(n int) *Aggregator {
	a.cacheSize = n
	return a
}

// WithItemsPerPackage overrides cAlertItemsCount (test hook / config knob).
func (a *Aggregator) WithItemsPerPackage(n int) *Aggregator {
	a.itemsPerPackage = n
	return a
}

// Subscribe registers l for alerts tagged tag.
func (a *Aggregator) Subscribe(tag cloudprotocol.AlertTag, l Listener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners[tag] = append(a.listeners[tag], l)
}

// OnAlertReceived notifies tag-subscribed listeners, then de-duplicates
// against the existing cache (ignoring timestamp); a true duplicate
// bumps duplicatedCount instead of being cached. Otherwise the alert is
// pushed; if the cache is full the oldest entry drops and
// skippedCount++ (§4.9).
func (a *Aggregator) OnAlertReceived(alert cloudprotocol.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, l := range a.listeners[alert.Tag] {
		l.OnAlert(alert)
	}

	for _, existing := range a.cache {
		if existing.EqualIgnoringTimestamp(alert) {
			a.duplicatedCount++
			return
		}
	}

	if len(a.cache) >= a.cacheSize {
		a.cache = a.cache[1:]
		a.skippedCount++
	}
	a.cache = append(a.cache, alert)
}

// Counts returns the running duplicate/skip counters (§8 scenario 2).
func (a *Aggregator) Counts() (duplicated, skipped uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.duplicatedCount, a.skippedCount
}

// QueueDepth reports the number of alerts currently buffered awaiting
// send, for ambient metrics reporting.
func (a *Aggregator) QueueDepth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.cache)
}

// OnConnect/OnDisconnect gate transmission only (§4.9).
func (a *Aggregator) OnConnect() {
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
}

func (a *Aggregator) OnDisconnect() {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
}

// SendAlerts drains the cache in cAlertItemsCount-sized chunks while
// connected, removing only the items a chunk's successful send accepted
// (§4.9).
func (a *Aggregator) SendAlerts(ctx context.Context) {
	for {
		a.mu.Lock()
		if !a.connected || len(a.cache) == 0 {
			a.mu.Unlock()
			return
		}
		n := a.itemsPerPackage
		if n > len(a.cache) {
			n = len(a.cache)
		}
		chunk := append([]cloudprotocol.Alert(nil), a.cache[:n]...)
		a.mu.Unlock()

		if err := a.sender.SendAlerts(ctx, chunk); err != nil {
			a.log.Warnw("send alerts failed", "error", err)
			return
		}

		a.mu.Lock()
		a.cache = a.cache[n:]
		a.mu.Unlock()
	}
}
