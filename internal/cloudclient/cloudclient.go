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

// Package cloudclient implements the cloud link (spec §6): one
// websocket connection multiplexing the inbound DesiredStatus channel
// and the outbound UnitStatus/Monitoring/Alerts/Log channels. Grounded
// on the teacher's pkg/websocketutil (reconnect-on-error, single
// underlying *websocket.Conn guarded against concurrent writers) but
// reworked around JSON envelopes instead of raw byte framing, since the
// cloud link carries four distinct typed channels rather than one
// opaque byte stream.
package cloudclient

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/aosedge/aos_communicationmanager/internal/aoserrors"
	"github.com/aosedge/aos_communicationmanager/internal/cloudprotocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// Dialer opens the cloud websocket connection.
type Dialer interface {
	Dial(ctx context.Context) (*websocket.Conn, error)
}

// DesiredStatusSink receives the inbound DesiredStatus channel.
type DesiredStatusSink interface {
	OnDesiredStatus(ctx context.Context, status cloudprotocol.DesiredStatus)
}

// ConnectionListener is notified on cloud link connect/disconnect, the
// same shape the Update Manager and Alerts Aggregator already expose.
type ConnectionListener interface {
	OnConnect()
	OnDisconnect()
}

// envelope multiplexes the four logical outbound channels plus the one
// inbound channel over a single websocket message stream. Exactly one
// field is set per message.
type envelope struct {
	DesiredStatus *cloudprotocol.DesiredStatus `json:"desiredStatus,omitempty"`
	UnitStatus    *cloudprotocol.UnitStatus    `json:"unitStatus,omitempty"`
	Monitoring    *cloudprotocol.Monitoring    `json:"monitoring,omitempty"`
	Alerts        []cloudprotocol.Alert        `json:"alerts,omitempty"`
	Log           *LogMessage                  `json:"log,omitempty"`
}

// LogMessage is one outbound instance-log chunk.
type LogMessage struct {
	InstanceID string `json:"instanceId,omitempty"`
	Data       []byte `json:"data"`
}

// Client is the cloud link: it owns the reconnect loop and serialises
// all writers through a single mutex, matching the teacher's
// "one *websocket.Conn, one writer at a time" discipline.
type Client struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	dialer    Dialer
	sink      DesiredStatusSink
	listeners []ConnectionListener

	log *zap.SugaredLogger
}

// New constructs a Client. Run must be called to establish and
// maintain the connection.
func New(dialer Dialer, sink DesiredStatusSink, log *zap.SugaredLogger, listeners ...ConnectionListener) *Client {
	return &Client{dialer: dialer, sink: sink, listeners: listeners, log: log}
}

// SetSink replaces the inbound DesiredStatus target. Like SetObservers on
// the SM Controller, this exists for components (e.g. the Update
// Manager) that need the Client itself as a constructor dependency;
// callers must set the sink before Run starts delivering messages.
func (c *Client) SetSink(sink DesiredStatusSink) {
	c.sink = sink
}

// AddListener registers an additional connect/disconnect listener.
// Must be called before Run starts.
func (c *Client) AddListener(l ConnectionListener) {
	c.listeners = append(c.listeners, l)
}

// IsConnected reports the current cloud link state, used as the
// Monitoring Aggregator's isConnected predicate.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Run dials and redials with jittered exponential backoff until ctx is
// cancelled, reading the inbound channel on each live connection.
func (c *Client) Run(ctx context.Context) {
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := c.dialer.Dial(ctx)
		if err != nil {
			c.log.Warnw("cloud dial failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = minBackoff
		c.setConn(conn)
		c.readLoop(ctx, conn)
		c.setDisconnected()
	}
}

func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)/2+1))
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	for _, l := range c.listeners {
		l.OnConnect()
	}
}

func (c *Client) setDisconnected() {
	c.mu.Lock()
	c.conn = nil
	c.connected = false
	c.mu.Unlock()
	for _, l := range c.listeners {
		l.OnDisconnect()
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.log.Warnw("cloud link read error", "error", err)
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warnw("cloud link malformed message", "error", err)
			continue
		}
		if env.DesiredStatus != nil && c.sink != nil {
			c.sink.OnDesiredStatus(ctx, *env.DesiredStatus)
		}
	}
}

func (c *Client) send(env envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return aoserrors.New(aoserrors.KindWrongState, "cloud link not connected")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return aoserrors.Wrapf(aoserrors.KindFailed, err, "marshal cloud envelope")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return aoserrors.New(aoserrors.KindWrongState, "cloud link not connected")
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return aoserrors.Wrapf(aoserrors.KindFailed, err, "write cloud envelope")
	}
	return nil
}

// SendUnitStatus implements updatemanager.CloudSender.
func (c *Client) SendUnitStatus(ctx context.Context, status cloudprotocol.UnitStatus) error {
	return c.send(envelope{UnitStatus: &status})
}

// SendMonitoring implements monitoring.Sender.
func (c *Client) SendMonitoring(ctx context.Context, data cloudprotocol.Monitoring) error {
	return c.send(envelope{Monitoring: &data})
}

// SendAlerts implements alerts.Sender.
func (c *Client) SendAlerts(ctx context.Context, items []cloudprotocol.Alert) error {
	return c.send(envelope{Alerts: items})
}

// SendLog forwards one SM-ingress log chunk to the cloud Log channel.
func (c *Client) SendLog(ctx context.Context, entry LogMessage) error {
	return c.send(envelope{Log: &entry})
}
