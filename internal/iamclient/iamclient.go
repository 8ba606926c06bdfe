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

package iamclient

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/aosedge/aos_communicationmanager/internal/aoserrors"
	"github.com/aosedge/aos_communicationmanager/internal/cloudprotocol"
	"github.com/aosedge/aos_communicationmanager/internal/nodeinfo"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// Dialer opens a grpc connection to the unit's IAM daemon.
type Dialer interface {
	Dial(ctx context.Context) (*grpc.ClientConn, error)
}

// CertChangeListener is notified when IAM rotates a certificate,
// implementing the `cert-change` leg of §4.11's SubscribeListener.
type CertChangeListener interface {
	OnCertChanged(nodeID, certType string)
}

type pendingCall struct {
	respCh chan *iamDownlink
}

// Client is the CM-side IAM client: one stream to the unit's IAM
// daemon, request/response correlation by RequestID, and unsolicited
// push dispatch to a nodeinfo.Provider plus any CertChangeListeners.
type Client struct {
	mu      sync.Mutex
	stream  iamSubscribeClient
	pending map[string]*pendingCall

	dialer   Dialer
	provider *nodeinfo.Provider
	certSubs []CertChangeListener

	log *zap.SugaredLogger
}

// New constructs a Client. Run must be called to establish the stream.
func New(dialer Dialer, provider *nodeinfo.Provider, log *zap.SugaredLogger, certSubs ...CertChangeListener) *Client {
	return &Client{
		dialer:   dialer,
		provider: provider,
		certSubs: certSubs,
		pending:  make(map[string]*pendingCall),
		log:      log,
	}
}

// Run dials and redials IAM with jittered exponential backoff until ctx
// is cancelled.
func (c *Client) Run(ctx context.Context) {
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := c.dialer.Dial(ctx)
		if err == nil {
			stream, err2 := newSubscribeClient(ctx, conn)
			if err2 == nil {
				c.mu.Lock()
				c.stream = stream
				c.pending = make(map[string]*pendingCall)
				c.mu.Unlock()
				backoff = minBackoff
				c.recvLoop(stream)
				continue
			}
			err = err2
		}
		c.log.Warnw("iam dial failed", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(backoff)):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)/2+1))
}

func (c *Client) recvLoop(stream iamSubscribeClient) {
	for {
		msg, err := stream.Recv()
		if err != nil {
			c.log.Warnw("iam stream closed", "error", err)
			c.mu.Lock()
			if c.stream == stream {
				c.stream = nil
			}
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		var call *pendingCall
		if msg.RequestID != "" {
			call = c.pending[msg.RequestID]
			delete(c.pending, msg.RequestID)
		}
		c.mu.Unlock()

		if call != nil {
			call.respCh <- msg
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg *iamDownlink) {
	switch {
	case msg.NodeState != nil:
		if c.provider != nil {
			c.provider.OnIAMInfo(msg.NodeState.NodeID, msg.NodeState.State)
		}
	case msg.CertChanged != nil:
		for _, l := range c.certSubs {
			l.OnCertChanged(msg.CertChanged.NodeID, msg.CertChanged.Type)
		}
	}
}

func (c *Client) call(ctx context.Context, req iamUplink) (*iamDownlink, error) {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return nil, aoserrors.New(aoserrors.KindWrongState, "iam client not connected")
	}

	req.RequestID = uuid.NewString()
	pending := &pendingCall{respCh: make(chan *iamDownlink, 1)}
	c.mu.Lock()
	c.pending[req.RequestID] = pending
	c.mu.Unlock()

	if err := stream.Send(&req); err != nil {
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
		return nil, aoserrors.Wrapf(aoserrors.KindFailed, err, "send to iam")
	}

	select {
	case resp := <-pending.respCh:
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
		return nil, aoserrors.Errorf(aoserrors.KindTimeout, "iam call timed out")
	}
}

// GetCertificate retrieves the current certificate of certType for
// nodeID (§6: "Mutual-TLS using IAM-issued certificates").
func (c *Client) GetCertificate(ctx context.Context, nodeID, certType string) (cloudprotocol.CertificateInfo, error) {
	resp, err := c.call(ctx, iamUplink{GetCertificate: &getCertificateRequest{NodeID: nodeID, Type: certType}})
	if err != nil {
		return cloudprotocol.CertificateInfo{}, err
	}
	if resp.GetCertificateResponse == nil {
		return cloudprotocol.CertificateInfo{}, aoserrors.Errorf(aoserrors.KindFailed, "iam returned no certificate for %s/%s", nodeID, certType)
	}
	return *resp.GetCertificateResponse, nil
}
