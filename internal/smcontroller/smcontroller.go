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

// Package smcontroller implements the SM Controller component (spec
// §4.11/L12): the CM's northbound client to each node's SM, multiplexed
// over one hand-rolled grpc bidi stream per node (internal/smproto).
package smcontroller

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/aosedge/aos_communicationmanager/internal/aoserrors"
	"github.com/aosedge/aos_communicationmanager/internal/cloudprotocol"
	"github.com/aosedge/aos_communicationmanager/internal/smproto"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// Dialer opens a grpc connection to a node's SM endpoint.
type Dialer interface {
	Dial(ctx context.Context, nodeID string) (*grpc.ClientConn, error)
}

// NodeInfoSink receives SM-pushed NodeInfo (ingress, §4.11).
type NodeInfoSink interface {
	OnIAMInfo(nodeID string, info cloudprotocol.NodeInfo)
}

// InstanceStatusSink receives SM-pushed InstanceStatus.
type InstanceStatusSink interface {
	OnInstanceStatus(status cloudprotocol.InstanceStatus)
}

// MonitoringSink receives SM-pushed monitoring samples.
type MonitoringSink interface {
	OnNodeData(nodeID string, data cloudprotocol.MonitoringData)
	OnInstanceData(nodeID string, ident cloudprotocol.InstanceIdent, data cloudprotocol.MonitoringData)
}

// AlertSink receives SM-pushed alerts.
type AlertSink interface {
	OnAlertReceived(a cloudprotocol.Alert)
}

// NodeConfigStatusSink receives SM-pushed node-config install outcomes.
type NodeConfigStatusSink interface {
	OnNodeConfigStatus(ctx context.Context, status cloudprotocol.NodeConfigStatus)
}

// LogSink receives SM-pushed instance log chunks.
type LogSink interface {
	OnLogReceived(nodeID string, entry smproto.LogEntry)
}

// Observers bundles every ingress sink the Controller dispatches to.
type Observers struct {
	NodeInfo         NodeInfoSink
	InstanceStatus   InstanceStatusSink
	Monitoring       MonitoringSink
	Alerts           AlertSink
	NodeConfigStatus NodeConfigStatusSink
	Log              LogSink
}

type pendingCall struct {
	respCh chan *smproto.SMMessage
}

type nodeConn struct {
	mu       sync.Mutex
	stream   smproto.SMController_RegisterClient
	pending  map[string]*pendingCall
	lastSeen time.Time
}

// Controller is the SM Controller: one nodeConn per connected node,
// connect retries with jittered exponential backoff, and request/response
// correlation by RequestID over the single multiplexed stream.
type Controller struct {
	mu    sync.Mutex
	nodes map[string]*nodeConn

	dialer    Dialer
	observers Observers
	timeout   time.Duration // nodesConnectionTimeout, §4.11

	log *zap.SugaredLogger
}

// New constructs a Controller. Connect must be called per node before
// any RPC will succeed for it.
func New(dialer Dialer, observers Observers, nodesConnectionTimeout time.Duration, log *zap.SugaredLogger) *Controller {
	return &Controller{
		nodes:     make(map[string]*nodeConn),
		dialer:    dialer,
		observers: observers,
		timeout:   nodesConnectionTimeout,
		log:       log,
	}
}

// Connect dials nodeID with jittered exponential backoff (100ms -> 5s,
// §4.11 Retries) and starts the ingress receive loop. It blocks until
// the stream is established or ctx is cancelled.
func (c *Controller) Connect(ctx context.Context, nodeID string) error {
	backoff := minBackoff
	for {
		conn, err := c.dialer.Dial(ctx, nodeID)
		if err == nil {
			stream, err2 := smproto.NewClient(ctx, conn)
			if err2 == nil {
				nc := &nodeConn{stream: stream, pending: make(map[string]*pendingCall), lastSeen: time.Now()}
				c.mu.Lock()
				c.nodes[nodeID] = nc
				c.mu.Unlock()
				go c.recvLoop(nodeID, nc)
				return nil
			}
			err = err2
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
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

// SetObservers replaces the ingress dispatch targets. Callers that need
// an Observers whose members depend on the Controller itself (e.g. a
// launcher built with this Controller as its SMStarter) construct with
// an empty Observers and call SetObservers once wiring completes, before
// Connect is called for any node.
func (c *Controller) SetObservers(observers Observers) {
	c.observers = observers
}

// Disconnect drops the node's connection and any stale placement cache
// association the caller should perform alongside (§4.11: "drops cached
// placement but keeps persisted placement").
func (c *Controller) Disconnect(nodeID string) {
	c.mu.Lock()
	delete(c.nodes, nodeID)
	c.mu.Unlock()
}

// IsStale reports whether nodeID has not been heard from within the
// configured nodesConnectionTimeout.
func (c *Controller) IsStale(nodeID string, now time.Time) bool {
	c.mu.Lock()
	nc, ok := c.nodes[nodeID]
	c.mu.Unlock()
	if !ok {
		return true
	}
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return now.Sub(nc.lastSeen) > c.timeout
}

func (c *Controller) connFor(nodeID string) (*nodeConn, error) {
	c.mu.Lock()
	nc, ok := c.nodes[nodeID]
	c.mu.Unlock()
	if !ok {
		return nil, aoserrors.Errorf(aoserrors.KindNotFound, "node %s not connected", nodeID)
	}
	return nc, nil
}

func (c *Controller) recvLoop(nodeID string, nc *nodeConn) {
	for {
		msg, err := nc.stream.Recv()
		if err != nil {
			c.log.Warnw("sm stream closed", "nodeId", nodeID, "error", err)
			c.Disconnect(nodeID)
			return
		}
		nc.mu.Lock()
		nc.lastSeen = time.Now()
		var call *pendingCall
		if msg.RequestID != "" {
			call = nc.pending[msg.RequestID]
			delete(nc.pending, msg.RequestID)
		}
		nc.mu.Unlock()

		if call != nil {
			call.respCh <- msg
			continue
		}
		c.dispatchIngress(nodeID, msg)
	}
}

func (c *Controller) dispatchIngress(nodeID string, msg *smproto.SMMessage) {
	switch {
	case msg.NodeInfo != nil:
		if c.observers.NodeInfo != nil {
			c.observers.NodeInfo.OnIAMInfo(nodeID, *msg.NodeInfo)
		}
	case msg.InstanceStatus != nil:
		if c.observers.InstanceStatus != nil {
			c.observers.InstanceStatus.OnInstanceStatus(*msg.InstanceStatus)
		}
	case msg.Monitoring != nil:
		if c.observers.Monitoring != nil {
			c.observers.Monitoring.OnNodeData(nodeID, msg.Monitoring.Data)
			for _, inst := range msg.Monitoring.Instances {
				c.observers.Monitoring.OnInstanceData(nodeID, inst.Ident, inst.Data)
			}
		}
	case msg.Alert != nil:
		if c.observers.Alerts != nil {
			c.observers.Alerts.OnAlertReceived(*msg.Alert)
		}
	case msg.NodeConfigStatus != nil:
		if c.observers.NodeConfigStatus != nil {
			c.observers.NodeConfigStatus.OnNodeConfigStatus(context.Background(), *msg.NodeConfigStatus)
		}
	case msg.Log != nil:
		if c.observers.Log != nil {
			c.observers.Log.OnLogReceived(nodeID, *msg.Log)
		}
	}
}

// call sends req and waits for the correlated response or ctx
// cancellation.
func (c *Controller) call(ctx context.Context, nodeID string, req smproto.CMMessage) (*smproto.SMMessage, error) {
	nc, err := c.connFor(nodeID)
	if err != nil {
		return nil, err
	}
	req.RequestID = uuid.NewString()
	pending := &pendingCall{respCh: make(chan *smproto.SMMessage, 1)}

	nc.mu.Lock()
	nc.pending[req.RequestID] = pending
	nc.mu.Unlock()

	if err := nc.stream.Send(&req); err != nil {
		nc.mu.Lock()
		delete(nc.pending, req.RequestID)
		nc.mu.Unlock()
		return nil, aoserrors.Wrapf(aoserrors.KindFailed, err, "send to node %s", nodeID)
	}

	select {
	case resp := <-pending.respCh:
		return resp, nil
	case <-ctx.Done():
		nc.mu.Lock()
		delete(nc.pending, req.RequestID)
		nc.mu.Unlock()
		return nil, aoserrors.Errorf(aoserrors.KindTimeout, "call to node %s timed out", nodeID)
	}
}

// CheckNodeConfig implements unitconfig.NodeConfigController.
func (c *Controller) CheckNodeConfig(ctx context.Context, nodeID, version string, cfg json.RawMessage) error {
	resp, err := c.call(ctx, nodeID, smproto.CMMessage{CheckNodeConfig: &smproto.CheckNodeConfigRequest{Version: version, Config: cfg}})
	if err != nil {
		return err
	}
	return statusErr(resp.CheckNodeConfigResponse)
}

// SetNodeConfig implements unitconfig.NodeConfigController.
func (c *Controller) SetNodeConfig(ctx context.Context, nodeID, version string, cfg json.RawMessage) error {
	resp, err := c.call(ctx, nodeID, smproto.CMMessage{SetNodeConfig: &smproto.SetNodeConfigRequest{Version: version, Config: cfg}})
	if err != nil {
		return err
	}
	return statusErr(resp.SetNodeConfigResponse)
}

// StartInstances implements launcher.SMStarter.
func (c *Controller) StartInstances(ctx context.Context, nodeID string, services, layers []string, instances []cloudprotocol.InstanceIdent, forceRestart bool) error {
	resp, err := c.call(ctx, nodeID, smproto.CMMessage{StartInstances: &smproto.StartInstancesRequest{
		Services: services, Layers: layers, Instances: instances, ForceRestart: forceRestart,
	}})
	if err != nil {
		return err
	}
	return statusErr(resp.StartInstancesResponse)
}

// StopInstances implements launcher.SMStarter.
func (c *Controller) StopInstances(ctx context.Context, nodeID string, instances []cloudprotocol.InstanceIdent) error {
	resp, err := c.call(ctx, nodeID, smproto.CMMessage{StopInstances: &smproto.StopInstancesRequest{Instances: instances}})
	if err != nil {
		return err
	}
	return statusErr(resp.StopInstancesResponse)
}

// OverrideEnvVars implements launcher.SMStarter.
func (c *Controller) OverrideEnvVars(ctx context.Context, nodeID string, instances []cloudprotocol.InstanceIdent, vars []string) error {
	_, err := c.call(ctx, nodeID, smproto.CMMessage{OverrideEnvVars: &smproto.OverrideEnvVarsRequest{Instances: instances, Vars: vars}})
	return err
}

// GetAverageMonitoring implements the §4.11 contract.
func (c *Controller) GetAverageMonitoring(ctx context.Context, nodeID string, windows int) (cloudprotocol.MonitoringData, error) {
	resp, err := c.call(ctx, nodeID, smproto.CMMessage{GetAverageMonitoring: &smproto.GetAverageMonitoringRequest{Windows: windows}})
	if err != nil {
		return cloudprotocol.MonitoringData{}, err
	}
	if resp.GetAverageMonitoringResponse == nil {
		return cloudprotocol.MonitoringData{}, aoserrors.Errorf(aoserrors.KindFailed, "node %s returned no monitoring data", nodeID)
	}
	return resp.GetAverageMonitoringResponse.Data, nil
}

func statusErr(resp *smproto.StatusResponse) error {
	if resp == nil {
		return nil
	}
	if resp.Error != "" {
		return aoserrors.Errorf(aoserrors.KindFailed, "%s", resp.Error)
	}
	return nil
}
