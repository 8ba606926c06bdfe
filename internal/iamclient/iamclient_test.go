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
	"net"
	"testing"
	"time"

	"github.com/aosedge/aos_communicationmanager/internal/cloudprotocol"
	"github.com/aosedge/aos_communicationmanager/internal/nodeinfo"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

type fakeIAMServer struct {
	pushes chan *iamDownlink
}

func (s *fakeIAMServer) Subscribe(stream iamSubscribeServer) error {
	errCh := make(chan error, 1)
	go func() {
		for {
			msg, err := stream.Recv()
			if err != nil {
				errCh <- err
				return
			}
			if msg.GetCertificate != nil {
				resp := &iamDownlink{
					RequestID: msg.RequestID,
					GetCertificateResponse: &cloudprotocol.CertificateInfo{
						NodeID: msg.GetCertificate.NodeID, Type: msg.GetCertificate.Type, Serial: "1234",
					},
				}
				if err := stream.Send(resp); err != nil {
					errCh <- err
					return
				}
			}
		}
	}()
	for {
		select {
		case p := <-s.pushes:
			if err := stream.Send(p); err != nil {
				return err
			}
		case err := <-errCh:
			return err
		}
	}
}

type bufconnDialer struct{ lis *bufconn.Listener }

func (d *bufconnDialer) Dial(ctx context.Context) (*grpc.ClientConn, error) {
	return grpc.NewClient("passthrough:///iam",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return d.lis.DialContext(ctx)
		}),
	)
}

type recordingListener struct {
	changed chan struct{ nodeID, certType string }
}

func (l *recordingListener) OnCertChanged(nodeID, certType string) {
	l.changed <- struct{ nodeID, certType string }{nodeID, certType}
}

func startHarness(t *testing.T) (*bufconn.Listener, *fakeIAMServer) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer(grpc.ForceServerCodec(jsonCodec{}))
	fake := &fakeIAMServer{pushes: make(chan *iamDownlink, 4)}
	srv.RegisterService(&serviceDesc, fake)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis, fake
}

func TestGetCertificateRoundTrip(t *testing.T) {
	lis, _ := startHarness(t)
	provider := nodeinfo.New(time.Minute)
	client := New(&bufconnDialer{lis: lis}, provider, zap.NewNop().Sugar())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go client.Run(ctx)

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.stream != nil
	}, 2*time.Second, 10*time.Millisecond)

	cert, err := client.GetCertificate(ctx, "node1", "online")
	require.NoError(t, err)
	require.Equal(t, "1234", cert.Serial)
}

func TestNodeStatePushUpdatesProvider(t *testing.T) {
	lis, fake := startHarness(t)
	provider := nodeinfo.New(time.Minute)
	client := New(&bufconnDialer{lis: lis}, provider, zap.NewNop().Sugar())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go client.Run(ctx)

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.stream != nil
	}, 2*time.Second, 10*time.Millisecond)

	fake.pushes <- &iamDownlink{NodeState: &nodeStatePush{
		NodeID: "node1",
		State:  nodeinfo.IAMState{Info: cloudprotocol.NodeInfo{NodeID: "node1"}, State: cloudprotocol.NodeStateProvisioned},
	}}

	require.Eventually(t, func() bool {
		info, ok := provider.Get("node1")
		return ok && info.State == cloudprotocol.NodeStateProvisioned
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCertChangedDispatchesToListener(t *testing.T) {
	lis, fake := startHarness(t)
	provider := nodeinfo.New(time.Minute)
	listener := &recordingListener{changed: make(chan struct{ nodeID, certType string }, 1)}
	client := New(&bufconnDialer{lis: lis}, provider, zap.NewNop().Sugar(), listener)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go client.Run(ctx)

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.stream != nil
	}, 2*time.Second, 10*time.Millisecond)

	fake.pushes <- &iamDownlink{CertChanged: &certChangedPush{NodeID: "node1", Type: "offline"}}

	select {
	case got := <-listener.changed:
		require.Equal(t, "node1", got.nodeID)
		require.Equal(t, "offline", got.certType)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cert-changed dispatch")
	}
}
