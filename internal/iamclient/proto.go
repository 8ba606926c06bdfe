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

// Package iamclient is a thin CM-side client for the IAM daemon's node
// identity and certificate-lifecycle contract (spec §1: "the IAM
// daemon's CSR/key-material internals" are an external collaborator —
// only the placement/identity surface is modeled here). Wire plumbing
// mirrors internal/smproto: a hand-written grpc.ServiceDesc and a JSON
// encoding.Codec, since there is no protobuf toolchain available.
package iamclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aosedge/aos_communicationmanager/internal/cloudprotocol"
	"github.com/aosedge/aos_communicationmanager/internal/nodeinfo"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const jsonCodecName = "iamclient-json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("iamclient: marshal: %w", err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("iamclient: unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// ServiceName is the hand-assigned RPC service name.
const ServiceName = "aos.iamclient.IAMService"

// iamServer is implemented by the IAM daemon (out of scope). Only the
// client side is exercised by this module.
type iamServer interface {
	Subscribe(stream iamSubscribeServer) error
}

type iamSubscribeServer interface {
	Send(*iamDownlink) error
	Recv() (*iamUplink, error)
	grpc.ServerStream
}

type iamSubscribeServerWrapper struct{ grpc.ServerStream }

func (s *iamSubscribeServerWrapper) Send(m *iamDownlink) error { return s.ServerStream.SendMsg(m) }
func (s *iamSubscribeServerWrapper) Recv() (*iamUplink, error) {
	m := new(iamUplink)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	return srv.(iamServer).Subscribe(&iamSubscribeServerWrapper{stream})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*iamServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true, ClientStreams: true},
	},
	Metadata: "iamclient.proto",
}

type iamSubscribeClient interface {
	Send(*iamUplink) error
	Recv() (*iamDownlink, error)
	grpc.ClientStream
}

type iamSubscribeClientWrapper struct{ grpc.ClientStream }

func (c *iamSubscribeClientWrapper) Send(m *iamUplink) error { return c.ClientStream.SendMsg(m) }
func (c *iamSubscribeClientWrapper) Recv() (*iamDownlink, error) {
	m := new(iamDownlink)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func newSubscribeClient(ctx context.Context, cc grpc.ClientConnInterface) (iamSubscribeClient, error) {
	stream, err := cc.NewStream(ctx, &serviceDesc.Streams[0], "/"+ServiceName+"/Subscribe", grpc.ForceCodec(jsonCodec{}))
	if err != nil {
		return nil, err
	}
	return &iamSubscribeClientWrapper{stream}, nil
}

// iamUplink is one CM -> IAM envelope; it carries only a certificate
// request (downlink pushes are not acknowledged).
type iamUplink struct {
	RequestID         string `json:"requestId,omitempty"`
	GetCertificate    *getCertificateRequest `json:"getCertificate,omitempty"`
}

type getCertificateRequest struct {
	NodeID string `json:"nodeId"`
	Type   string `json:"type"`
}

// iamDownlink is one IAM -> CM envelope: either a certificate response
// or one of the two unsolicited pushes (node provisioning state change,
// certificate rotation notice).
type iamDownlink struct {
	RequestID string `json:"requestId,omitempty"`

	GetCertificateResponse *cloudprotocol.CertificateInfo `json:"getCertificateResponse,omitempty"`

	NodeState   *nodeStatePush   `json:"nodeState,omitempty"`
	CertChanged *certChangedPush `json:"certChanged,omitempty"`
}

type nodeStatePush struct {
	NodeID string             `json:"nodeId"`
	State  nodeinfo.IAMState  `json:"state"`
}

type certChangedPush struct {
	NodeID string `json:"nodeId"`
	Type   string `json:"type"`
}
