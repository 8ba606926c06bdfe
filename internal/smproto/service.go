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

package smproto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

func init() {
	encoding.RegisterCodec(Codec{})
}

// ServiceName is the hand-assigned RPC service name (no .proto package
// exists to derive it from).
const ServiceName = "aos.smcontroller.SMController"

// SMControllerServer is implemented by the node-local SM binary (out of
// scope for this module): the CM dials out to each node's SM and opens
// one Register stream per connection, multiplexing every push/request
// (CM->SM) and response/ingress event (SM->CM) over it (§4.11, §6).
// Only the client side (smcontroller.Controller) is exercised by this
// module; the server type exists so the stream's handler shape is
// complete and testable with an in-process grpc server in tests.
type SMControllerServer interface {
	Register(stream SMController_RegisterServer) error
}

// SMController_RegisterServer is the server-side handle for the stream.
type SMController_RegisterServer interface {
	Send(*CMMessage) error
	Recv() (*SMMessage, error)
	grpc.ServerStream
}

type smControllerRegisterServer struct {
	grpc.ServerStream
}

func (s *smControllerRegisterServer) Send(m *CMMessage) error {
	return s.ServerStream.SendMsg(m)
}

func (s *smControllerRegisterServer) Recv() (*SMMessage, error) {
	m := new(SMMessage)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func registerHandler(srv any, stream grpc.ServerStream) error {
	return srv.(SMControllerServer).Register(&smControllerRegisterServer{stream})
}

// ServiceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would emit for a service with a single bidi-streaming RPC.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SMControllerServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Register",
			Handler:       registerHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "smcontroller.proto",
}

// SMController_RegisterClient is the client-side (CM-side) handle.
type SMController_RegisterClient interface {
	Send(*CMMessage) error
	Recv() (*SMMessage, error)
	grpc.ClientStream
}

type smControllerRegisterClient struct {
	grpc.ClientStream
}

func (c *smControllerRegisterClient) Send(m *CMMessage) error {
	return c.ClientStream.SendMsg(m)
}

func (c *smControllerRegisterClient) Recv() (*SMMessage, error) {
	m := new(SMMessage)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// NewClient opens the Register stream on cc. Used by smcontroller (the CM
// side) to open the stream to a node's SM.
func NewClient(ctx context.Context, cc grpc.ClientConnInterface) (SMController_RegisterClient, error) {
	stream, err := cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/Register", grpc.ForceCodec(Codec{}))
	if err != nil {
		return nil, err
	}
	return &smControllerRegisterClient{stream}, nil
}
