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

package main

import (
	"context"
	"net/http"

	"github.com/aosedge/aos_communicationmanager/internal/aoserrors"
	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// smDialer opens a grpc connection to a node's SM endpoint, looked up by
// node ID in the config's static URL map (§6: "smServerUrls").
type smDialer struct {
	urls map[string]string
}

func (d smDialer) Dial(ctx context.Context, nodeID string) (*grpc.ClientConn, error) {
	addr, ok := d.urls[nodeID]
	if !ok {
		return nil, aoserrors.Errorf(aoserrors.KindNotFound, "no sm server url configured for node %s", nodeID)
	}
	return grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// iamDialer opens a grpc connection to the unit's IAM daemon.
type iamDialer struct {
	url string
}

func (d iamDialer) Dial(_ context.Context) (*grpc.ClientConn, error) {
	return grpc.NewClient(d.url, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// cloudDialer opens the cloud websocket link.
type cloudDialer struct {
	url string
}

func (d cloudDialer) Dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.url, http.Header{})
	return conn, err
}
