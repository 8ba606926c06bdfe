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

// Package smproto defines the wire messages and grpc plumbing for the
// SM Controller's northbound RPC surface (spec §4.11). There is no
// protobuf code generation here: messages are plain JSON-tagged Go
// structs, and a custom grpc encoding.Codec marshals them with
// encoding/json instead of the protobuf wire format. The ServiceDesc is
// hand-written rather than protoc-generated.
package smproto

import (
	"encoding/json"
	"fmt"
)

// codecName is registered with grpc's encoding package and must match
// the content-subtype grpc negotiates ("application/grpc+json").
const codecName = "json"

// Codec implements grpc/encoding.Codec using encoding/json. It is
// registered once via RegisterCodec in an init in service.go.
type Codec struct{}

// Marshal implements encoding.Codec.
func (Codec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("smproto: marshal: %w", err)
	}
	return data, nil
}

// Unmarshal implements encoding.Codec.
func (Codec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("smproto: unmarshal: %w", err)
	}
	return nil
}

// Name implements encoding.Codec.
func (Codec) Name() string {
	return codecName
}
