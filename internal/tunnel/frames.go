// Copyright 2024 The Alloy Agent Authors.
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

package tunnel

// Frame type discriminators (spec §4.3's three frame kinds).
const (
	frameTypeHello = "hello"
	frameTypeReq   = "req"
	frameTypeResp  = "resp"
)

// frameEnvelope is decoded first to learn a frame's type before
// unmarshalling it into the concrete shape; unrecognized types are
// ignored per spec §4.3 ("Unknown frames are ignored").
type frameEnvelope struct {
	Type string `json:"type"`
}

// helloFrame is sent once, immediately after connecting.
type helloFrame struct {
	Type         string `json:"type"`
	Node         string `json:"node"`
	AgentVersion string `json:"agent_version"`
}

// reqFrame is what the control plane sends for every RPC.
type reqFrame struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Method     string `json:"method"`
	PayloadB64 string `json:"payload_b64"`
}

// respFrame is the agent's reply, correlated by ID.
type respFrame struct {
	Type          string `json:"type"`
	ID            string `json:"id"`
	OK            bool   `json:"ok"`
	PayloadB64    string `json:"payload_b64,omitempty"`
	StatusCode    *int32 `json:"status_code,omitempty"`
	StatusMessage string `json:"status_message,omitempty"`
}
