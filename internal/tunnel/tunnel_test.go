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

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/alloyinfra/alloy-agent/internal/rpc"
)

func TestNormalizeToWebsocketURL(t *testing.T) {
	cases := map[string]string{
		"http://control.example/agent":  "ws://control.example/agent",
		"https://control.example/agent": "wss://control.example/agent",
		"ws://control.example/agent":    "ws://control.example/agent",
		"wss://control.example/agent":   "wss://control.example/agent",
	}
	for in, want := range cases {
		got, err := normalizeToWebsocketURL(in)
		if err != nil {
			t.Fatalf("normalizeToWebsocketURL(%q) failed: %v", in, err)
		}
		if got != want {
			t.Fatalf("normalizeToWebsocketURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeToWebsocketURLRejectsUnknownScheme(t *testing.T) {
	if _, err := normalizeToWebsocketURL("ftp://control.example"); err == nil {
		t.Fatal("expected an error for an unsupported scheme")
	}
}

func TestHandleReqInvalidBase64(t *testing.T) {
	tun := &Tunnel{dispatcher: rpc.NewDispatcher(rpc.Deps{})}
	resp := tun.handleReq(context.Background(), reqFrame{ID: "1", Method: rpc.HealthCheck, PayloadB64: "not-valid-base64!!"})
	if resp.OK {
		t.Fatal("expected ok=false for invalid base64")
	}
	if resp.StatusMessage != "invalid base64 payload" {
		t.Fatalf("unexpected status message: %q", resp.StatusMessage)
	}
}

func TestHandleReqDispatchesHealthCheck(t *testing.T) {
	tun := &Tunnel{dispatcher: rpc.NewDispatcher(rpc.Deps{})}
	resp := tun.handleReq(context.Background(), reqFrame{ID: "1", Method: rpc.HealthCheck, PayloadB64: base64.StdEncoding.EncodeToString(nil)})
	if !resp.OK {
		t.Fatalf("expected ok=true, got status %q", resp.StatusMessage)
	}
}

func TestHandleReqUnknownMethod(t *testing.T) {
	tun := &Tunnel{dispatcher: rpc.NewDispatcher(rpc.Deps{})}
	resp := tun.handleReq(context.Background(), reqFrame{ID: "1", Method: "Nonsense.Method"})
	if resp.OK {
		t.Fatal("expected ok=false for an unknown method")
	}
}
