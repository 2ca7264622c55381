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

// Package tunnel implements the agent side of the Control Tunnel (spec
// §4.3): the agent dials out to the control plane (it's typically behind
// NAT) and keeps a long-lived, authenticated, bidirectional frame
// connection open, redialing with backoff whenever it drops.
package tunnel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/alloyinfra/alloy-agent/internal/rpc"
	"github.com/alloyinfra/alloy-agent/internal/status"
)

// Tunnel dials the control plane and serves RPCs off a *rpc.Dispatcher
// until ctx is cancelled.
type Tunnel struct {
	controlURL   string
	nodeToken    string
	nodeName     string
	agentVersion string
	dispatcher   *rpc.Dispatcher

	// inFlight tracks req-handler goroutines across reconnects: a
	// handler started on one socket is left to finish (and discard its
	// write) in the background rather than blocking the next dial, and
	// is only waited on during final shutdown (spec §4.3's "close all
	// in-flight responders ... reconnect").
	inFlight sync.WaitGroup
}

// New builds a Tunnel that will dial controlURL (accepting http(s) or
// ws(s) forms per spec §4.3) and serve reqs through dispatcher.
func New(controlURL, nodeToken, nodeName, agentVersion string, dispatcher *rpc.Dispatcher) *Tunnel {
	return &Tunnel{
		controlURL:   controlURL,
		nodeToken:    nodeToken,
		nodeName:     nodeName,
		agentVersion: agentVersion,
		dispatcher:   dispatcher,
	}
}

// Run dials, serves, and redials until ctx is cancelled (spec §4.3's
// connection lifecycle: "On socket close or error: ... sleep
// min(backoff*2, 30s), reconnect. Clean close resets backoff; transient
// error doubles it.").
func (t *Tunnel) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // never give up; the agent redials forever.
	b.Reset()

	for {
		if ctx.Err() != nil {
			t.inFlight.Wait()
			return ctx.Err()
		}
		cleanClose, err := t.connectAndServe(ctx)
		if err != nil {
			logrus.WithError(err).Warn("control tunnel connection failed")
		}
		if cleanClose {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			wait = b.MaxInterval
		}
		select {
		case <-ctx.Done():
			t.inFlight.Wait()
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// connectAndServe dials once, sends hello, and serves req frames until
// the socket closes or ctx is cancelled. The returned bool reports
// whether the socket closed cleanly (resets backoff) vs. with an error
// (doubles it).
func (t *Tunnel) connectAndServe(ctx context.Context) (cleanClose bool, err error) {
	wsURL, err := normalizeToWebsocketURL(t.controlURL)
	if err != nil {
		return false, fmt.Errorf("invalid control url: %w", err)
	}

	header := http.Header{}
	if t.nodeToken != "" {
		header.Set("Authorization", "Bearer "+t.nodeToken)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return false, fmt.Errorf("dialing control plane: %w", err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	writeJSON := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	if err := writeJSON(helloFrame{Type: frameTypeHello, Node: t.nodeName, AgentVersion: t.agentVersion}); err != nil {
		return false, fmt.Errorf("sending hello: %w", err)
	}
	logrus.WithField("node", t.nodeName).Info("control tunnel connected")

	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return true, nil
			}
			return false, fmt.Errorf("reading frame: %w", err)
		}

		var env frameEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue // malformed frame: ignored, same as an unknown type.
		}
		if env.Type != frameTypeReq {
			continue // hello/resp/unknown are never sent to the agent.
		}

		var req reqFrame
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}

		t.inFlight.Add(1)
		go func() {
			defer t.inFlight.Done()
			resp := t.handleReq(ctx, req)
			if err := writeJSON(resp); err != nil {
				logrus.WithError(err).Warn("failed to write resp frame")
			}
		}()
	}
}

// handleReq decodes payload_b64 and runs it through the dispatcher (spec
// §4.3: "on decode error, emit a resp with ok=false, INVALID_ARGUMENT ...
// without touching the dispatcher").
func (t *Tunnel) handleReq(ctx context.Context, req reqFrame) respFrame {
	payload, err := base64.StdEncoding.DecodeString(req.PayloadB64)
	if err != nil {
		code := int32(status.InvalidArgument)
		return respFrame{
			Type:          frameTypeResp,
			ID:            req.ID,
			OK:            false,
			StatusCode:    &code,
			StatusMessage: "invalid base64 payload",
		}
	}

	respPayload, serr := t.dispatcher.Dispatch(ctx, req.Method, payload)
	if serr != nil {
		code := int32(serr.Code)
		return respFrame{
			Type:          frameTypeResp,
			ID:            req.ID,
			OK:            false,
			StatusCode:    &code,
			StatusMessage: serr.Message,
		}
	}

	return respFrame{
		Type:       frameTypeResp,
		ID:         req.ID,
		OK:         true,
		PayloadB64: base64.StdEncoding.EncodeToString(respPayload),
	}
}

// normalizeToWebsocketURL accepts either an http(s) URL (upgraded to
// ws(s)) or an already-ws(s) URL (spec §4.3).
func normalizeToWebsocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already in the right form.
	default:
		return "", fmt.Errorf("unsupported control url scheme %q", u.Scheme)
	}
	return u.String(), nil
}
