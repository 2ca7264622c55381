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

package supervisor

import (
	"sync"

	"github.com/alloyinfra/alloy-agent/internal/model"
)

// logBuffer is a bounded ring of (seq, line) pairs (spec §3's
// log_buffer). It has its own lock so stdio-capture goroutines never
// need to hold the supervisor's process-map mutex while appending
// (§5 "Shared state").
//
// logBuffer is reference-counted by nothing more than a shared pointer:
// the processEntry and the two stream-capture goroutines all hold the
// same *logBuffer, so the goroutines need no back-reference to the owning
// ProcessEntry or Supervisor (spec §9 "Cyclic references").
type logBuffer struct {
	mu       sync.Mutex
	lines    []model.LogLine
	capacity int
	nextSeq  uint64
}

func newLogBuffer(capacity int) *logBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &logBuffer{capacity: capacity, nextSeq: 1}
}

// Append adds one line, evicting the oldest line if the buffer is full.
func (b *logBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, model.LogLine{Seq: b.nextSeq, Line: line})
	b.nextSeq++
	if len(b.lines) > b.capacity {
		b.lines = b.lines[len(b.lines)-b.capacity:]
	}
}

// Tail implements the cursor semantics of Process.TailLogs (spec §4.1,
// invariants P4/P5):
//   - cursor == 0: the last min(limit, len) lines; next_cursor is the
//     seq of the last line returned.
//   - cursor > 0: lines with seq > cursor, up to limit, in order;
//     next_cursor is the seq of the last line returned, or the input
//     cursor if nothing newer exists.
func (b *logBuffer) Tail(cursor uint64, limit int) ([]model.LogLine, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if limit <= 0 {
		limit = len(b.lines)
	}

	if cursor == 0 {
		start := 0
		if len(b.lines) > limit {
			start = len(b.lines) - limit
		}
		out := append([]model.LogLine(nil), b.lines[start:]...)
		next := cursor
		if len(out) > 0 {
			next = out[len(out)-1].Seq
		}
		return out, next
	}

	var out []model.LogLine
	for _, l := range b.lines {
		if l.Seq > cursor {
			out = append(out, l)
			if len(out) >= limit {
				break
			}
		}
	}
	next := cursor
	if len(out) > 0 {
		next = out[len(out)-1].Seq
	}
	return out, next
}
