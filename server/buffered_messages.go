// Copyright 2025 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"sync"
)

// BufferCursor is a reader position in BufferedMessages. A negative index
// means the reader has seen nothing yet.
type BufferCursor interface {
	LastIndex() int64
	SetLastIndex(index int64)
}

type bufferedMessage struct {
	index int64
	line  string
}

// BufferedMessages is a sequence numbered message log shared by every pull
// session. Indexes start at 1, are contiguous and are never reused.
type BufferedMessages struct {
	sync.Mutex
	metrics  Metrics
	messages []*bufferedMessage
	maxIndex int64
}

func NewBufferedMessages(metrics Metrics) *BufferedMessages {
	return &BufferedMessages{
		metrics:  metrics,
		messages: make([]*bufferedMessage, 0),
	}
}

// Push appends a line and returns its index.
func (b *BufferedMessages) Push(line string) int64 {
	b.Lock()
	b.maxIndex++
	index := b.maxIndex
	b.messages = append(b.messages, &bufferedMessage{index: index, line: line})
	size := len(b.messages)
	b.Unlock()

	b.metrics.GaugeBufferedMessages(float64(size))
	return index
}

// Pop returns every retained line newer than the cursor and moves the cursor
// to the newest index.
func (b *BufferedMessages) Pop(cursor BufferCursor) []string {
	b.Lock()
	defer b.Unlock()

	last := cursor.LastIndex()
	cursor.SetLastIndex(b.maxIndex)

	var from int
	switch {
	case last < 0:
		from = 0
	case last >= b.maxIndex:
		// Caught up, or ahead after a resync: nothing to return.
		return nil
	default:
		missing := b.maxIndex - last
		from = len(b.messages) - int(missing)
		if from < 0 {
			// The oldest requested lines were already trimmed.
			from = 0
		}
	}

	if from >= len(b.messages) {
		return nil
	}
	lines := make([]string, 0, len(b.messages)-from)
	for _, message := range b.messages[from:] {
		lines = append(lines, message.line)
	}
	return lines
}

// Shrink drops every message with an index lower than minIndex.
func (b *BufferedMessages) Shrink(minIndex int64) {
	b.Lock()
	if len(b.messages) == 0 || b.messages[0].index >= minIndex {
		b.Unlock()
		return
	}
	drop := int(minIndex - b.messages[0].index)
	if drop > len(b.messages) {
		drop = len(b.messages)
	}
	remaining := make([]*bufferedMessage, len(b.messages)-drop)
	copy(remaining, b.messages[drop:])
	b.messages = remaining
	size := len(b.messages)
	b.Unlock()

	b.metrics.GaugeBufferedMessages(float64(size))
}

// Clear drops every message. The index sequence continues where it was.
func (b *BufferedMessages) Clear() {
	b.Lock()
	b.messages = make([]*bufferedMessage, 0)
	b.Unlock()

	b.metrics.GaugeBufferedMessages(0)
}

func (b *BufferedMessages) Len() int {
	b.Lock()
	defer b.Unlock()
	return len(b.messages)
}

func (b *BufferedMessages) MaxIndex() int64 {
	b.Lock()
	defer b.Unlock()
	return b.maxIndex
}
