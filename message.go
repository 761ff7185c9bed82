/*
 *
 * Copyright 2025 the msgq authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package msgq

// Message is one received payload. The backing bytes are owned by the
// message; transports hand over a private copy, so callers may hold a
// Message as long as they like.
type Message struct {
	data []byte
}

// NewMessage wraps payload bytes in a Message. The Message takes ownership
// of the slice.
func NewMessage(data []byte) *Message {
	return &Message{data: data}
}

// Data returns the payload bytes.
func (m *Message) Data() []byte {
	return m.data
}

// Size returns the payload length in bytes.
func (m *Message) Size() int {
	return len(m.data)
}
