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

import "errors"

// ErrConfiguration indicates an invalid setup request: an unknown backend,
// an empty endpoint, or an address a backend cannot serve. Configuration
// problems fail fast at construction, never at first use.
var ErrConfiguration = errors.New("invalid messaging configuration")

// ErrConnection indicates the socket could not reach (or has lost) its
// transport. A subscriber built with SkipVerify carries this on every
// receive after a swallowed connect failure.
var ErrConnection = errors.New("socket not connected")

// ErrClosed indicates an operation on a closed socket.
var ErrClosed = errors.New("socket closed")

// ErrCapacity indicates a fixed-size resource is exhausted, such as a
// poller's socket table.
var ErrCapacity = errors.New("capacity exhausted")
