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

// Package event provides a cross-process named binary event built on an
// eventfd counter plus a small shared-memory block. The fake transport
// backend uses a pair of these to deterministically sequence publisher and
// subscriber steps in tests.
package event

import "errors"

// ErrTimeout indicates a wait elapsed without a signal.
var ErrTimeout = errors.New("event wait timed out")

// ErrClosed indicates an operation on a closed event or handle.
var ErrClosed = errors.New("event closed")

// ErrUnsupportedPlatform indicates the kernel primitive (eventfd) is
// missing on this platform. Construction fails with this; there is no
// silent no-op fallback.
var ErrUnsupportedPlatform = errors.New("eventfd not supported on this platform")
