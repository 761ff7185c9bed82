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

package shm

import "errors"

// ErrCapacity indicates all subscriber slots are claimed.
var ErrCapacity = errors.New("subscriber capacity exhausted")

// ErrMessageTooLarge indicates a payload that cannot fit in the ring even
// when it is otherwise empty.
var ErrMessageTooLarge = errors.New("message too large for queue")

// ErrState indicates an operation invalid for the handle's current role,
// e.g. Send on a subscriber or configuring a handle twice.
var ErrState = errors.New("invalid queue handle state")

// ErrFutexTimeout is returned by futexWaitTimeout when the wait times out.
var ErrFutexTimeout = errors.New("futex timeout")

// ErrUnsupportedPlatform indicates the blocking primitives this queue needs
// are missing on the current platform. Construction fails with this rather
// than degrading to a silent no-op.
var ErrUnsupportedPlatform = errors.New("shared-memory queue not supported on this platform")
