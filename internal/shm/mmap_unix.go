//go:build linux || darwin

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

import (
	"fmt"
	"os"
	"syscall"
)

// mmapFile memory maps a file for shared read/write access.
func mmapFile(file *os.File, size int) ([]byte, error) {
	fd := int(file.Fd())

	data, err := syscall.Mmap(fd, 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	return data, nil
}

// unmapMemory unmaps a memory-mapped region.
func unmapMemory(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	if err := syscall.Munmap(data); err != nil {
		return fmt.Errorf("munmap failed: %w", err)
	}

	return nil
}
