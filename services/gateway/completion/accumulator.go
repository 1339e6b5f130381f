// Copyright (C) 2025 Verdalis AI (oss@verdalis.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package completion

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	// AccumulatorBufferSize bounds a single streamed completion. 512 KB
	// covers roughly 131k tokens at 4 bytes/token.
	AccumulatorBufferSize = 512 * 1024

	// minMlockLimitKB is the mlock limit required for secure mode.
	minMlockLimitKB = 512

	// insecureMemoryEnv opts in to plain-memory accumulation on systems
	// whose mlock limits are too low.
	insecureMemoryEnv = "VERDALIS_INSECURE_MEMORY"
)

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// TokenAccumulator collects streamed tokens into a single answer.
//
// # Description
//
// Streamed completions pass through the gateway token by token, but the
// transcript stores whole messages. The accumulator buffers tokens in
// mlocked memory so in-flight answers never hit swap, hashing them
// incrementally so the relay can stamp an integrity hash on the final
// event. Finalize returns the answer and hash and wipes the buffer; the
// accumulator is single-use.
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
type TokenAccumulator interface {
	// Write appends a token. Fails on overflow or after Finalize/Destroy.
	Write(token string) error

	// Finalize returns the accumulated answer and its hex SHA-256 hash,
	// then wipes the buffer. Single use.
	Finalize() (answer string, hash string, err error)

	// Destroy wipes the buffer without returning data. Idempotent.
	Destroy()

	// ID identifies this accumulator in logs.
	ID() string

	// CreatedAt is when the accumulator was allocated.
	CreatedAt() time.Time
}

// NewTokenAccumulator allocates an accumulator, secure when the system's
// mlock limit allows it. With an insufficient limit the call fails
// unless VERDALIS_INSECURE_MEMORY=true, which substitutes a plain-memory
// implementation with a warning.
func NewTokenAccumulator() (TokenAccumulator, error) {
	initMemguard()
	if !mlockSufficient {
		if os.Getenv(insecureMemoryEnv) == "true" {
			return newInsecureAccumulator(), nil
		}
		return nil, fmt.Errorf(
			"mlock limit insufficient for secure accumulation: have %d KB, need %d KB. "+
				"Raise the limit or set %s=true", currentMlockLimitKB, minMlockLimitKB,
			insecureMemoryEnv)
	}

	buf := memguard.NewBuffer(AccumulatorBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate secure buffer of %d bytes", AccumulatorBufferSize)
	}
	buf.Melt()
	acc := &secureAccumulator{
		id:        uuid.New().String(),
		createdAt: time.Now(),
		buffer:    buf,
		hasher:    sha256.New(),
	}
	slog.Debug("Allocated secure token accumulator", "accumulator_id", acc.id)
	return acc, nil
}

// PurgeSecureMemory wipes all memguard-held memory. Called on graceful
// shutdown; existing accumulators are invalid afterwards.
func PurgeSecureMemory() {
	memguard.Purge()
	slog.Info("Purged secure accumulator memory")
}

func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if mlockSufficient {
			slog.Info("Secure memory initialized",
				"mlock_limit_kb", currentMlockLimitKB, "required_kb", minMlockLimitKB)
		} else {
			slog.Warn("mlock limit insufficient for secure accumulation",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", minMlockLimitKB,
				"override_env", insecureMemoryEnv)
		}
	})
}

// checkMlockLimit queries the kernel's RLIMIT_MEMLOCK. The second return
// is the current limit in KB, -1 for unlimited.
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= minMlockLimitKB, limitKB
}

// secureAccumulator keeps the in-flight answer in an mlocked, guarded
// buffer and wipes it explicitly on finalize or destroy.
type secureAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func (a *secureAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("secure buffer overflow, response too large")
	}
	tokenBytes := []byte(token)
	if a.offset+len(tokenBytes) > AccumulatorBufferSize {
		a.overflow = true
		return fmt.Errorf("secure buffer overflow: need %d bytes, have %d remaining",
			len(tokenBytes), AccumulatorBufferSize-a.offset)
	}
	copy(a.buffer.Bytes()[a.offset:], tokenBytes)
	a.offset += len(tokenBytes)
	a.hasher.Write(tokenBytes)
	return nil
}

func (a *secureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}
	answer := string(a.buffer.Bytes()[:a.offset])
	hashStr := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()

	slog.Debug("Finalized secure token accumulator",
		"accumulator_id", a.id, "answer_length", len(answer))
	return answer, hashStr, nil
}

func (a *secureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
}

func (a *secureAccumulator) ID() string           { return a.id }
func (a *secureAccumulator) CreatedAt() time.Time { return a.createdAt }

func (a *secureAccumulator) wipe() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

// insecureAccumulator is the plain-memory fallback. Same contract, none
// of the mlock guarantees; wiping is best effort under the GC.
type insecureAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func newInsecureAccumulator() TokenAccumulator {
	acc := &insecureAccumulator{
		id:        uuid.New().String(),
		createdAt: time.Now(),
		data:      make([]byte, 0, AccumulatorBufferSize),
		hasher:    sha256.New(),
	}
	slog.Warn("Created INSECURE token accumulator, data may be swapped to disk",
		"accumulator_id", acc.id)
	return acc
}

func (a *insecureAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("buffer overflow, response too large")
	}
	tokenBytes := []byte(token)
	if len(a.data)+len(tokenBytes) > AccumulatorBufferSize {
		a.overflow = true
		return fmt.Errorf("buffer overflow: need %d bytes, have %d remaining",
			len(tokenBytes), AccumulatorBufferSize-len(a.data))
	}
	a.data = append(a.data, tokenBytes...)
	a.hasher.Write(tokenBytes)
	return nil
}

func (a *insecureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}
	answer := string(a.data)
	hashStr := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return answer, hashStr, nil
}

func (a *insecureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
}

func (a *insecureAccumulator) ID() string           { return a.id }
func (a *insecureAccumulator) CreatedAt() time.Time { return a.createdAt }

func (a *insecureAccumulator) wipe() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}
