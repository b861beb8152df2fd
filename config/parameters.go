// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTimeoutCapZero     = errors.New("timeout cap must be positive")
	ErrRetentionZero      = errors.New("slot retention must be positive")
	ErrEnvelopeLimitZero  = errors.New("per-slot envelope limit must be positive")
	ErrSlotsBufferedZero  = errors.New("buffered slot window must be positive")
)

// Parameters tunes the per-node consensus engine.
type Parameters struct {
	// TimeoutCap bounds nomination round and ballot timers: the timer for
	// round or counter r is min(r, TimeoutCap/time.Second) seconds.
	TimeoutCap time.Duration `json:"timeoutCap"`

	// SlotRetention is how many externalized slots stay resident to serve
	// lagging peers before being garbage collected.
	SlotRetention uint64 `json:"slotRetention"`

	// MaxEnvelopesPerSlot bounds the envelope store per slot.
	MaxEnvelopesPerSlot int `json:"maxEnvelopesPerSlot"`

	// MaxSlotsBuffered bounds how far ahead of the highest slot the node
	// already tracks (or the latest externalized slot, if higher) the herder
	// accepts envelopes.
	MaxSlotsBuffered uint64 `json:"maxSlotsBuffered"`
}

// DefaultParameters mirrors the protocol constants: timers cap at 30
// minutes, a generous retention window, and bounded buffering.
var DefaultParameters = Parameters{
	TimeoutCap:          1800 * time.Second,
	SlotRetention:       12,
	MaxEnvelopesPerSlot: 4096,
	MaxSlotsBuffered:    8,
}

// Valid returns an error describing the first invalid field.
func (p Parameters) Valid() error {
	switch {
	case p.TimeoutCap <= 0:
		return fmt.Errorf("%w: %d", ErrTimeoutCapZero, p.TimeoutCap)
	case p.SlotRetention == 0:
		return ErrRetentionZero
	case p.MaxEnvelopesPerSlot <= 0:
		return fmt.Errorf("%w: %d", ErrEnvelopeLimitZero, p.MaxEnvelopesPerSlot)
	case p.MaxSlotsBuffered == 0:
		return ErrSlotsBufferedZero
	default:
		return nil
	}
}

// Timeout returns the escalating timer duration for nomination round or
// ballot counter [r]: min(r, cap) seconds.
func (p Parameters) Timeout(r uint64) time.Duration {
	capSeconds := uint64(p.TimeoutCap / time.Second)
	if r > capSeconds {
		r = capSeconds
	}
	return time.Duration(r) * time.Second
}
