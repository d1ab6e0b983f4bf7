/*
 * Telemeter
 * Copyright (C) 2024  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package utils

import (
	"math/rand/v2"
	"time"

	"github.com/gravitational/trace"
)

// Jitter is a function which applies random jitter to a duration. Used to
// randomize backoff values. Must be safe for concurrent usage.
type Jitter func(time.Duration) time.Duration

// NewSeventhJitter builds a new jitter on the range [6n/7,n). Prefer smaller
// jitters such as this when jittering periodic operations since large jitters
// result in significantly increased load.
func NewSeventhJitter() Jitter {
	return func(d time.Duration) time.Duration {
		if d < 1 {
			return 0
		}
		return 6*d/7 + rand.N(d)/7
	}
}

// ExponentialBackoffConfig configures an ExponentialBackoff.
type ExponentialBackoffConfig struct {
	// Base is the first retry delay, doubled on each further attempt.
	Base time.Duration
	// Max caps the exponential component of the delay.
	Max time.Duration
	// Rand overrides the additive jitter source in tests. It must return a
	// value on [0,d).
	Rand func(d time.Duration) time.Duration
}

// CheckAndSetDefaults checks and sets defaults.
func (c *ExponentialBackoffConfig) CheckAndSetDefaults() error {
	if c.Base <= 0 {
		return trace.BadParameter("missing parameter Base")
	}
	if c.Max <= 0 {
		return trace.BadParameter("missing parameter Max")
	}
	if c.Max < c.Base {
		return trace.BadParameter("parameter Max cannot be smaller than Base")
	}
	if c.Rand == nil {
		c.Rand = func(d time.Duration) time.Duration { return rand.N(d) }
	}
	return nil
}

// NewExponentialBackoff returns the delay schedule
//
//	base*2^(attempt-1) + rand[0,base)
//
// with the exponential component capped at Max. Attempts are 1-based.
func NewExponentialBackoff(cfg ExponentialBackoffConfig) (*ExponentialBackoff, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &ExponentialBackoff{cfg: cfg}, nil
}

// ExponentialBackoff computes retry delays for delivery attempts.
type ExponentialBackoff struct {
	cfg ExponentialBackoffConfig
}

// Duration returns the delay to apply after the given 1-based attempt.
func (b *ExponentialBackoff) Duration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.cfg.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.cfg.Max {
			d = b.cfg.Max
			break
		}
	}
	if d > b.cfg.Max {
		d = b.cfg.Max
	}
	return d + b.cfg.Rand(b.cfg.Base)
}
