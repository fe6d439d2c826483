// Copyright (c) 2026 The Mezzo Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package backoff retries fallible operations under a policy.
package backoff

import (
	"time"

	"k8s.io/utils/clock"
)

const done time.Duration = -1

// RetryPolicy yields the delay before the next attempt, or a
// negative duration to give up.
type RetryPolicy interface {
	CalculateNextDelay(attempt int) time.Duration
}

// NewExponentialPolicy doubles the interval each attempt, capped at
// cap, for at most maxAttempts attempts. maxAttempts <= 0 never
// gives up; callers owning reconnect loops use that with their own
// stop signal.
func NewExponentialPolicy(maxAttempts int, interval, cap time.Duration) RetryPolicy {
	return &exponentialPolicy{
		maxAttempts: maxAttempts,
		interval:    interval,
		cap:         cap,
	}
}

type exponentialPolicy struct {
	maxAttempts int
	interval    time.Duration
	cap         time.Duration
}

func (p *exponentialPolicy) CalculateNextDelay(attempt int) time.Duration {
	if p.maxAttempts > 0 && attempt >= p.maxAttempts {
		return done
	}
	delay := p.interval << uint(attempt-1)
	if delay > p.cap || delay <= 0 {
		delay = p.cap
	}
	return delay
}

// Retriable is a function worth retrying.
type Retriable func() error

// Retry runs f until it succeeds or the policy gives up, sleeping on
// the given clock between attempts. Returns the last error.
func Retry(f Retriable, p RetryPolicy, c clock.Clock) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = f(); err == nil {
			return nil
		}
		delay := p.CalculateNextDelay(attempt)
		if delay == done {
			return err
		}
		c.Sleep(delay)
	}
}
