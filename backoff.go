// Copyright 2024-present Dmitri Kropachev. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See the LICENSE file for details.

package taskq

import (
	"math"
	"time"
)

// BackoffFunc is a callback that returns the delay before the next retry
// of a rescheduled task. Queue implementations use it to compute the
// delay returned from AutoRescheduleTask. Exponential backoff is used
// by default.
type BackoffFunc func(retry int) time.Duration

// DefaultBackoff is the backoff used by queue backends when no custom
// BackoffFunc is configured.
var DefaultBackoff BackoffFunc = exponentialBackoff

// exponentialBackoff is the default backoff function. It performs
// exponential backoff.
func exponentialBackoff(retry int) time.Duration {
	if retry == 0 {
		return time.Duration(0)
	}
	return time.Duration(math.Pow(10, float64(retry))) * time.Millisecond
}
