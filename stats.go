// Copyright 2024-present Dmitri Kropachev. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See the LICENSE file for details.

package taskq

import "context"

// Stats describes the tasks in a queue, grouped by state.
type Stats struct {
	Pending     int `json:"pending"`     // number of tasks waiting to be claimed
	Processing  int `json:"processing"`  // number of tasks currently claimed
	Rescheduled int `json:"rescheduled"` // number of tasks waiting for a retry
	Completed   int `json:"completed"`   // number of successfully completed tasks
	Failed      int `json:"failed"`      // number of permanently failed tasks
	Buried      int `json:"buried"`      // number of tasks reclaimed from stale claims
}

// StatsReporter is implemented by queue backends that can report
// statistics, e.g. for the stats web UI.
type StatsReporter interface {
	Stats(ctx context.Context) (*Stats, error)
}
