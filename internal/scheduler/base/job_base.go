// Package base provides the shared building block scheduler jobs embed.
package base

import "sync/atomic"

// JobBase gives a Job single-flight protection against overlapping runs:
// if the cron tick fires again before a prior run finished, the new tick
// is skipped rather than stacking concurrent executions of the same job.
type JobBase struct {
	running int32
}

// TryStart reports whether the job was idle and marks it running. Call
// Finish when the run completes, including on error.
func (j *JobBase) TryStart() bool {
	return atomic.CompareAndSwapInt32(&j.running, 0, 1)
}

// Finish marks the job idle again.
func (j *JobBase) Finish() {
	atomic.StoreInt32(&j.running, 0)
}
