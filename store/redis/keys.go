package redis

// Redis key naming conventions. All keys are prefixed with "drover:" to
// avoid collisions with other applications sharing the instance.

const keyPrefix = "drover:"

// jobKey returns the Hash key for a job entity: drover:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// queuedKey is the Sorted Set of queued job IDs, scored by run_at
// (unix milliseconds). Lowest score is dequeued first.
const queuedKey = keyPrefix + "queued"

// runningKey is the Sorted Set of claimed job IDs, scored by locked_at
// (unix milliseconds). The reaper scans it for expired claims.
const runningKey = keyPrefix + "running"

// deadKey is the Sorted Set of terminally failed job IDs, scored by the
// time of the final failure.
const deadKey = keyPrefix + "dead"

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"
