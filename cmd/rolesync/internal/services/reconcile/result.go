package reconcile

import (
	"fmt"
	"slices"
	"time"
)

// Thresholds for operator recommendations.
const (
	highErrorRate    = 0.10
	highConflictRate = 0.05
	lowThroughput    = 10.0
	minUsersForRate  = 100
)

// buildResult computes the summary of a finished operation. The caller holds
// the engine lock.
func buildResult(op *SyncOperation, elapsed time.Duration) *SyncResult {
	processed := op.Progress.Processed
	res := &SyncResult{
		Duration:        elapsed,
		RepairWrites:    op.Progress.Repairs,
		Recommendations: []string{},
	}
	if secs := elapsed.Seconds(); secs > 0 {
		res.UsersPerSecond = float64(processed) / secs
	}
	if processed > 0 {
		res.ErrorRate = float64(op.Progress.Errors) / float64(processed)
		res.ConflictRate = float64(op.Progress.Conflicts) / float64(processed)
	}
	for _, c := range op.Conflicts {
		if c.Resolved() {
			res.ResolvedConflicts++
		}
	}
	res.Recommendations = recommend(op, res)
	return res
}

// recommend turns a result into operator guidance. Nothing acts on it.
func recommend(op *SyncOperation, res *SyncResult) []string {
	recs := []string{}
	if op.Status == StatusFailed {
		recs = append(recs, "sync failed: check that the IdP or the database can list users and inspect the failure")
	}
	if res.ErrorRate > highErrorRate {
		recs = append(recs, fmt.Sprintf("error rate %.0f%% above %.0f%%: check connectivity to the cache, IdP and database",
			res.ErrorRate*100, highErrorRate*100))
	}

	var openSources []string
	for _, e := range op.Errors {
		if e.Source != "" && e.BreakerOpen && !slices.Contains(openSources, string(e.Source)) {
			openSources = append(openSources, string(e.Source))
		}
	}
	slices.Sort(openSources)
	for _, s := range openSources {
		recs = append(recs, fmt.Sprintf("circuit breaker for %s was open during the sync: check its health before re-running", s))
	}

	if res.ConflictRate > highConflictRate {
		recs = append(recs, fmt.Sprintf("conflict rate %.0f%% above %.0f%%: look for writers updating roles outside the sync path",
			res.ConflictRate*100, highConflictRate*100))
	}
	if unresolved := len(op.Conflicts) - res.ResolvedConflicts; unresolved > 0 {
		recs = append(recs, fmt.Sprintf("%d conflict(s) await manual resolution", unresolved))
	}
	if op.Progress.Processed >= minUsersForRate {
		if res.UsersPerSecond < lowThroughput {
			recs = append(recs, fmt.Sprintf("throughput %.1f users/s below %.0f: raise the batch size or shorten the batch pause",
				res.UsersPerSecond, lowThroughput))
		}
		if res.RepairWrites*2 > op.Progress.Processed {
			recs = append(recs, "more than half of the users needed repairs: check the cache TTL and resolver write-back")
		}
	}
	return recs
}
