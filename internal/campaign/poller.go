package campaign

import (
	"context"
	"log"
	"time"
)

// pollCallResults queries the call provider for every call in the batch
// until both a recording and a transcript appear, the iteration budget runs
// out, or the session is cancelled. Completed calls leave the batch; calls
// still pending at budget exhaustion are marked timed_out. Per-call query
// failures are logged and retried on the next tick.
func (o *Orchestrator) pollCallResults(ctx context.Context, taskID string, callIDs []string) {
	log.Printf("[PHONE EXECUTOR] starting poll session for %d calls (task_id: %s)", len(callIDs), taskID)

	completed := make(map[string]bool, len(callIDs))

	for iter := 0; iter < o.cfg.MaxPollIterations; iter++ {
		for _, callID := range callIDs {
			if completed[callID] {
				continue
			}

			status, err := o.calls.GetCall(ctx, callID)
			if err != nil {
				log.Printf("[PHONE EXECUTOR] error polling call %s: %v", callID, err)
				continue
			}

			calls := status.Response.Calls
			if len(calls) == 0 {
				continue
			}
			rec := calls[0]
			if rec.RecordingURL == "" || rec.Transcript == "" {
				continue
			}

			if err := o.applyCompletion(ctx, taskID, callID, rec); err != nil {
				log.Printf("[PHONE EXECUTOR] error saving results for call %s: %v", callID, err)
				continue
			}
			log.Printf("[PHONE EXECUTOR] call %s completed with recording and transcript", callID)
			completed[callID] = true
		}

		if len(completed) == len(callIDs) {
			log.Printf("[PHONE EXECUTOR] all calls completed, stopping poll session early")
			return
		}

		if iter < o.cfg.MaxPollIterations-1 {
			select {
			case <-ctx.Done():
				// Superseded or shut down; the newer session owns the state.
				log.Printf("[PHONE EXECUTOR] poll session for task_id %s cancelled", taskID)
				return
			case <-time.After(o.cfg.PollInterval):
			}
		}
	}

	var pending []string
	for _, callID := range callIDs {
		if !completed[callID] {
			pending = append(pending, callID)
		}
	}
	if len(pending) > 0 {
		log.Printf("[PHONE EXECUTOR] poll budget exhausted, %d calls timed out", len(pending))
		if err := o.markCallsTimedOut(ctx, taskID, pending); err != nil {
			log.Printf("[PHONE EXECUTOR] error marking timed out calls: %v", err)
		}
	}
}
