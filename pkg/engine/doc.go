// Package engine drives a calcjob through its processing steps: rendering
// the job script, uploading inputs, submitting to the remote scheduler,
// polling until the job ends, downloading outputs and classifying the
// result.
//
// Each step is idempotent and ends in exactly one persisted transition, so a
// crash at any point resumes by re-running the step the record is parked at.
// Transient remote failures and context cancellation leave the record in
// place for retry; anything else excepts the calcjob with the cause recorded.
package engine
