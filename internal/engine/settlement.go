package engine

import "github.com/ayush-codes-ar/veloNode/internal/domain"

// Outcome is the settlement decision for a submitted result.
type Outcome struct {
	Status string
	Payout bool
}

// settleOutcome decides what happens when a worker submits a result. Jobs
// without a golden hash park in VERIFYING until the researcher approves. Jobs
// with one settle immediately: a byte-for-byte match pays the worker, a
// mismatch fails verification with the escrow retained.
func settleOutcome(j domain.Job, resultHash string) Outcome {
	if j.GoldenHash == nil || *j.GoldenHash == "" {
		return Outcome{Status: domain.JobVerifying}
	}
	if *j.GoldenHash == resultHash {
		return Outcome{Status: domain.JobCompleted, Payout: true}
	}
	return Outcome{Status: domain.JobFailedVerification}
}
