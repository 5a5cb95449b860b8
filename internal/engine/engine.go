package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ayush-codes-ar/veloNode/internal/config"
	"github.com/ayush-codes-ar/veloNode/internal/domain"
	"github.com/ayush-codes-ar/veloNode/internal/events"
	"github.com/ayush-codes-ar/veloNode/internal/repo"
)

// Engine is the transactional core: credit ledger, job registry and settlement
// policy. Every multi-step mutation runs inside a single SQL transaction so a
// partial write is never observable.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Log    zerolog.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Log:    zerolog.Nop(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// EnsureAccount returns the account for an identity, creating it with the
// configured starting balance on first sight. Safe to call repeatedly; a
// second call never resets the balance.
func (e Engine) EnsureAccount(ctx context.Context, identity string) (domain.Account, error) {
	if identity == "" {
		return domain.Account{}, errors.New("identity is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Account{}, err
	}
	defer tx.Rollback()

	existing, err := e.Repo.GetAccountTx(ctx, tx, identity)
	if err == nil {
		return existing, tx.Commit()
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Account{}, err
	}
	a := domain.Account{
		Identity:  identity,
		Balance:   e.startingBalance(),
		CreatedAt: e.nowStr(),
	}
	if err := e.Repo.InsertAccount(ctx, tx, a); err != nil {
		return domain.Account{}, fmt.Errorf("insert account: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "account.created", "", identity, events.EventPayload{"balance": a.Balance}); err != nil {
		return domain.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Account{}, err
	}
	return a, nil
}

func (e Engine) startingBalance() int64 {
	if e.Config != nil {
		return e.Config.Ledger.StartingBalance
	}
	return 1000
}

// Balance returns the current credit balance for an identity.
func (e Engine) Balance(ctx context.Context, identity string) (int64, error) {
	a, err := e.Repo.GetAccount(ctx, identity)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, err
	}
	return a.Balance, nil
}

// Debit atomically removes credits from an account.
func (e Engine) Debit(ctx context.Context, identity string, amount int64) error {
	if amount <= 0 {
		return errors.New("amount must be positive")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.debitTx(ctx, tx, identity, amount); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "ledger.debit", "", identity, events.EventPayload{"amount": amount}); err != nil {
		return err
	}
	return tx.Commit()
}

// Credit atomically adds credits to an account.
func (e Engine) Credit(ctx context.Context, identity string, amount int64) error {
	if amount <= 0 {
		return errors.New("amount must be positive")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Repo.AdjustBalance(ctx, tx, identity, amount)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAccountNotFound
	}
	if err := e.Events.Append(ctx, tx, "ledger.credit", "", identity, events.EventPayload{"amount": amount}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) debitTx(ctx context.Context, tx *sql.Tx, identity string, amount int64) error {
	ok, err := e.Repo.AdjustBalance(ctx, tx, identity, -amount)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if _, err := e.Repo.GetAccountTx(ctx, tx, identity); errors.Is(err, repo.ErrNotFound) {
		return ErrAccountNotFound
	} else if err != nil {
		return err
	}
	return ErrInsufficientFunds
}

// payoutTx credits the worker inside the settlement transaction. A missing
// worker account does not fail the settlement: the credit is skipped, logged,
// and flagged with a payout.skipped audit event so the conservation anomaly is
// never silent.
func (e Engine) payoutTx(ctx context.Context, tx *sql.Tx, jobID, worker string, amount int64) error {
	ok, err := e.Repo.AdjustBalance(ctx, tx, worker, amount)
	if err != nil {
		return err
	}
	if !ok {
		e.Log.Warn().Str("job_id", jobID).Str("worker", worker).Int64("amount", amount).
			Msg("payout skipped: worker account missing")
		return e.Events.Append(ctx, tx, "payout.skipped", jobID, worker, events.EventPayload{"amount": amount})
	}
	return e.Events.Append(ctx, tx, "payout.credited", jobID, worker, events.EventPayload{"amount": amount})
}

// CreateJobOptions are parameters for posting a job.
type CreateJobOptions struct {
	Researcher string
	Image      string
	InputHash  string
	VRAM       int
	Bounty     int64
	GoldenHash string
}

// CreateJob escrows the bounty and inserts the OPEN job in one transaction;
// the debit and the insert commit together or not at all.
func (e Engine) CreateJob(ctx context.Context, opts CreateJobOptions) (domain.Job, error) {
	if opts.Researcher == "" {
		return domain.Job{}, errors.New("researcher is required")
	}
	if opts.Image == "" {
		return domain.Job{}, errors.New("image reference is required")
	}
	if opts.Bounty <= 0 {
		return domain.Job{}, ErrInvalidBounty
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	if err := e.debitTx(ctx, tx, opts.Researcher, opts.Bounty); err != nil {
		return domain.Job{}, err
	}
	j := domain.Job{
		ID:         uuid.New().String(),
		Researcher: opts.Researcher,
		Image:      opts.Image,
		InputHash:  opts.InputHash,
		VRAM:       opts.VRAM,
		Bounty:     opts.Bounty,
		Status:     domain.JobOpen,
		CreatedAt:  e.nowStr(),
	}
	if opts.GoldenHash != "" {
		j.GoldenHash = &opts.GoldenHash
	}
	if err := e.Repo.InsertJob(ctx, tx, j); err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "job.created", j.ID, opts.Researcher, events.EventPayload{
		"bounty": j.Bounty,
		"image":  j.Image,
	}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// ClaimJob assigns an OPEN job to a worker. Concurrent claims on the same job
// serialize on the status-guarded update: exactly one wins, the rest get
// ErrJobNotAvailable.
func (e Engine) ClaimJob(ctx context.Context, jobID, worker string) (domain.Job, error) {
	if worker == "" {
		return domain.Job{}, errors.New("worker is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.ClaimJob(ctx, tx, jobID, worker, e.nowStr())
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		if _, err := e.Repo.GetJobTx(ctx, tx, jobID); errors.Is(err, repo.ErrNotFound) {
			return domain.Job{}, ErrJobNotFound
		} else if err != nil {
			return domain.Job{}, err
		}
		return domain.Job{}, ErrJobNotAvailable
	}
	if err := e.Events.Append(ctx, tx, "job.claimed", jobID, worker, nil); err != nil {
		return domain.Job{}, err
	}
	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// SubmitResult records a worker's result and settles the job per the
// verification policy. Status write, result write and any payout commit as one
// unit.
func (e Engine) SubmitResult(ctx context.Context, jobID, worker, resultHash string) (domain.Job, error) {
	if resultHash == "" {
		return domain.Job{}, errors.New("result hash is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Job{}, ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, err
	}
	if j.Status != domain.JobAssigned {
		return domain.Job{}, ErrJobNotInProgress
	}
	if j.Worker == nil || *j.Worker != worker {
		return domain.Job{}, ErrUnauthorizedWorker
	}

	outcome := settleOutcome(j, resultHash)
	ok, err := e.Repo.SettleJob(ctx, tx, jobID, outcome.Status, resultHash, e.nowStr())
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, ErrJobNotInProgress
	}
	if outcome.Payout {
		if err := e.payoutTx(ctx, tx, jobID, worker, j.Bounty); err != nil {
			return domain.Job{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "job.result", jobID, worker, events.EventPayload{
		"status": outcome.Status,
		"payout": outcome.Payout,
	}); err != nil {
		return domain.Job{}, err
	}
	j, err = e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// ApproveJob releases the escrowed bounty to the worker after the researcher
// signs off on a VERIFYING job.
func (e Engine) ApproveJob(ctx context.Context, jobID, researcher string) (domain.Job, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Job{}, ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, err
	}
	if j.Researcher != researcher {
		return domain.Job{}, ErrUnauthorizedResearcher
	}
	if j.Status != domain.JobVerifying {
		return domain.Job{}, ErrJobNotVerifying
	}
	if j.Worker == nil {
		return domain.Job{}, fmt.Errorf("job %s verifying without a worker", jobID)
	}
	ok, err := e.Repo.ApproveJob(ctx, tx, jobID, e.nowStr())
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, ErrJobNotVerifying
	}
	if err := e.payoutTx(ctx, tx, jobID, *j.Worker, j.Bounty); err != nil {
		return domain.Job{}, err
	}
	if err := e.Events.Append(ctx, tx, "job.approved", jobID, researcher, events.EventPayload{"worker": *j.Worker, "bounty": j.Bounty}); err != nil {
		return domain.Job{}, err
	}
	j, err = e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// Heartbeat records worker liveness telemetry on an assigned job.
func (e Engine) Heartbeat(ctx context.Context, jobID, worker string, gpuUsage int, step int64) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}
	if j.Status != domain.JobAssigned {
		return ErrJobNotInProgress
	}
	if j.Worker == nil || *j.Worker != worker {
		return ErrUnauthorizedWorker
	}
	ts := e.nowStr()
	if j.LastHeartbeat != nil && ts < *j.LastHeartbeat {
		return ErrStaleHeartbeat
	}
	ok, err := e.Repo.TouchHeartbeat(ctx, tx, jobID, worker, ts, step)
	if err != nil {
		return err
	}
	if !ok {
		return ErrJobNotInProgress
	}
	if err := e.Events.Append(ctx, tx, "job.heartbeat", jobID, worker, events.EventPayload{
		"gpu_usage": gpuUsage,
		"step":      step,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// RequeueStale returns ASSIGNED jobs whose worker has stopped heartbeating to
// the OPEN pool so another worker can pick them up. The escrow is untouched.
func (e Engine) RequeueStale(ctx context.Context, timeout time.Duration, actorID string) ([]domain.Job, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cutoff := e.now().UTC().Add(-timeout).Format(time.RFC3339)
	stale, err := e.Repo.StaleAssignedJobs(ctx, tx, cutoff)
	if err != nil {
		return nil, err
	}
	var requeued []domain.Job
	for _, j := range stale {
		ok, err := e.Repo.RequeueJob(ctx, tx, j.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		worker := ""
		if j.Worker != nil {
			worker = *j.Worker
		}
		if err := e.Events.Append(ctx, tx, "job.requeued", j.ID, actorID, events.EventPayload{"worker": worker}); err != nil {
			return nil, err
		}
		e.Log.Info().Str("job_id", j.ID).Str("worker", worker).Msg("requeued stale job")
		requeued = append(requeued, j)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return requeued, nil
}

// GetJob returns a job by id.
func (e Engine) GetJob(ctx context.Context, id string) (domain.Job, error) {
	j, err := e.Repo.GetJob(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Job{}, ErrJobNotFound
	}
	return j, err
}

// HeartbeatTimeout returns the configured stale-worker cutoff.
func (e Engine) HeartbeatTimeout() time.Duration {
	if e.Config != nil && e.Config.Jobs.HeartbeatTimeoutSeconds > 0 {
		return time.Duration(e.Config.Jobs.HeartbeatTimeoutSeconds) * time.Second
	}
	return 900 * time.Second
}
