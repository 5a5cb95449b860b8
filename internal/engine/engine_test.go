package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ayush-codes-ar/veloNode/internal/config"
	"github.com/ayush-codes-ar/veloNode/internal/db"
	"github.com/ayush-codes-ar/veloNode/internal/domain"
	"github.com/ayush-codes-ar/veloNode/internal/engine"
	"github.com/ayush-codes-ar/veloNode/internal/migrate"
	"github.com/ayush-codes-ar/veloNode/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{
		Ctx: context.Background(),
		now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return env.now }
	env.Engine = eng
	return env
}

func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

// totalCredits is the ledger plus everything escrowed by live jobs.
func (env *testEnv) totalCredits(t *testing.T) int64 {
	t.Helper()
	balances, err := env.Engine.Repo.SumBalances(env.Ctx)
	if err != nil {
		t.Fatalf("sum balances: %v", err)
	}
	escrowed, err := env.Engine.Repo.SumEscrowed(env.Ctx)
	if err != nil {
		t.Fatalf("sum escrowed: %v", err)
	}
	return balances + escrowed
}

func (env *testEnv) mustAccount(t *testing.T, identity string) domain.Account {
	t.Helper()
	a, err := env.Engine.EnsureAccount(env.Ctx, identity)
	if err != nil {
		t.Fatalf("ensure account %s: %v", identity, err)
	}
	return a
}

func (env *testEnv) mustBalance(t *testing.T, identity string) int64 {
	t.Helper()
	b, err := env.Engine.Balance(env.Ctx, identity)
	if err != nil {
		t.Fatalf("balance %s: %v", identity, err)
	}
	return b
}

func TestEnsureAccountIdempotent(t *testing.T) {
	env := newTestEnv(t)
	a := env.mustAccount(t, "alice")
	if a.Balance != 1000 {
		t.Fatalf("starting balance = %d, want 1000", a.Balance)
	}
	if err := env.Engine.Debit(env.Ctx, "alice", 200); err != nil {
		t.Fatalf("debit: %v", err)
	}
	again := env.mustAccount(t, "alice")
	if again.Balance != 800 {
		t.Fatalf("repeat register reset balance: got %d, want 800", again.Balance)
	}
}

func TestDebitInsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	env.mustAccount(t, "alice")
	err := env.Engine.Debit(env.Ctx, "alice", 1001)
	if !errors.Is(err, engine.ErrInsufficientFunds) {
		t.Fatalf("debit beyond balance: %v, want ErrInsufficientFunds", err)
	}
	if got := env.mustBalance(t, "alice"); got != 1000 {
		t.Fatalf("balance after failed debit = %d, want 1000", got)
	}
	if err := env.Engine.Debit(env.Ctx, "nobody", 10); !errors.Is(err, engine.ErrAccountNotFound) {
		t.Fatalf("debit missing account: %v, want ErrAccountNotFound", err)
	}
}

func TestCreateJobEscrowsBounty(t *testing.T) {
	env := newTestEnv(t)
	env.mustAccount(t, "alice")
	j, err := env.Engine.CreateJob(env.Ctx, engine.CreateJobOptions{
		Researcher: "alice",
		Image:      "velonode/jobs:abc",
		InputHash:  "in-1",
		VRAM:       8,
		Bounty:     300,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if j.Status != domain.JobOpen {
		t.Fatalf("new job status = %s, want OPEN", j.Status)
	}
	if got := env.mustBalance(t, "alice"); got != 700 {
		t.Fatalf("balance after escrow = %d, want 700", got)
	}
	if total := env.totalCredits(t); total != 1000 {
		t.Fatalf("credits not conserved: %d, want 1000", total)
	}
}

func TestCreateJobRejectsBadBounty(t *testing.T) {
	env := newTestEnv(t)
	env.mustAccount(t, "alice")
	for _, bounty := range []int64{0, -5} {
		_, err := env.Engine.CreateJob(env.Ctx, engine.CreateJobOptions{
			Researcher: "alice", Image: "img", Bounty: bounty,
		})
		if !errors.Is(err, engine.ErrInvalidBounty) {
			t.Fatalf("bounty %d: %v, want ErrInvalidBounty", bounty, err)
		}
	}
	_, err := env.Engine.CreateJob(env.Ctx, engine.CreateJobOptions{
		Researcher: "alice", Image: "img", Bounty: 2000,
	})
	if !errors.Is(err, engine.ErrInsufficientFunds) {
		t.Fatalf("bounty over balance: %v, want ErrInsufficientFunds", err)
	}
	// the failed create must not leave a job behind
	jobs, err := env.Engine.Repo.ListJobs(env.Ctx, repo.JobFilters{})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("found %d jobs after failed creates, want 0", len(jobs))
	}
}

func TestAutoVerifiedSettlement(t *testing.T) {
	env := newTestEnv(t)
	env.mustAccount(t, "alice")
	env.mustAccount(t, "bob")
	j, err := env.Engine.CreateJob(env.Ctx, engine.CreateJobOptions{
		Researcher: "alice", Image: "img", Bounty: 250, GoldenHash: "golden",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ClaimJob(env.Ctx, j.ID, "bob"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	settled, err := env.Engine.SubmitResult(env.Ctx, j.ID, "bob", "golden")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if settled.Status != domain.JobCompleted {
		t.Fatalf("status = %s, want COMPLETED", settled.Status)
	}
	if got := env.mustBalance(t, "bob"); got != 1250 {
		t.Fatalf("worker balance = %d, want 1250", got)
	}
	if got := env.mustBalance(t, "alice"); got != 750 {
		t.Fatalf("researcher balance = %d, want 750", got)
	}
	if total := env.totalCredits(t); total != 2000 {
		t.Fatalf("credits not conserved: %d, want 2000", total)
	}
}

func TestFailedVerificationBurnsEscrow(t *testing.T) {
	env := newTestEnv(t)
	env.mustAccount(t, "alice")
	env.mustAccount(t, "bob")
	j, err := env.Engine.CreateJob(env.Ctx, engine.CreateJobOptions{
		Researcher: "alice", Image: "img", Bounty: 100, GoldenHash: "golden",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ClaimJob(env.Ctx, j.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	settled, err := env.Engine.SubmitResult(env.Ctx, j.ID, "bob", "wrong")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if settled.Status != domain.JobFailedVerification {
		t.Fatalf("status = %s, want FAILED_VERIFICATION", settled.Status)
	}
	if got := env.mustBalance(t, "bob"); got != 1000 {
		t.Fatalf("worker paid for a bad result: %d", got)
	}
	if got := env.mustBalance(t, "alice"); got != 900 {
		t.Fatalf("escrow refunded on failure: researcher balance %d, want 900", got)
	}
	// no further transitions out of the terminal state
	if _, err := env.Engine.SubmitResult(env.Ctx, j.ID, "bob", "golden"); !errors.Is(err, engine.ErrJobNotInProgress) {
		t.Fatalf("resubmit on terminal job: %v", err)
	}
}

func TestManualApprovalFlow(t *testing.T) {
	env := newTestEnv(t)
	env.mustAccount(t, "alice")
	env.mustAccount(t, "bob")
	j, err := env.Engine.CreateJob(env.Ctx, engine.CreateJobOptions{
		Researcher: "alice", Image: "img", Bounty: 400,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ClaimJob(env.Ctx, j.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	parked, err := env.Engine.SubmitResult(env.Ctx, j.ID, "bob", "res-1")
	if err != nil {
		t.Fatal(err)
	}
	if parked.Status != domain.JobVerifying {
		t.Fatalf("status = %s, want VERIFYING", parked.Status)
	}
	if got := env.mustBalance(t, "bob"); got != 1000 {
		t.Fatalf("worker paid before approval: %d", got)
	}

	if _, err := env.Engine.ApproveJob(env.Ctx, j.ID, "mallory"); !errors.Is(err, engine.ErrUnauthorizedResearcher) {
		t.Fatalf("approve by stranger: %v, want ErrUnauthorizedResearcher", err)
	}
	approved, err := env.Engine.ApproveJob(env.Ctx, j.ID, "alice")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.JobCompleted {
		t.Fatalf("status = %s, want COMPLETED", approved.Status)
	}
	if got := env.mustBalance(t, "bob"); got != 1400 {
		t.Fatalf("worker balance = %d, want 1400", got)
	}
	if _, err := env.Engine.ApproveJob(env.Ctx, j.ID, "alice"); !errors.Is(err, engine.ErrJobNotVerifying) {
		t.Fatalf("double approve: %v, want ErrJobNotVerifying", err)
	}
	if got := env.mustBalance(t, "bob"); got != 1400 {
		t.Fatalf("double approve paid twice: %d", got)
	}
}

func TestClaimGuards(t *testing.T) {
	env := newTestEnv(t)
	env.mustAccount(t, "alice")
	j, err := env.Engine.CreateJob(env.Ctx, engine.CreateJobOptions{
		Researcher: "alice", Image: "img", Bounty: 50,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ClaimJob(env.Ctx, "missing", "bob"); !errors.Is(err, engine.ErrJobNotFound) {
		t.Fatalf("claim missing job: %v, want ErrJobNotFound", err)
	}
	if _, err := env.Engine.ClaimJob(env.Ctx, j.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ClaimJob(env.Ctx, j.ID, "carol"); !errors.Is(err, engine.ErrJobNotAvailable) {
		t.Fatalf("second claim: %v, want ErrJobNotAvailable", err)
	}
	if _, err := env.Engine.SubmitResult(env.Ctx, j.ID, "carol", "res"); !errors.Is(err, engine.ErrUnauthorizedWorker) {
		t.Fatalf("submit by non-assignee: %v, want ErrUnauthorizedWorker", err)
	}
}

func TestConcurrentClaimsSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	env.mustAccount(t, "alice")
	j, err := env.Engine.CreateJob(env.Ctx, engine.CreateJobOptions{
		Researcher: "alice", Image: "img", Bounty: 50,
	})
	if err != nil {
		t.Fatal(err)
	}
	workers := []string{"w1", "w2", "w3", "w4"}
	var wg sync.WaitGroup
	wins := make(chan string, len(workers))
	for _, w := range workers {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			if _, err := env.Engine.ClaimJob(env.Ctx, j.ID, worker); err == nil {
				wins <- worker
			}
		}(w)
	}
	wg.Wait()
	close(wins)
	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("winners = %v, want exactly one", winners)
	}
	got, err := env.Engine.GetJob(env.Ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Worker == nil || *got.Worker != winners[0] {
		t.Fatalf("assigned worker mismatch: job=%v winner=%s", got.Worker, winners[0])
	}
}

func TestPayoutSkippedForMissingWorkerAccount(t *testing.T) {
	env := newTestEnv(t)
	env.mustAccount(t, "alice")
	// ghost never registers an account
	j, err := env.Engine.CreateJob(env.Ctx, engine.CreateJobOptions{
		Researcher: "alice", Image: "img", Bounty: 100, GoldenHash: "golden",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ClaimJob(env.Ctx, j.ID, "ghost"); err != nil {
		t.Fatal(err)
	}
	settled, err := env.Engine.SubmitResult(env.Ctx, j.ID, "ghost", "golden")
	if err != nil {
		t.Fatalf("settlement must survive a missing payee: %v", err)
	}
	if settled.Status != domain.JobCompleted {
		t.Fatalf("status = %s, want COMPLETED", settled.Status)
	}
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, j.ID, "payout.skipped")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("payout.skipped events = %d, want 1", len(events))
	}
	if !strings.Contains(events[0].Payload, "100") {
		t.Fatalf("skipped payout payload missing amount: %s", events[0].Payload)
	}
}

func TestHeartbeatAndRequeue(t *testing.T) {
	env := newTestEnv(t)
	env.mustAccount(t, "alice")
	j, err := env.Engine.CreateJob(env.Ctx, engine.CreateJobOptions{
		Researcher: "alice", Image: "img", Bounty: 50,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Heartbeat(env.Ctx, j.ID, "bob", 10, 1); !errors.Is(err, engine.ErrJobNotInProgress) {
		t.Fatalf("heartbeat on open job: %v, want ErrJobNotInProgress", err)
	}
	if _, err := env.Engine.ClaimJob(env.Ctx, j.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Heartbeat(env.Ctx, j.ID, "carol", 10, 1); !errors.Is(err, engine.ErrUnauthorizedWorker) {
		t.Fatalf("heartbeat by stranger: %v, want ErrUnauthorizedWorker", err)
	}

	env.advance(30 * time.Second)
	if err := env.Engine.Heartbeat(env.Ctx, j.ID, "bob", 85, 500); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	got, err := env.Engine.GetJob(env.Ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastHeartbeat == nil || got.LastStep != 500 {
		t.Fatalf("heartbeat not recorded: hb=%v step=%d", got.LastHeartbeat, got.LastStep)
	}

	// fresh heartbeat keeps the job off the stale sweep
	requeued, err := env.Engine.RequeueStale(env.Ctx, env.Engine.HeartbeatTimeout(), "system")
	if err != nil {
		t.Fatal(err)
	}
	if len(requeued) != 0 {
		t.Fatalf("requeued live job: %v", requeued)
	}

	env.advance(env.Engine.HeartbeatTimeout() + time.Second)
	requeued, err = env.Engine.RequeueStale(env.Ctx, env.Engine.HeartbeatTimeout(), "system")
	if err != nil {
		t.Fatal(err)
	}
	if len(requeued) != 1 || requeued[0].ID != j.ID {
		t.Fatalf("stale sweep = %v, want job %s", requeued, j.ID)
	}
	got, err = env.Engine.GetJob(env.Ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobOpen || got.Worker != nil {
		t.Fatalf("requeued job status=%s worker=%v, want OPEN with no worker", got.Status, got.Worker)
	}
	// escrow survived the requeue
	if total := env.totalCredits(t); total != 1000 {
		t.Fatalf("credits not conserved across requeue: %d", total)
	}
	if _, err := env.Engine.ClaimJob(env.Ctx, j.ID, "carol"); err != nil {
		t.Fatalf("re-claim after requeue: %v", err)
	}
}

func TestRequeueIgnoresNeverClaimedJobs(t *testing.T) {
	env := newTestEnv(t)
	env.mustAccount(t, "alice")
	if _, err := env.Engine.CreateJob(env.Ctx, engine.CreateJobOptions{
		Researcher: "alice", Image: "img", Bounty: 50,
	}); err != nil {
		t.Fatal(err)
	}
	env.advance(2 * env.Engine.HeartbeatTimeout())
	requeued, err := env.Engine.RequeueStale(env.Ctx, env.Engine.HeartbeatTimeout(), "system")
	if err != nil {
		t.Fatal(err)
	}
	if len(requeued) != 0 {
		t.Fatalf("open job swept as stale: %v", requeued)
	}
}
