package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ayush-codes-ar/veloNode/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const accountCols = `identity,balance,created_at`

func (r Repo) InsertAccount(ctx context.Context, tx *sql.Tx, a domain.Account) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO accounts(identity,balance,created_at) VALUES (?,?,?)`,
		a.Identity, a.Balance, a.CreatedAt)
	return err
}

func (r Repo) GetAccount(ctx context.Context, identity string) (domain.Account, error) {
	var a domain.Account
	err := r.DB.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE identity=?`, identity).
		Scan(&a.Identity, &a.Balance, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) GetAccountTx(ctx context.Context, tx *sql.Tx, identity string) (domain.Account, error) {
	var a domain.Account
	err := tx.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE identity=?`, identity).
		Scan(&a.Identity, &a.Balance, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+accountCols+` FROM accounts ORDER BY created_at ASC, identity ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Account
	for rows.Next() {
		var a domain.Account
		if err := rows.Scan(&a.Identity, &a.Balance, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// AdjustBalance applies a signed delta to an account balance. When the delta is
// negative the update only matches if the balance covers it, so an insufficient
// balance and a missing account both report zero rows affected; callers
// disambiguate with GetAccountTx.
func (r Repo) AdjustBalance(ctx context.Context, tx *sql.Tx, identity string, delta int64) (bool, error) {
	query := `UPDATE accounts SET balance=balance+? WHERE identity=?`
	if delta < 0 {
		query += ` AND balance>=?`
	}
	args := []any{delta, identity}
	if delta < 0 {
		args = append(args, -delta)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const jobCols = `id,researcher,image,input_hash,vram,bounty,status,worker,result_hash,golden_hash,created_at,started_at,completed_at,last_heartbeat,last_step`

func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs(`+jobCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Researcher, j.Image, nullable(j.InputHash), nullableInt(j.VRAM), j.Bounty, j.Status,
		nullableStringPtr(j.Worker), nullableStringPtr(j.ResultHash), nullableStringPtr(j.GoldenHash),
		j.CreatedAt, nullableStringPtr(j.StartedAt), nullableStringPtr(j.CompletedAt),
		nullableStringPtr(j.LastHeartbeat), j.LastStep)
	return err
}

func scanJob(scan func(dest ...any) error) (domain.Job, error) {
	var j domain.Job
	var inputHash, worker, resultHash, goldenHash, startedAt, completedAt, lastHeartbeat sql.NullString
	var vram sql.NullInt64
	err := scan(&j.ID, &j.Researcher, &j.Image, &inputHash, &vram, &j.Bounty, &j.Status,
		&worker, &resultHash, &goldenHash, &j.CreatedAt, &startedAt, &completedAt, &lastHeartbeat, &j.LastStep)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if inputHash.Valid {
		j.InputHash = inputHash.String
	}
	if vram.Valid {
		j.VRAM = int(vram.Int64)
	}
	if worker.Valid {
		j.Worker = &worker.String
	}
	if resultHash.Valid {
		j.ResultHash = &resultHash.String
	}
	if goldenHash.Valid {
		j.GoldenHash = &goldenHash.String
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.String
	}
	if lastHeartbeat.Valid {
		j.LastHeartbeat = &lastHeartbeat.String
	}
	return j, nil
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=?`, id)
	return scanJob(row.Scan)
}

func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, id string) (domain.Job, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=?`, id)
	return scanJob(row.Scan)
}

type JobFilters struct {
	Status     string
	Researcher string
	Worker     string
	Limit      int
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Researcher != "" {
		clauses = append(clauses, "researcher=?")
		args = append(args, f.Researcher)
	}
	if f.Worker != "" {
		clauses = append(clauses, "worker=?")
		args = append(args, f.Worker)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + jobCols + ` FROM jobs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// ClaimJob flips an OPEN job to ASSIGNED for the given worker. The status guard
// in the WHERE clause makes concurrent claims race safely: exactly one caller
// observes a row update.
func (r Repo) ClaimJob(ctx context.Context, tx *sql.Tx, id, worker, startedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status=?, worker=?, started_at=?, last_heartbeat=? WHERE id=? AND status=?`,
		domain.JobAssigned, worker, startedAt, startedAt, id, domain.JobOpen)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SettleJob writes the result hash, completion time and settled status. The
// status guard rejects a concurrent double-submit.
func (r Repo) SettleJob(ctx context.Context, tx *sql.Tx, id, status, resultHash, completedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status=?, result_hash=?, completed_at=? WHERE id=? AND status=?`,
		status, resultHash, completedAt, id, domain.JobAssigned)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ApproveJob transitions VERIFYING to COMPLETED.
func (r Repo) ApproveJob(ctx context.Context, tx *sql.Tx, id, completedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status=?, completed_at=? WHERE id=? AND status=?`,
		domain.JobCompleted, completedAt, id, domain.JobVerifying)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// TouchHeartbeat records worker liveness on an assigned job. The worker guard
// keeps a stale claimant from refreshing a job it no longer owns.
func (r Repo) TouchHeartbeat(ctx context.Context, tx *sql.Tx, id, worker, ts string, step int64) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET last_heartbeat=?, last_step=? WHERE id=? AND status=? AND worker=?`,
		ts, step, id, domain.JobAssigned, worker)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// StaleAssignedJobs returns ASSIGNED jobs whose last heartbeat is older than
// the cutoff, for requeueing.
func (r Repo) StaleAssignedJobs(ctx context.Context, tx *sql.Tx, cutoff string) ([]domain.Job, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE status=? AND COALESCE(last_heartbeat, started_at) < ?`,
		domain.JobAssigned, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// RequeueJob returns an assigned job to OPEN, clearing the worker.
func (r Repo) RequeueJob(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status=?, worker=NULL, started_at=NULL, last_heartbeat=NULL, last_step=0 WHERE id=? AND status=?`,
		domain.JobOpen, id, domain.JobAssigned)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SumBalances returns the total credits held across all accounts.
func (r Repo) SumBalances(ctx context.Context) (int64, error) {
	var sum sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT SUM(balance) FROM accounts`).Scan(&sum); err != nil {
		return 0, err
	}
	return sum.Int64, nil
}

// SumEscrowed returns the total bounty held by non-terminal jobs.
func (r Repo) SumEscrowed(ctx context.Context) (int64, error) {
	var sum sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT SUM(bounty) FROM jobs WHERE status IN (?,?,?)`,
		domain.JobOpen, domain.JobAssigned, domain.JobVerifying).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return sum.Int64, nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, jobID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if jobID != "" {
		clauses = append(clauses, "job_id=?")
		args = append(args, jobID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(job_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.JobID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}
