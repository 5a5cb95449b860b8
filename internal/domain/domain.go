package domain

// Job lifecycle statuses. OPEN is the initial state; COMPLETED and
// FAILED_VERIFICATION are terminal.
const (
	JobOpen               = "OPEN"
	JobAssigned           = "ASSIGNED"
	JobVerifying          = "VERIFYING"
	JobCompleted          = "COMPLETED"
	JobFailedVerification = "FAILED_VERIFICATION"
)

type Account struct {
	Identity  string `json:"identity"`
	Balance   int64  `json:"balance"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Job struct {
	ID            string  `json:"id"`
	Researcher    string  `json:"researcher"`
	Image         string  `json:"image"`
	InputHash     string  `json:"input_hash,omitempty"`
	VRAM          int     `json:"vram,omitempty"`
	Bounty        int64   `json:"bounty"`
	Status        string  `json:"status" enum:"OPEN,ASSIGNED,VERIFYING,COMPLETED,FAILED_VERIFICATION"`
	Worker        *string `json:"worker,omitempty"`
	ResultHash    *string `json:"result_hash,omitempty"`
	GoldenHash    *string `json:"golden_hash,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	StartedAt     *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
	LastHeartbeat *string `json:"last_heartbeat,omitempty" format:"date-time"`
	LastStep      int64   `json:"last_step,omitempty"`
}

// Terminal reports whether the job can no longer change state.
func (j Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailedVerification
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	JobID   string `json:"job_id,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	Identity  string `json:"identity"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
