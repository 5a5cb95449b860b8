package server

import "github.com/ayush-codes-ar/veloNode/internal/domain"

// Request payloads

type CreateJobRequest struct {
	Image      string `json:"image"`
	InputHash  string `json:"input_hash,omitempty"`
	VRAM       int    `json:"vram,omitempty" minimum:"0"`
	Bounty     int64  `json:"bounty"`
	GoldenHash string `json:"golden_hash,omitempty"`
}

type SubmitResultRequest struct {
	ResultHash string `json:"result_hash"`
}

type HeartbeatRequest struct {
	GPUUsage int   `json:"gpu_usage" minimum:"0" maximum:"100"`
	Step     int64 `json:"step" minimum:"0"`
}

type TokenRequest struct {
	Identity string `json:"identity"`
}

// Response payloads

type AccountResponse struct {
	Identity  string `json:"identity"`
	Balance   int64  `json:"balance"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type JobResponse struct {
	ID            string  `json:"id"`
	Researcher    string  `json:"researcher"`
	Image         string  `json:"image"`
	InputHash     string  `json:"input_hash,omitempty"`
	VRAM          int     `json:"vram,omitempty"`
	Bounty        int64   `json:"bounty"`
	Status        string  `json:"status" enum:"OPEN,ASSIGNED,VERIFYING,COMPLETED,FAILED_VERIFICATION"`
	Worker        *string `json:"worker,omitempty"`
	ResultHash    *string `json:"result_hash,omitempty"`
	Verified      bool    `json:"verified"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	StartedAt     *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
	LastHeartbeat *string `json:"last_heartbeat,omitempty" format:"date-time"`
	LastStep      int64   `json:"last_step,omitempty"`
}

type BuildResponse struct {
	BuildID string `json:"build_id"`
	Image   string `json:"image"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

func accountResponse(a domain.Account) AccountResponse {
	return AccountResponse{Identity: a.Identity, Balance: a.Balance, CreatedAt: a.CreatedAt}
}

func mapAccounts(in []domain.Account) []AccountResponse {
	out := make([]AccountResponse, 0, len(in))
	for _, a := range in {
		out = append(out, accountResponse(a))
	}
	return out
}

func jobResponse(j domain.Job) JobResponse {
	return JobResponse{
		ID:            j.ID,
		Researcher:    j.Researcher,
		Image:         j.Image,
		InputHash:     j.InputHash,
		VRAM:          j.VRAM,
		Bounty:        j.Bounty,
		Status:        j.Status,
		Worker:        j.Worker,
		ResultHash:    j.ResultHash,
		Verified:      j.GoldenHash != nil && *j.GoldenHash != "",
		CreatedAt:     j.CreatedAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
		LastHeartbeat: j.LastHeartbeat,
		LastStep:      j.LastStep,
	}
}

func mapJobs(in []domain.Job) []JobResponse {
	out := make([]JobResponse, 0, len(in))
	for _, j := range in {
		out = append(out, jobResponse(j))
	}
	return out
}
