package messaging

import "time"

// JobMessage describes a job handed to the device
type JobMessage struct {
	JobID        string    `json:"job_id" cbor:"job_id"`
	Session      uint64    `json:"session" cbor:"session"`
	PrevHash     string    `json:"prev_hash" cbor:"prev_hash"`
	Version      string    `json:"version" cbor:"version"`
	NBits        string    `json:"nbits" cbor:"nbits"`
	NTime        string    `json:"ntime" cbor:"ntime"`
	CleanJobs    bool      `json:"clean_jobs" cbor:"clean_jobs"`
	ExtraNonce2  string    `json:"extra_nonce2" cbor:"extra_nonce2"`
	Target       string    `json:"target" cbor:"target"`
	TargetSource string    `json:"target_source" cbor:"target_source"`
	Difficulty   float64   `json:"difficulty" cbor:"difficulty"`
	DispatchedAt time.Time `json:"dispatched_at" cbor:"dispatched_at"`
}

// ShareMessage describes a share sent to the pool
type ShareMessage struct {
	SubmitID    int64     `json:"submit_id" cbor:"submit_id"`
	JobID       string    `json:"job_id" cbor:"job_id"`
	Session     uint64    `json:"session" cbor:"session"`
	Worker      string    `json:"worker" cbor:"worker"`
	ExtraNonce2 string    `json:"extra_nonce2" cbor:"extra_nonce2"`
	NTime       string    `json:"ntime" cbor:"ntime"`
	Nonce       string    `json:"nonce" cbor:"nonce"`
	Hash        string    `json:"hash,omitempty" cbor:"hash,omitempty"`
	Difficulty  float64   `json:"difficulty" cbor:"difficulty"`
	Placeholder bool      `json:"placeholder,omitempty" cbor:"placeholder,omitempty"`
	SubmittedAt time.Time `json:"submitted_at" cbor:"submitted_at"`
}

// ShareResultMessage is the pool's verdict on a share
type ShareResultMessage struct {
	SubmitID   int64     `json:"submit_id" cbor:"submit_id"`
	JobID      string    `json:"job_id" cbor:"job_id"`
	Accepted   bool      `json:"accepted" cbor:"accepted"`
	ErrorCode  int       `json:"error_code,omitempty" cbor:"error_code,omitempty"`
	Reason     string    `json:"reason,omitempty" cbor:"reason,omitempty"`
	ReceivedAt time.Time `json:"received_at" cbor:"received_at"`
}

// HashrateMessage reports the work done on one job
type HashrateMessage struct {
	JobID       string    `json:"job_id" cbor:"job_id"`
	Found       bool      `json:"found" cbor:"found"`
	Hashes      uint64    `json:"hashes" cbor:"hashes"`
	ElapsedMs   float64   `json:"elapsed_ms" cbor:"elapsed_ms"`
	Rate        float64   `json:"rate" cbor:"rate"`
	TotalHashes uint64    `json:"total_hashes" cbor:"total_hashes"`
	AverageRate float64   `json:"average_rate" cbor:"average_rate"`
	ReportedAt  time.Time `json:"reported_at" cbor:"reported_at"`
}

// StatusMessage is a snapshot of the bridge for dashboards
type StatusMessage struct {
	Connected      bool      `json:"connected" cbor:"connected"`
	Authorized     bool      `json:"authorized" cbor:"authorized"`
	Session        uint64    `json:"session" cbor:"session"`
	ExtraNonce1    string    `json:"extra_nonce1" cbor:"extra_nonce1"`
	Difficulty     float64   `json:"difficulty" cbor:"difficulty"`
	CurrentJob     string    `json:"current_job" cbor:"current_job"`
	SharesAccepted uint64    `json:"shares_accepted" cbor:"shares_accepted"`
	SharesRejected uint64    `json:"shares_rejected" cbor:"shares_rejected"`
	AverageRate    float64   `json:"average_rate" cbor:"average_rate"`
	UpdatedAt      time.Time `json:"updated_at" cbor:"updated_at"`
}
