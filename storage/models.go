package storage

import (
	"time"
)

// Task states.
const (
	TaskOpen           = "OPEN"
	TaskAccepted       = "ACCEPTED"
	TaskProofSubmitted = "PROOF_SUBMITTED"
	TaskDisputed       = "DISPUTED"
	TaskCompleted      = "COMPLETED"
	TaskCancelled      = "CANCELLED"
	TaskExpired        = "EXPIRED"
)

// Escrow states.
const (
	EscrowPending        = "pending"
	EscrowFunded         = "funded"
	EscrowHeld           = "held"
	EscrowReleased       = "released"
	EscrowRefunded       = "refunded"
	EscrowPendingDispute = "pending_dispute"
)

// Proof states.
const (
	ProofRequested = "requested"
	ProofSubmitted = "submitted"
	ProofAnalyzing = "analyzing"
	ProofVerified  = "verified"
	ProofRejected  = "rejected"
	ProofEscalated = "escalated"
	ProofLocked    = "locked"
)

// Ledger transaction statuses.
const (
	TxPending   = "pending"
	TxExecuting = "executing"
	TxCommitted = "committed"
	TxConfirmed = "confirmed"
	TxFailed    = "failed"
)

// User is a marketplace participant. Trust tier is bounded 1-4 by the
// constitution and mutated only through the trust ledger.
type User struct {
	ID        string `gorm:"primaryKey;size:64"`
	Email     string `gorm:"uniqueIndex;size:255"`
	Role      string `gorm:"size:32;index"`
	TrustTier int    `gorm:"not null;default:1;check:trust_tier >= 1 AND trust_tier <= 4"`
	TotalXP   int64  `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Task is the unit of work. Terminal states are immutable at the storage level.
type Task struct {
	ID          string  `gorm:"primaryKey;size:64"`
	PosterID    string  `gorm:"size:64;index;not null"`
	WorkerID    *string `gorm:"size:64;index"`
	PriceCents  int64   `gorm:"not null;check:price_cents > 0"`
	State       string  `gorm:"size:32;index;not null"`
	Category    string  `gorm:"size:64"`
	Version     int64   `gorm:"not null;default:0"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Escrow is the platform's internal liability for a task. One escrow per task;
// the amount is immutable after creation.
type Escrow struct {
	TaskID                string `gorm:"primaryKey;size:64"`
	State                 string `gorm:"size:32;index;not null"`
	AmountCents           int64  `gorm:"not null;check:amount_cents > 0"`
	StripePaymentIntentID string `gorm:"size:128;index"`
	StripeChargeID        string `gorm:"size:128"`
	Version               int64  `gorm:"not null;default:0"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Proof is a worker's completion evidence.
type Proof struct {
	ID          string `gorm:"primaryKey;size:64"`
	TaskID      string `gorm:"size:64;index;not null"`
	WorkerID    string `gorm:"size:64;index;not null"`
	State       string `gorm:"size:32;index;not null"`
	Forensics   string `gorm:"type:text"`
	SubmittedAt time.Time
	DecidedAt   *time.Time
}

// LedgerAccount is a double-entry account with a deterministic ID derived from
// its owner and template.
type LedgerAccount struct {
	ID              string  `gorm:"primaryKey;size:64"`
	OwnerType       string  `gorm:"size:16;not null"`
	OwnerID         *string `gorm:"size:64;index"`
	Type            string  `gorm:"size:16;not null"`
	Currency        string  `gorm:"size:8;not null;default:USD"`
	BalanceCents    int64   `gorm:"not null;default:0"`
	BaselineBalance int64   `gorm:"not null;default:0"`
	BaselineULID    *string `gorm:"size:32"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// LedgerTransaction is an append-only money movement keyed by ULID.
type LedgerTransaction struct {
	ID             string `gorm:"primaryKey;size:32"`
	Type           string `gorm:"size:48;not null"`
	Status         string `gorm:"size:16;index;not null"`
	IdempotencyKey string `gorm:"uniqueIndex;size:255;not null"`
	Metadata       string `gorm:"type:text"`
	FailureReason  string `gorm:"size:255"`
	CreatedAt      time.Time
	CommittedAt    *time.Time
}

// LedgerEntry is one leg of a transaction. Per transaction the legs are >=2,
// even in number, and zero-sum in integer cents.
type LedgerEntry struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	TxID        string `gorm:"size:32;index;not null"`
	AccountID   string `gorm:"size:64;index;not null"`
	Direction   string `gorm:"size:8;not null"`
	AmountCents int64  `gorm:"not null;check:amount_cents > 0"`
}

// LedgerSnapshot is the audited balance fingerprint of an account.
type LedgerSnapshot struct {
	AccountID    string `gorm:"primaryKey;size:64"`
	BalanceCents int64  `gorm:"not null"`
	LastTxULID   string `gorm:"size:32;not null"`
	SnapshotHash string `gorm:"size:64;not null"`
	UpdatedAt    time.Time
}

// LedgerSequence is the global commit order with a per-commit hash.
type LedgerSequence struct {
	Seq       uint64 `gorm:"primaryKey;autoIncrement"`
	TxID      string `gorm:"uniqueIndex;size:32;not null"`
	TxHash    string `gorm:"size:32;not null"`
	CreatedAt time.Time
}

// OutboxEvent is a durable event written inside the business transaction that
// caused it and published by the worker pool.
type OutboxEvent struct {
	ID             uint64  `gorm:"primaryKey;autoIncrement"`
	AggregateType  string  `gorm:"size:32;not null"`
	AggregateID    string  `gorm:"size:64;index;not null"`
	EventType      string  `gorm:"size:64;not null"`
	Payload        string  `gorm:"type:text"`
	IdempotencyKey string  `gorm:"uniqueIndex;size:255;not null"`
	QueueName      string  `gorm:"size:64;index;not null"`
	SchemaVersion  int     `gorm:"not null;default:1"`
	ClaimedAt      *time.Time
	PublishedAt    *time.Time
	Attempts       int     `gorm:"not null;default:0"`
	NextAttemptAt  *time.Time
	LastError      string  `gorm:"size:512"`
	CreatedAt      time.Time
}

// ProcessedWebhook records every inbound provider event once. The row doubles
// as the processing claim: result moves processing -> ok|failed.
type ProcessedWebhook struct {
	EventID      string `gorm:"primaryKey;size:128"`
	Source       string `gorm:"size:32;not null"`
	BodyHash     string `gorm:"size:64;not null"`
	Result       string `gorm:"size:16;index;not null"`
	ErrorMessage string `gorm:"size:512"`
	ClaimedAt    *time.Time
	ProcessedAt  *time.Time
	CreatedAt    time.Time
}

// XPAward is the per-escrow XP grant. The unique escrow_id index is the
// idempotency primitive. Decay and streak factors are stored as fixed-point
// integers scaled by 1e4.
type XPAward struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	UserID      string `gorm:"size:64;index;not null"`
	EscrowID    string `gorm:"uniqueIndex;size:64;not null"`
	BaseXP      int64  `gorm:"not null"`
	DecayFactor int64  `gorm:"not null"`
	StreakMult  int64  `gorm:"not null"`
	FinalXP     int64  `gorm:"not null"`
	CreatedAt   time.Time
}

// TableName pins the append-only award table.
func (XPAward) TableName() string { return "xp_ledger" }

// TrustChange is one append-only trust tier movement.
type TrustChange struct {
	ID             uint64  `gorm:"primaryKey;autoIncrement"`
	UserID         string  `gorm:"size:64;index;not null"`
	OldTier        int     `gorm:"not null"`
	NewTier        int     `gorm:"not null"`
	Reason         string  `gorm:"size:128;not null"`
	TriggeredBy    string  `gorm:"size:64;not null"`
	TaskID         *string `gorm:"size:64"`
	IdempotencyKey string  `gorm:"uniqueIndex;size:255;not null"`
	CreatedAt      time.Time
}

func (TrustChange) TableName() string { return "trust_ledger" }

// BadgeAward is an append-only badge grant.
type BadgeAward struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	UserID         string `gorm:"size:64;index;not null"`
	Badge          string `gorm:"size:64;not null"`
	Reason         string `gorm:"size:128"`
	IdempotencyKey string `gorm:"uniqueIndex;size:255;not null"`
	CreatedAt      time.Time
}

func (BadgeAward) TableName() string { return "badge_ledger" }

// AdminAction records every privileged mutation. Deletion-forbidden.
type AdminAction struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	AdminID    string `gorm:"size:64;index;not null"`
	Action     string `gorm:"size:64;not null"`
	TargetType string `gorm:"size:32;not null"`
	TargetID   string `gorm:"size:64;index"`
	Payload    string `gorm:"type:text"`
	CreatedAt  time.Time
}

// MoneyStateLock is the canonical pointer for a task's money status. Writers
// take the row FOR UPDATE before any money movement.
type MoneyStateLock struct {
	TaskID            string `gorm:"primaryKey;size:64"`
	CurrentState      string `gorm:"size:32;not null"`
	NextAllowedEvents string `gorm:"type:text;not null"`
	Version           int64  `gorm:"not null;default:0"`
	UpdatedAt         time.Time
}

func (MoneyStateLock) TableName() string { return "money_state_lock" }

// StripeOutboundLog records every outbound provider mutation keyed by the
// ledger transaction ULID used as the provider idempotency key.
type StripeOutboundLog struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	IdempotencyKey string `gorm:"uniqueIndex;size:255;not null"`
	StripeID       string `gorm:"size:128"`
	Type           string `gorm:"size:48;not null"`
	Payload        string `gorm:"type:text"`
	CreatedAt      time.Time
}

func (StripeOutboundLog) TableName() string { return "stripe_outbound_log" }

// DeadLetter holds jobs that exhausted retries.
type DeadLetter struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	Queue         string `gorm:"size:64;index;not null"`
	Payload       string `gorm:"type:text"`
	LastError     string `gorm:"size:512"`
	Attempts      int    `gorm:"not null;default:0"`
	FirstFailedAt time.Time
	NextAttemptAt *time.Time
	ResolvedAt    *time.Time
	ResolvedBy    string `gorm:"size:64"`
}

// StateTransition is the append-only log of every state machine edge taken.
type StateTransition struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Machine   string `gorm:"size:16;index;not null"`
	EntityID  string `gorm:"size:64;index;not null"`
	FromState string `gorm:"size:32;not null"`
	ToState   string `gorm:"size:32;not null"`
	Context   string `gorm:"type:text"`
	CreatedAt time.Time
}

func (StateTransition) TableName() string { return "state_transition_log" }

// ControlFlag backs the killswitch and per-class SafeMode rows.
type ControlFlag struct {
	Name        string `gorm:"primaryKey;size:64"`
	Active      bool   `gorm:"not null;default:false"`
	Reason      string `gorm:"size:255"`
	ActivatedAt *time.Time
	UpdatedAt   time.Time
}

// Notification is a user-facing side effect published from the outbox. Read or
// expired rows are purged by the daily cleanup sweep.
type Notification struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	UserID    string `gorm:"size:64;index;not null"`
	Kind      string `gorm:"size:64;not null"`
	Payload   string `gorm:"type:text"`
	ReadAt    *time.Time
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// AllModels lists every model the constitution migrates, leaves first.
func AllModels() []any {
	return []any{
		&User{},
		&Task{},
		&Escrow{},
		&Proof{},
		&LedgerAccount{},
		&LedgerTransaction{},
		&LedgerEntry{},
		&LedgerSnapshot{},
		&LedgerSequence{},
		&OutboxEvent{},
		&ProcessedWebhook{},
		&XPAward{},
		&TrustChange{},
		&BadgeAward{},
		&AdminAction{},
		&MoneyStateLock{},
		&StripeOutboundLog{},
		&DeadLetter{},
		&StateTransition{},
		&ControlFlag{},
		&Notification{},
	}
}
