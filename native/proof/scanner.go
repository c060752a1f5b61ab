package proof

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"hustlexp/outbox"
	"hustlexp/storage"
)

// ScanWindow is how far back one fraud sweep looks. Sweeps run more often
// than the window so overlapping runs re-examine recent proofs; the outbox
// idempotency key keeps each proof flagged at most once.
const ScanWindow = 10 * time.Minute

// velocityLimit is the number of proofs one worker may submit inside the
// window before the sweep flags the account.
const velocityLimit = 5

// Scanner flags suspicious proof activity. It never blocks money directly;
// flags flow through the fraud-detection queue where the consumer applies
// trust consequences.
type Scanner struct {
	db  *gorm.DB
	log *slog.Logger
	now func() time.Time
}

// NewScanner constructs a Scanner over db.
func NewScanner(db *gorm.DB, log *slog.Logger) *Scanner {
	if log == nil {
		log = slog.Default()
	}
	return &Scanner{db: db, log: log, now: time.Now}
}

// SetNowFunc overrides the clock, for tests.
func (s *Scanner) SetNowFunc(fn func() time.Time) { s.now = fn }

// Flag is one suspicious finding queued for the fraud-detection consumer.
type Flag struct {
	ProofID  string `json:"proof_id"`
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason"`
}

// Scan runs one sweep over proofs submitted inside the window and appends a
// fraud-detection outbox event per finding. It returns the number of new
// flags raised.
func (s *Scanner) Scan(ctx context.Context) (int, error) {
	since := s.now().UTC().Add(-ScanWindow)
	var proofs []storage.Proof
	if err := s.db.WithContext(ctx).
		Where("submitted_at > ?", since).
		Order("submitted_at").Find(&proofs).Error; err != nil {
		return 0, storage.MapError(err)
	}
	if len(proofs) == 0 {
		return 0, nil
	}

	byWorker := make(map[string]int, len(proofs))
	byForensics := make(map[string][]storage.Proof)
	for _, p := range proofs {
		byWorker[p.WorkerID]++
		if p.Forensics != "" {
			byForensics[p.Forensics] = append(byForensics[p.Forensics], p)
		}
	}

	flags := make([]Flag, 0)
	for _, p := range proofs {
		if byWorker[p.WorkerID] > velocityLimit {
			flags = append(flags, Flag{
				ProofID: p.ID, TaskID: p.TaskID, WorkerID: p.WorkerID,
				Reason: "proof velocity above limit",
			})
			continue
		}
		if dupes := byForensics[p.Forensics]; p.Forensics != "" && len(dupes) > 1 && dupes[0].TaskID != p.TaskID {
			flags = append(flags, Flag{
				ProofID: p.ID, TaskID: p.TaskID, WorkerID: p.WorkerID,
				Reason: "forensics payload reused across tasks",
			})
		}
	}
	if len(flags) == 0 {
		return 0, nil
	}

	raised := 0
	for _, flag := range flags {
		// Overlapping sweeps re-find the same proofs; the outbox key makes
		// the re-flag a no-op and keeps it out of the raised count.
		var seen int64
		if err := s.db.WithContext(ctx).Model(&storage.OutboxEvent{}).
			Where("idempotency_key = ?", "fraud:"+flag.ProofID).Count(&seen).Error; err != nil {
			return raised, storage.MapError(err)
		}
		if seen > 0 {
			continue
		}
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return outbox.Append(tx, outbox.Event{
				AggregateType: "proof",
				AggregateID:   flag.ProofID,
				EventType:     "proof.fraud_flagged",
				Payload: map[string]any{
					"proof_id":  flag.ProofID,
					"task_id":   flag.TaskID,
					"worker_id": flag.WorkerID,
					"reason":    flag.Reason,
				},
				Queue:          outbox.QueueFraudDetection,
				IdempotencyKey: "fraud:" + flag.ProofID,
			})
		})
		if err != nil {
			return raised, err
		}
		s.log.Warn("fraud scan: proof flagged",
			"proof_id", flag.ProofID, "worker_id", flag.WorkerID, "reason", flag.Reason)
		raised++
	}
	return raised, nil
}
