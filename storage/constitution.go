package storage

import (
	"fmt"

	"gorm.io/gorm"
)

// ApplyConstitution migrates the schema and installs the trigger set that
// enforces the money invariants below the application:
//
//	INV-TERMINAL         no update to a task/escrow/proof/ledger tx in a terminal state
//	INV-AMOUNT-IMMUTABLE escrow amount never changes after creation
//	INV-2                a task reaching COMPLETED requires its escrow released
//	INV-3                a task reaching COMPLETED requires an accepted proof
//	INV-APPEND-ONLY      xp/trust/badge/admin/ledger rows cannot be deleted or rewritten
//	INV-STATUS           ledger transaction status follows its machine
//
// Within the saga commit transaction the escrow and proof rows must be updated
// before the task row so the INV-2/INV-3 subqueries observe them.
func ApplyConstitution(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	var stmts []string
	if IsPostgres(db) {
		stmts = postgresTriggers
	} else {
		stmts = sqliteTriggers
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("install constitution trigger: %w", err)
		}
	}
	return nil
}

var postgresTriggers = []string{
	`CREATE OR REPLACE FUNCTION hx_task_terminal() RETURNS trigger AS $$
BEGIN
  IF OLD.state IN ('COMPLETED','CANCELLED','EXPIRED') THEN
    RAISE EXCEPTION 'INV-TERMINAL: task % is terminal', OLD.id;
  END IF;
  RETURN NEW;
END;
$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS task_terminal_guard ON tasks`,
	`CREATE TRIGGER task_terminal_guard BEFORE UPDATE ON tasks
FOR EACH ROW EXECUTE FUNCTION hx_task_terminal()`,

	`CREATE OR REPLACE FUNCTION hx_task_completion() RETURNS trigger AS $$
BEGIN
  IF NEW.state = 'COMPLETED' AND OLD.state IS DISTINCT FROM 'COMPLETED' THEN
    IF NOT EXISTS (SELECT 1 FROM escrows WHERE task_id = NEW.id AND state = 'released') THEN
      RAISE EXCEPTION 'INV-2: task % completed without released escrow', NEW.id;
    END IF;
    IF NOT EXISTS (SELECT 1 FROM proofs WHERE task_id = NEW.id AND state IN ('verified','locked')) THEN
      RAISE EXCEPTION 'INV-3: task % completed without accepted proof', NEW.id;
    END IF;
  END IF;
  RETURN NEW;
END;
$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS task_completion_guard ON tasks`,
	`CREATE TRIGGER task_completion_guard BEFORE UPDATE ON tasks
FOR EACH ROW EXECUTE FUNCTION hx_task_completion()`,

	`CREATE OR REPLACE FUNCTION hx_escrow_guard() RETURNS trigger AS $$
BEGIN
  IF OLD.state IN ('released','refunded') THEN
    RAISE EXCEPTION 'INV-TERMINAL: escrow % is terminal', OLD.task_id;
  END IF;
  IF NEW.amount_cents <> OLD.amount_cents THEN
    RAISE EXCEPTION 'INV-AMOUNT-IMMUTABLE: escrow % amount cannot change', OLD.task_id;
  END IF;
  RETURN NEW;
END;
$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS escrow_guard ON escrows`,
	`CREATE TRIGGER escrow_guard BEFORE UPDATE ON escrows
FOR EACH ROW EXECUTE FUNCTION hx_escrow_guard()`,

	`CREATE OR REPLACE FUNCTION hx_proof_terminal() RETURNS trigger AS $$
BEGIN
  IF OLD.state = 'locked' THEN
    RAISE EXCEPTION 'INV-TERMINAL: proof % is terminal', OLD.id;
  END IF;
  RETURN NEW;
END;
$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS proof_terminal_guard ON proofs`,
	`CREATE TRIGGER proof_terminal_guard BEFORE UPDATE ON proofs
FOR EACH ROW EXECUTE FUNCTION hx_proof_terminal()`,

	`CREATE OR REPLACE FUNCTION hx_ledger_tx_status() RETURNS trigger AS $$
BEGIN
  IF OLD.status IN ('confirmed','failed') THEN
    RAISE EXCEPTION 'INV-TERMINAL: ledger transaction % is terminal', OLD.id;
  END IF;
  IF NEW.status <> OLD.status AND NOT (
       (OLD.status = 'pending'   AND NEW.status IN ('executing','failed'))
    OR (OLD.status = 'executing' AND NEW.status IN ('committed','failed'))
    OR (OLD.status = 'committed' AND NEW.status = 'confirmed')
  ) THEN
    RAISE EXCEPTION 'INV-STATUS: ledger transaction %: % -> % not allowed', OLD.id, OLD.status, NEW.status;
  END IF;
  RETURN NEW;
END;
$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS ledger_tx_status_guard ON ledger_transactions`,
	`CREATE TRIGGER ledger_tx_status_guard BEFORE UPDATE ON ledger_transactions
FOR EACH ROW EXECUTE FUNCTION hx_ledger_tx_status()`,

	`CREATE OR REPLACE FUNCTION hx_append_only() RETURNS trigger AS $$
BEGIN
  RAISE EXCEPTION 'INV-APPEND-ONLY: % rows cannot be deleted', TG_TABLE_NAME;
END;
$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS xp_append_only ON xp_ledger`,
	`CREATE TRIGGER xp_append_only BEFORE DELETE OR UPDATE ON xp_ledger
FOR EACH ROW EXECUTE FUNCTION hx_append_only()`,
	`DROP TRIGGER IF EXISTS trust_append_only ON trust_ledger`,
	`CREATE TRIGGER trust_append_only BEFORE DELETE OR UPDATE ON trust_ledger
FOR EACH ROW EXECUTE FUNCTION hx_append_only()`,
	`DROP TRIGGER IF EXISTS badge_append_only ON badge_ledger`,
	`CREATE TRIGGER badge_append_only BEFORE DELETE OR UPDATE ON badge_ledger
FOR EACH ROW EXECUTE FUNCTION hx_append_only()`,
	`DROP TRIGGER IF EXISTS admin_append_only ON admin_actions`,
	`CREATE TRIGGER admin_append_only BEFORE DELETE OR UPDATE ON admin_actions
FOR EACH ROW EXECUTE FUNCTION hx_append_only()`,
	`DROP TRIGGER IF EXISTS ledger_tx_no_delete ON ledger_transactions`,
	`CREATE TRIGGER ledger_tx_no_delete BEFORE DELETE ON ledger_transactions
FOR EACH ROW EXECUTE FUNCTION hx_append_only()`,
	`DROP TRIGGER IF EXISTS ledger_entry_no_delete ON ledger_entries`,
	`CREATE TRIGGER ledger_entry_no_delete BEFORE DELETE OR UPDATE ON ledger_entries
FOR EACH ROW EXECUTE FUNCTION hx_append_only()`,
	`DROP TRIGGER IF EXISTS state_log_no_delete ON state_transition_log`,
	`CREATE TRIGGER state_log_no_delete BEFORE DELETE OR UPDATE ON state_transition_log
FOR EACH ROW EXECUTE FUNCTION hx_append_only()`,
}

// SQLite fires same-event triggers in unspecified order, so the WHEN clauses
// below are mutually exclusive to reproduce the if/else-if precedence of the
// Postgres trigger functions (INV-2 before INV-3, INV-TERMINAL before INV-STATUS).
var sqliteTriggers = []string{
	`CREATE TRIGGER IF NOT EXISTS task_terminal_guard BEFORE UPDATE ON tasks
WHEN OLD.state IN ('COMPLETED','CANCELLED','EXPIRED')
BEGIN SELECT RAISE(ABORT, 'INV-TERMINAL: task is terminal'); END`,

	`CREATE TRIGGER IF NOT EXISTS task_completion_escrow_guard BEFORE UPDATE ON tasks
WHEN NEW.state = 'COMPLETED' AND OLD.state <> 'COMPLETED'
 AND (SELECT COUNT(1) FROM escrows WHERE task_id = NEW.id AND state = 'released') = 0
BEGIN SELECT RAISE(ABORT, 'INV-2: completion requires released escrow'); END`,

	`CREATE TRIGGER IF NOT EXISTS task_completion_proof_guard BEFORE UPDATE ON tasks
WHEN NEW.state = 'COMPLETED' AND OLD.state <> 'COMPLETED'
 AND (SELECT COUNT(1) FROM escrows WHERE task_id = NEW.id AND state = 'released') > 0
 AND (SELECT COUNT(1) FROM proofs WHERE task_id = NEW.id AND state IN ('verified','locked')) = 0
BEGIN SELECT RAISE(ABORT, 'INV-3: completion requires accepted proof'); END`,

	`CREATE TRIGGER IF NOT EXISTS escrow_terminal_guard BEFORE UPDATE ON escrows
WHEN OLD.state IN ('released','refunded')
BEGIN SELECT RAISE(ABORT, 'INV-TERMINAL: escrow is terminal'); END`,

	`CREATE TRIGGER IF NOT EXISTS escrow_amount_guard BEFORE UPDATE ON escrows
WHEN NEW.amount_cents <> OLD.amount_cents
BEGIN SELECT RAISE(ABORT, 'INV-AMOUNT-IMMUTABLE: escrow amount cannot change'); END`,

	`CREATE TRIGGER IF NOT EXISTS proof_terminal_guard BEFORE UPDATE ON proofs
WHEN OLD.state = 'locked'
BEGIN SELECT RAISE(ABORT, 'INV-TERMINAL: proof is terminal'); END`,

	`CREATE TRIGGER IF NOT EXISTS ledger_tx_terminal_guard BEFORE UPDATE ON ledger_transactions
WHEN OLD.status IN ('confirmed','failed')
BEGIN SELECT RAISE(ABORT, 'INV-TERMINAL: ledger transaction is terminal'); END`,

	`CREATE TRIGGER IF NOT EXISTS ledger_tx_status_guard BEFORE UPDATE ON ledger_transactions
WHEN OLD.status NOT IN ('confirmed','failed') AND NEW.status <> OLD.status AND NOT (
     (OLD.status = 'pending'   AND NEW.status IN ('executing','failed'))
  OR (OLD.status = 'executing' AND NEW.status IN ('committed','failed'))
  OR (OLD.status = 'committed' AND NEW.status = 'confirmed'))
BEGIN SELECT RAISE(ABORT, 'INV-STATUS: ledger transaction status transition not allowed'); END`,

	`CREATE TRIGGER IF NOT EXISTS xp_no_delete BEFORE DELETE ON xp_ledger
BEGIN SELECT RAISE(ABORT, 'INV-APPEND-ONLY: xp_ledger rows cannot be deleted'); END`,
	`CREATE TRIGGER IF NOT EXISTS xp_no_update BEFORE UPDATE ON xp_ledger
BEGIN SELECT RAISE(ABORT, 'INV-APPEND-ONLY: xp_ledger rows cannot be mutated'); END`,
	`CREATE TRIGGER IF NOT EXISTS trust_no_delete BEFORE DELETE ON trust_ledger
BEGIN SELECT RAISE(ABORT, 'INV-APPEND-ONLY: trust_ledger rows cannot be deleted'); END`,
	`CREATE TRIGGER IF NOT EXISTS trust_no_update BEFORE UPDATE ON trust_ledger
BEGIN SELECT RAISE(ABORT, 'INV-APPEND-ONLY: trust_ledger rows cannot be mutated'); END`,
	`CREATE TRIGGER IF NOT EXISTS badge_no_delete BEFORE DELETE ON badge_ledger
BEGIN SELECT RAISE(ABORT, 'INV-APPEND-ONLY: badge_ledger rows cannot be deleted'); END`,
	`CREATE TRIGGER IF NOT EXISTS admin_no_delete BEFORE DELETE ON admin_actions
BEGIN SELECT RAISE(ABORT, 'INV-APPEND-ONLY: admin_actions rows cannot be deleted'); END`,
	`CREATE TRIGGER IF NOT EXISTS ledger_tx_no_delete BEFORE DELETE ON ledger_transactions
BEGIN SELECT RAISE(ABORT, 'INV-APPEND-ONLY: ledger_transactions rows cannot be deleted'); END`,
	`CREATE TRIGGER IF NOT EXISTS ledger_entry_no_delete BEFORE DELETE ON ledger_entries
BEGIN SELECT RAISE(ABORT, 'INV-APPEND-ONLY: ledger_entries rows cannot be deleted'); END`,
	`CREATE TRIGGER IF NOT EXISTS ledger_entry_no_update BEFORE UPDATE ON ledger_entries
BEGIN SELECT RAISE(ABORT, 'INV-APPEND-ONLY: ledger_entries rows cannot be mutated'); END`,
	`CREATE TRIGGER IF NOT EXISTS state_log_no_delete BEFORE DELETE ON state_transition_log
BEGIN SELECT RAISE(ABORT, 'INV-APPEND-ONLY: state_transition_log rows cannot be deleted'); END`,
}
