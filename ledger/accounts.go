package ledger

import (
	"crypto/sha256"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	coreerrors "hustlexp/core/errors"
	"hustlexp/storage"
)

// Owner scopes for accounts.
const (
	OwnerPlatform = "platform"
	OwnerUser     = "user"
	OwnerTask     = "task"
)

// Account types.
const (
	TypeAsset     = "asset"
	TypeLiability = "liability"
	TypeEquity    = "equity"
	TypeExpense   = "expense"
)

// Entry directions.
const (
	Debit  = "debit"
	Credit = "credit"
)

// Owner identifies the party an account belongs to. Platform accounts carry no ID.
type Owner struct {
	Type string
	ID   string
}

type template struct {
	scope string
	typ   string
}

// Account templates. The template plus the owner fully determines the account,
// so IDs can be derived without a lookup.
const (
	TemplatePlatformCash    = "platform_cash"
	TemplatePlatformRevenue = "platform_revenue"
	TemplatePlatformExpense = "platform_expense"
	TemplateTaskEscrow      = "task_escrow"
	TemplateUserReceivable  = "user_receivable"
)

var templates = map[string]template{
	TemplatePlatformCash:    {scope: OwnerPlatform, typ: TypeAsset},
	TemplatePlatformRevenue: {scope: OwnerPlatform, typ: TypeEquity},
	TemplatePlatformExpense: {scope: OwnerPlatform, typ: TypeExpense},
	TemplateTaskEscrow:      {scope: OwnerTask, typ: TypeLiability},
	TemplateUserReceivable:  {scope: OwnerUser, typ: TypeLiability},
}

// AccountID derives the deterministic account UUID for an owner/template pair:
// the first 16 bytes of sha256(owner_id ":" template) coerced into UUID form.
func AccountID(owner Owner, tmpl string) string {
	key := owner.ID
	if owner.Type == OwnerPlatform {
		key = OwnerPlatform
	}
	sum := sha256.Sum256([]byte(key + ":" + tmpl))
	id, _ := uuid.FromBytes(sum[:16])
	return id.String()
}

// GetOrCreateAccount upserts the account for owner/template inside the
// caller's transaction and returns it locked FOR UPDATE. The template's owner
// scope must match the owner or the call fails with InvalidTemplate.
func (s *Service) GetOrCreateAccount(tx *gorm.DB, owner Owner, tmpl string) (*storage.LedgerAccount, error) {
	def, ok := templates[tmpl]
	if !ok {
		return nil, coreerrors.Validation("INVALID_TEMPLATE", "unknown account template "+tmpl)
	}
	if def.scope != owner.Type {
		return nil, coreerrors.Validation("INVALID_TEMPLATE", "template "+tmpl+" requires a "+def.scope+" owner").
			With("owner_type", owner.Type)
	}
	if owner.Type != OwnerPlatform && owner.ID == "" {
		return nil, coreerrors.Validation("INVALID_TEMPLATE", "owner id required for scoped template "+tmpl)
	}

	account := storage.LedgerAccount{
		ID:        AccountID(owner, tmpl),
		OwnerType: owner.Type,
		Type:      def.typ,
		Currency:  CurrencyUSD,
	}
	if owner.Type != OwnerPlatform {
		id := owner.ID
		account.OwnerID = &id
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&account).Error; err != nil {
		return nil, storage.MapError(err)
	}
	var locked storage.LedgerAccount
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&locked, "id = ?", account.ID).Error; err != nil {
		return nil, storage.MapError(err)
	}
	return &locked, nil
}

// NormalBalanceDelta returns the signed balance change an entry applies to the
// account under natural-balance bookkeeping: debits grow asset and expense
// accounts, credits grow liability and equity accounts.
func NormalBalanceDelta(accountType, direction string, amountCents int64) int64 {
	debitNormal := accountType == TypeAsset || accountType == TypeExpense
	if (direction == Debit) == debitNormal {
		return amountCents
	}
	return -amountCents
}
