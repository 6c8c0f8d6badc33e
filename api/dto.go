/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Monetary values cross the wire as decimal strings ("18553.54"), never as
  floats. Internally everything is integer cents; the DTO layer is where the
  two-decimal presentation happens.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/repair.go: RepairPlan, the round-trippable plan document
*/
package api

import (
	"github.com/acertado/ledger-engine/ledger"
)

// =============================================================================
// SCAN
// =============================================================================

// AnomalyDTO represents one invariant violation in API responses.
type AnomalyDTO struct {
	Kind      string   `json:"kind"`
	EntryID   string   `json:"entry_id,omitempty"`
	LineIDs   []string `json:"line_ids,omitempty"`
	AccountID string   `json:"account_id,omitempty"`
	Impact    string   `json:"impact"`
	Detail    string   `json:"detail,omitempty"`
}

// ScanReportDTO represents the result of an invariant scan.
type ScanReportDTO struct {
	From              string         `json:"from,omitempty"`
	To                string         `json:"to,omitempty"`
	AccountPrefix     string         `json:"account_prefix,omitempty"`
	EntriesScanned    int            `json:"entries_scanned"`
	LinesScanned      int            `json:"lines_scanned"`
	TotalDebit        string         `json:"total_debit"`
	TotalCredit       string         `json:"total_credit"`
	TrialBalanceDelta string         `json:"trial_balance_delta"`
	AnomalyCounts     map[string]int `json:"anomaly_counts"`
	Anomalies         []AnomalyDTO   `json:"anomalies"`
}

// =============================================================================
// BALANCE
// =============================================================================

// BalanceDTO represents one account's balance over a period.
type BalanceDTO struct {
	AccountCode  string `json:"account_code"`
	PeriodStart  string `json:"period_start"`
	PeriodEnd    string `json:"period_end"`
	Opening      string `json:"opening"`
	PeriodDebit  string `json:"period_debit"`
	PeriodCredit string `json:"period_credit"`
	Movement     string `json:"movement"`
	Closing      string `json:"closing"`
	Accounts     int    `json:"accounts"`
}

// =============================================================================
// REPAIR
// =============================================================================

// MergeDTO declares one account consolidation in a plan request.
type MergeDTO struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// PlanRepairRequest asks for a repair plan over a scan scope.
type PlanRepairRequest struct {
	From          string     `json:"from,omitempty"`
	To            string     `json:"to,omitempty"`
	AccountPrefix string     `json:"account_prefix,omitempty"`
	Merges        []MergeDTO `json:"merges,omitempty"`
}

// ActionDTO is one planned corrective action. The full plan round-trips:
// what the plan endpoint returns is exactly what the apply endpoint accepts.
type ActionDTO struct {
	Kind        string `json:"kind"`
	LineID      string `json:"line_id,omitempty"`
	EntryID     string `json:"entry_id,omitempty"`
	FromAccount string `json:"from_account,omitempty"`
	ToAccount   string `json:"to_account,omitempty"`
	SourceCode  string `json:"source_code,omitempty"`
	TargetCode  string `json:"target_code,omitempty"`
	Impact      string `json:"impact"`
	Reason      string `json:"reason,omitempty"`
}

// RepairPlanDTO is the serialized plan document.
type RepairPlanDTO struct {
	CreatedAt string      `json:"created_at"`
	Actions   []ActionDTO `json:"actions"`
}

// ApplyRepairRequest executes a previously returned plan. Execute defaults
// to false: the caller must opt in to real mutations.
type ApplyRepairRequest struct {
	Plan    RepairPlanDTO `json:"plan"`
	Execute bool          `json:"execute"`
}

// RepairResultDTO summarizes one repair run.
type RepairResultDTO struct {
	RunID            string `json:"run_id"`
	Simulated        bool   `json:"simulated"`
	Applied          int    `json:"applied"`
	Skipped          int    `json:"skipped"`
	DeletedEntries   int    `json:"deleted_entries"`
	DeletedLines     int    `json:"deleted_lines"`
	TransferredLines int    `json:"transferred_lines"`
	MergedAccounts   int    `json:"merged_accounts"`
	NetImpact        string `json:"net_impact"`
	StartedAt        string `json:"started_at"`
	FinishedAt       string `json:"finished_at"`
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// ReconcileRequest links a bank transaction to a journal entry.
type ReconcileRequest struct {
	EntryID string `json:"entry_id"`
	Actor   string `json:"actor"`
}

// UnreconcileRequest severs a link. Reason is mandatory.
type UnreconcileRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// TransactionDTO represents a bank transaction with reconciliation state.
type TransactionDTO struct {
	ID             string  `json:"id"`
	Amount         string  `json:"amount"`
	Date           string  `json:"date"`
	Description    string  `json:"description,omitempty"`
	Status         string  `json:"status"`
	JournalEntryID *string `json:"journal_entry_id,omitempty"`
	ReconciledAt   *string `json:"reconciled_at,omitempty"`
	ReconciledBy   string  `json:"reconciled_by,omitempty"`
}

// ViolationDTO is one bank transaction breaking the reconciliation contract.
type ViolationDTO struct {
	TransactionID string `json:"transaction_id"`
	Detail        string `json:"detail"`
}

// AuditRecordDTO is one audit-trail row.
type AuditRecordDTO struct {
	ID            string `json:"id"`
	At            string `json:"at"`
	Actor         string `json:"actor"`
	Action        string `json:"action"`
	TransactionID string `json:"transaction_id,omitempty"`
	EntryID       string `json:"entry_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// ErrorDTO is the uniform error envelope.
type ErrorDTO struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toAnomalyDTO(a ledger.AnomalyRecord) AnomalyDTO {
	lineIDs := make([]string, len(a.LineIDs))
	for i, id := range a.LineIDs {
		lineIDs[i] = string(id)
	}
	return AnomalyDTO{
		Kind:      string(a.Kind),
		EntryID:   string(a.EntryID),
		LineIDs:   lineIDs,
		AccountID: string(a.AccountID),
		Impact:    a.Impact.Decimal().StringFixed(2),
		Detail:    a.Detail,
	}
}

func toActionDTO(a ledger.RepairAction) ActionDTO {
	return ActionDTO{
		Kind:        string(a.Kind),
		LineID:      string(a.LineID),
		EntryID:     string(a.EntryID),
		FromAccount: string(a.FromAccount),
		ToAccount:   string(a.ToAccount),
		SourceCode:  a.SourceCode,
		TargetCode:  a.TargetCode,
		Impact:      a.Impact.Decimal().StringFixed(2),
		Reason:      a.Reason,
	}
}

func fromActionDTO(d ActionDTO) ledger.RepairAction {
	return ledger.RepairAction{
		Kind:        ledger.ActionKind(d.Kind),
		LineID:      ledger.LineID(d.LineID),
		EntryID:     ledger.EntryID(d.EntryID),
		FromAccount: ledger.AccountID(d.FromAccount),
		ToAccount:   ledger.AccountID(d.ToAccount),
		SourceCode:  d.SourceCode,
		TargetCode:  d.TargetCode,
		Impact:      parseCents(d.Impact),
		Reason:      d.Reason,
	}
}
