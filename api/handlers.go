/*
handlers.go - HTTP API handlers for the ledger correctness engine

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Integrity:
    GET    /api/scan                        Run an invariant scan
    GET    /api/accounts/{code}/balance     Opening/movement/closing balance

  Repair:
    POST   /api/repairs/plan                Scan a scope and plan corrections
    POST   /api/repairs/apply               Execute a plan (simulate unless
                                            execute=true)

  Reconciliation:
    GET    /api/transactions/{id}           Bank transaction + link state
    GET    /api/transactions/{id}/audit     Audit trail for one transaction
    POST   /api/transactions/{id}/reconcile
    POST   /api/transactions/{id}/unreconcile
    GET    /api/reconciliation/verify       Re-check the three-way contract

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call domain logic (engine)
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (already reconciled, duplicate, stale view)
  - 423: Tenant lock held by another run
  - 503: Transient storage failure (retryable)
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.
  Front with an authenticating proxy in production.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - ledger/engine.go: The facade these handlers delegate to
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/acertado/ledger-engine/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *ledger.Engine
}

// NewHandler creates a handler around the given engine.
func NewHandler(engine *ledger.Engine) *Handler {
	return &Handler{Engine: engine}
}

// =============================================================================
// SCAN HANDLERS
// =============================================================================

// Scan runs an invariant scan over the requested scope.
// Query: from, to (YYYY-MM-DD), prefix (account code).
func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid scan scope", err)
		return
	}

	report, err := h.Engine.Scan(r.Context(), scope)
	if err != nil {
		writeDomainError(w, "Scan failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toScanReportDTO(report))
}

// GetBalance returns an account's balance over one competence month.
// Query: month (YYYY-MM, default: current).
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	month := r.URL.Query().Get("month")
	if month == "" {
		month = ledger.CompetenceOf(time.Now().UTC())
	}
	year, m, err := ledger.ParseCompetence(month)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month (use YYYY-MM)", err)
		return
	}
	period := ledger.MonthPeriod(year, m)

	result, err := h.Engine.Balance(r.Context(), code, period)
	if err != nil {
		writeDomainError(w, "Balance computation failed", err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceDTO{
		AccountCode:  result.AccountCode,
		PeriodStart:  result.Period.Start.Format("2006-01-02"),
		PeriodEnd:    result.Period.End.Format("2006-01-02"),
		Opening:      result.Opening.Decimal().StringFixed(2),
		PeriodDebit:  result.PeriodDebit.Decimal().StringFixed(2),
		PeriodCredit: result.PeriodCredit.Decimal().StringFixed(2),
		Movement:     result.Movement().Decimal().StringFixed(2),
		Closing:      result.Closing.Decimal().StringFixed(2),
		Accounts:     result.Accounts,
	})
}

// =============================================================================
// REPAIR HANDLERS
// =============================================================================

// PlanRepair scans the requested scope and returns the corrective plan. Pure
// read: nothing is mutated, and the returned plan is what apply accepts.
func (h *Handler) PlanRepair(w http.ResponseWriter, r *http.Request) {
	var req PlanRepairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	scope, err := scopeFromRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid scan scope", err)
		return
	}
	merges := make(ledger.MergeMap, len(req.Merges))
	for _, m := range req.Merges {
		merges[m.Source] = m.Target
	}

	report, err := h.Engine.Scan(r.Context(), scope)
	if err != nil {
		writeDomainError(w, "Scan failed", err)
		return
	}
	plan, err := h.Engine.PlanRepair(r.Context(), report.Anomalies, merges)
	if err != nil {
		writeDomainError(w, "Planning failed", err)
		return
	}

	actions := make([]ActionDTO, len(plan.Actions))
	for i, a := range plan.Actions {
		actions[i] = toActionDTO(a)
	}
	writeJSON(w, http.StatusOK, RepairPlanDTO{
		CreatedAt: plan.CreatedAt.Format(time.RFC3339),
		Actions:   actions,
	})
}

// ApplyRepair executes a plan. Simulation is the default; execute=true must
// be set explicitly for real mutations.
func (h *Handler) ApplyRepair(w http.ResponseWriter, r *http.Request) {
	var req ApplyRepairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	createdAt, _ := time.Parse(time.RFC3339, req.Plan.CreatedAt)
	plan := &ledger.RepairPlan{CreatedAt: createdAt}
	for _, a := range req.Plan.Actions {
		plan.Actions = append(plan.Actions, fromActionDTO(a))
	}

	result, err := h.Engine.ApplyRepair(r.Context(), plan, !req.Execute)
	if err != nil {
		writeDomainError(w, "Repair run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toRepairResultDTO(result))
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

// GetTransaction returns one bank transaction with its reconciliation state.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := ledger.TransactionID(chi.URLParam(r, "id"))

	txn, err := h.Engine.Store.BankTransaction(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(txn))
}

// GetAuditTrail returns the audit trail of one bank transaction.
func (h *Handler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	id := ledger.TransactionID(chi.URLParam(r, "id"))

	records, err := h.Engine.Store.AuditTrail(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get audit trail", err)
		return
	}

	dtos := make([]AuditRecordDTO, len(records))
	for i, rec := range records {
		dtos[i] = AuditRecordDTO{
			ID:            rec.ID,
			At:            rec.At.Format(time.RFC3339),
			Actor:         rec.Actor,
			Action:        string(rec.Action),
			TransactionID: string(rec.TransactionID),
			EntryID:       string(rec.EntryID),
			Reason:        rec.Reason,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": dtos})
}

// Reconcile links a bank transaction to a journal entry.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id := ledger.TransactionID(chi.URLParam(r, "id"))

	var req ReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	txn, err := h.Engine.Reconcile(r.Context(), id, ledger.EntryID(req.EntryID), req.Actor)
	if err != nil {
		writeDomainError(w, "Reconcile failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(txn))
}

// Unreconcile severs a reconciliation link.
func (h *Handler) Unreconcile(w http.ResponseWriter, r *http.Request) {
	id := ledger.TransactionID(chi.URLParam(r, "id"))

	var req UnreconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	txn, err := h.Engine.Unreconcile(r.Context(), id, req.Actor, req.Reason)
	if err != nil {
		writeDomainError(w, "Unreconcile failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(txn))
}

// VerifyReconciliation re-checks the three-way contract across all bank
// transactions.
func (h *Handler) VerifyReconciliation(w http.ResponseWriter, r *http.Request) {
	violations, err := h.Engine.VerifyReconciliation(r.Context())
	if err != nil {
		writeDomainError(w, "Verification failed", err)
		return
	}

	dtos := make([]ViolationDTO, len(violations))
	for i, v := range violations {
		dtos[i] = ViolationDTO{TransactionID: string(v.TransactionID), Detail: v.Detail}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"consistent": len(violations) == 0,
		"violations": dtos,
	})
}

// =============================================================================
// CONVERSIONS AND HELPERS
// =============================================================================

func toScanReportDTO(report *ledger.ScanReport) ScanReportDTO {
	dto := ScanReportDTO{
		AccountPrefix:     report.Scope.AccountPrefix,
		EntriesScanned:    report.EntriesScanned,
		LinesScanned:      report.LinesScanned,
		TotalDebit:        report.TotalDebit.Decimal().StringFixed(2),
		TotalCredit:       report.TotalCredit.Decimal().StringFixed(2),
		TrialBalanceDelta: report.TrialBalanceDelta().Decimal().StringFixed(2),
		AnomalyCounts:     make(map[string]int),
		Anomalies:         make([]AnomalyDTO, len(report.Anomalies)),
	}
	if !report.Scope.From.IsZero() {
		dto.From = report.Scope.From.Format("2006-01-02")
	}
	if !report.Scope.To.IsZero() {
		dto.To = report.Scope.To.Format("2006-01-02")
	}
	for i, a := range report.Anomalies {
		dto.AnomalyCounts[string(a.Kind)]++
		dto.Anomalies[i] = toAnomalyDTO(a)
	}
	return dto
}

func toRepairResultDTO(res *ledger.RepairResult) RepairResultDTO {
	return RepairResultDTO{
		RunID:            res.RunID,
		Simulated:        res.Simulated,
		Applied:          res.Applied,
		Skipped:          res.Skipped,
		DeletedEntries:   len(res.DeletedEntries),
		DeletedLines:     len(res.DeletedLines),
		TransferredLines: len(res.TransferredLines),
		MergedAccounts:   len(res.MergedAccounts),
		NetImpact:        res.NetImpact.Decimal().StringFixed(2),
		StartedAt:        res.StartedAt.Format(time.RFC3339),
		FinishedAt:       res.FinishedAt.Format(time.RFC3339),
	}
}

func toTransactionDTO(t ledger.BankTransaction) TransactionDTO {
	dto := TransactionDTO{
		ID:           string(t.ID),
		Amount:       t.Amount.StringFixed(2),
		Date:         t.Date.Format("2006-01-02"),
		Description:  t.Description,
		Status:       string(t.Status),
		ReconciledBy: t.ReconciledBy,
	}
	if t.JournalEntryID != nil {
		id := string(*t.JournalEntryID)
		dto.JournalEntryID = &id
	}
	if t.ReconciledAt != nil {
		at := t.ReconciledAt.Format(time.RFC3339)
		dto.ReconciledAt = &at
	}
	return dto
}

func scopeFromQuery(r *http.Request) (ledger.Scope, error) {
	return buildScope(r.URL.Query().Get("from"), r.URL.Query().Get("to"), r.URL.Query().Get("prefix"))
}

func scopeFromRequest(req PlanRepairRequest) (ledger.Scope, error) {
	return buildScope(req.From, req.To, req.AccountPrefix)
}

func buildScope(from, to, prefix string) (ledger.Scope, error) {
	var scope ledger.Scope
	scope.AccountPrefix = prefix
	if from != "" {
		t, err := time.Parse("2006-01-02", from)
		if err != nil {
			return ledger.Scope{}, err
		}
		scope.From = t
	}
	if to != "" {
		t, err := time.Parse("2006-01-02", to)
		if err != nil {
			return ledger.Scope{}, err
		}
		scope.To = t
	}
	if !scope.From.IsZero() && !scope.To.IsZero() && scope.To.Before(scope.From) {
		return ledger.Scope{}, ledger.ErrInvalidPeriod
	}
	return scope, nil
}

func parseCents(s string) ledger.Cents {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return ledger.CentsOf(d)
}

// writeDomainError maps domain errors to HTTP status codes.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case ledger.IsValidation(err):
		writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, ledger.ErrEntryNotFound),
		errors.Is(err, ledger.ErrTransactionNotFound):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, ledger.ErrLockHeld):
		writeError(w, http.StatusLocked, message, err)
	case ledger.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	case ledger.IsRetryable(err):
		writeError(w, http.StatusServiceUnavailable, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	dto := ErrorDTO{Error: message}
	if err != nil {
		dto.Detail = err.Error()
	}
	writeJSON(w, status, dto)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
