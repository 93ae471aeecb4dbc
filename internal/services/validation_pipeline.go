// internal/services/validation_pipeline.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/imi-licensing/internal/apperrors"
	"github.com/javajoker/imi-licensing/internal/clock"
	"github.com/javajoker/imi-licensing/internal/config"
	"github.com/javajoker/imi-licensing/internal/metrics"
	"github.com/javajoker/imi-licensing/internal/models"
	"github.com/javajoker/imi-licensing/internal/repository"
	"github.com/javajoker/imi-licensing/internal/utils"
)

type ValidationMode string

const (
	ModeFailFast   ValidationMode = "FAIL_FAST"
	ModeCollectAll ValidationMode = "COLLECT_ALL"
)

// Check names, in pipeline order.
const (
	CheckDateOverlap   = "date_overlap"
	CheckExclusivity   = "exclusivity"
	CheckScopeConflict = "scope_conflict"
	CheckBudget        = "budget_availability"
	CheckOwnership     = "ownership_verification"
	CheckApprovals     = "approval_requirements"
)

// CommittedFeeStatuses are the statuses whose fees count against a brand's budget.
var CommittedFeeStatuses = []models.LicenseStatus{
	models.LicenseStatusActive,
	models.LicenseStatusPendingApproval,
}

type ValidationOptions struct {
	Mode ValidationMode `json:"mode"`
}

// LicenseInput carries the terms of a grant to validate or create.
type LicenseInput struct {
	IPAssetID        uuid.UUID               `json:"ip_asset_id" validate:"required"`
	BrandID          uuid.UUID               `json:"brand_id" validate:"required"`
	ProjectID        *uuid.UUID              `json:"project_id,omitempty"`
	ParentLicenseID  *uuid.UUID              `json:"parent_license_id,omitempty"`
	LicenseType      models.LicenseType      `json:"license_type" validate:"required,oneof=EXCLUSIVE NON_EXCLUSIVE EXCLUSIVE_TERRITORY"`
	StartDate        time.Time               `json:"start_date" validate:"required"`
	EndDate          time.Time               `json:"end_date" validate:"required"`
	FeeCents         *int64                  `json:"fee_cents,omitempty" validate:"omitempty,gte=0"`
	RevShareBps      int                     `json:"rev_share_bps" validate:"bps"`
	Scope            models.Scope            `json:"scope" validate:"-"`
	AutoRenew        bool                    `json:"auto_renew"`
	PaymentTerms     string                  `json:"payment_terms,omitempty" validate:"max=255"`
	BillingFrequency models.BillingFrequency `json:"billing_frequency,omitempty" validate:"omitempty,oneof=one_time monthly quarterly annual"`

	// ExcludeID is the grant being re-validated; it never conflicts with itself.
	ExcludeID *uuid.UUID `json:"-"`
}

// LicenseInputFrom rebuilds the input of a stored grant for re-validation.
func LicenseInputFrom(l *models.License) LicenseInput {
	id := l.ID
	fee := l.FeeCents
	return LicenseInput{
		IPAssetID:        l.IPAssetID,
		BrandID:          l.BrandID,
		ProjectID:        l.ProjectID,
		ParentLicenseID:  l.ParentLicenseID,
		LicenseType:      l.LicenseType,
		StartDate:        l.StartDate,
		EndDate:          l.EndDate,
		FeeCents:         &fee,
		RevShareBps:      l.RevShareBps,
		Scope:            l.GetScope(),
		AutoRenew:        l.AutoRenew,
		PaymentTerms:     l.PaymentTerms,
		BillingFrequency: l.BillingFrequency,
		ExcludeID:        &id,
	}
}

// Fee is the fixed fee of the grant; an unpriced grant has none.
func (in LicenseInput) Fee() int64 {
	if in.FeeCents == nil {
		return 0
	}
	return *in.FeeCents
}

func (in LicenseInput) conflictInput() ConflictInput {
	return ConflictInput{
		IPAssetID:   in.IPAssetID,
		BrandID:     in.BrandID,
		StartDate:   in.StartDate,
		EndDate:     in.EndDate,
		LicenseType: in.LicenseType,
		Scope:       in.Scope,
		RevShareBps: in.RevShareBps,
		ExcludeID:   in.ExcludeID,
	}
}

type CheckResult struct {
	Name      string                 `json:"name"`
	Passed    bool                   `json:"passed"`
	Skipped   bool                   `json:"skipped"`
	Errors    []string               `json:"errors"`
	Warnings  []string               `json:"warnings"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Conflicts []models.Conflict      `json:"conflicts,omitempty"`
}

func (r *CheckResult) fail(format string, args ...interface{}) {
	r.Passed = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *CheckResult) warn(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *CheckResult) detail(key string, value interface{}) {
	if r.Details == nil {
		r.Details = make(map[string]interface{})
	}
	r.Details[key] = value
}

type ValidationResult struct {
	Valid             bool                      `json:"valid"`
	Mode              ValidationMode            `json:"mode"`
	Checks            []CheckResult             `json:"checks"`
	AllErrors         []string                  `json:"all_errors"`
	AllWarnings       []string                  `json:"all_warnings"`
	Conflicts         []models.Conflict         `json:"conflicts"`
	RequiredApprovals []models.RequiredApproval `json:"required_approvals"`
}

// Check returns the result of the named check, or nil.
func (r *ValidationResult) Check(name string) *CheckResult {
	for i := range r.Checks {
		if r.Checks[i].Name == name {
			return &r.Checks[i]
		}
	}
	return nil
}

// validationState is everything the checks read, loaded once per run.
type validationState struct {
	in          LicenseInput
	repo        repository.Store
	now         time.Time
	datesValid  bool
	overlapping []models.License
	conflicts   ConflictResult
	asset       *models.IPAsset
	ownerships  []models.AssetOwnership
	owners      map[uuid.UUID]*models.User
	brand       *models.User

	approvals []models.RequiredApproval
}

type pipelineCheck struct {
	name string
	run  func(ctx context.Context, st *validationState) (CheckResult, error)
}

// ValidationPipeline runs the six creation checks in a fixed order.
type ValidationPipeline struct {
	conflicts *ConflictService
	cfg       config.LicensingConfig
	clock     clock.Clock
	metrics   *metrics.Metrics
	checks    []pipelineCheck
}

func NewValidationPipeline(conflicts *ConflictService, cfg config.LicensingConfig, clk clock.Clock, m *metrics.Metrics) *ValidationPipeline {
	p := &ValidationPipeline{
		conflicts: conflicts,
		cfg:       cfg,
		clock:     clk,
		metrics:   m,
	}
	p.checks = []pipelineCheck{
		{CheckDateOverlap, p.checkDateOverlap},
		{CheckExclusivity, p.checkExclusivity},
		{CheckScopeConflict, p.checkScope},
		{CheckBudget, p.checkBudget},
		{CheckOwnership, p.checkOwnership},
		{CheckApprovals, p.checkApprovals},
	}
	return p
}

// Run validates in against repo. Soft problems are reported in the result;
// only malformed input and storage failures return an error.
func (p *ValidationPipeline) Run(ctx context.Context, repo repository.Store, in LicenseInput, opts ValidationOptions) (*ValidationResult, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, apperrors.NewValidation("invalid license input", utils.ValidationMessages(err)...)
	}
	if opts.Mode == "" {
		opts.Mode = ModeCollectAll
	}

	st, err := p.load(ctx, repo, in)
	if err != nil {
		return nil, err
	}

	result := &ValidationResult{
		Valid:             true,
		Mode:              opts.Mode,
		Checks:            make([]CheckResult, 0, len(p.checks)),
		AllErrors:         []string{},
		AllWarnings:       []string{},
		Conflicts:         []models.Conflict{},
		RequiredApprovals: []models.RequiredApproval{},
	}

	halted := false
	for _, c := range p.checks {
		if halted {
			result.Checks = append(result.Checks, CheckResult{Name: c.name, Skipped: true, Errors: []string{}, Warnings: []string{}})
			continue
		}

		check, err := c.run(ctx, st)
		if err != nil {
			return nil, err
		}
		check.Name = c.name
		if check.Errors == nil {
			check.Errors = []string{}
		}
		if check.Warnings == nil {
			check.Warnings = []string{}
		}

		result.Checks = append(result.Checks, check)
		result.AllErrors = append(result.AllErrors, check.Errors...)
		result.AllWarnings = append(result.AllWarnings, check.Warnings...)
		result.Conflicts = append(result.Conflicts, check.Conflicts...)
		if !check.Passed {
			result.Valid = false
			halted = opts.Mode == ModeFailFast
		}
	}

	result.Conflicts = models.DedupeConflicts(result.Conflicts)
	if st.approvals != nil {
		result.RequiredApprovals = st.approvals
	}

	p.observe(result)
	logrus.WithFields(logrus.Fields{
		"ip_asset_id": in.IPAssetID,
		"brand_id":    in.BrandID,
		"valid":       result.Valid,
		"errors":      len(result.AllErrors),
		"warnings":    len(result.AllWarnings),
	}).Debug("License validation completed")

	return result, nil
}

func (p *ValidationPipeline) observe(result *ValidationResult) {
	if p.metrics == nil {
		return
	}
	outcome := "valid"
	if !result.Valid {
		outcome = "invalid"
	}
	p.metrics.ValidationRuns.WithLabelValues(outcome).Inc()
}

func (p *ValidationPipeline) load(ctx context.Context, repo repository.Store, in LicenseInput) (*validationState, error) {
	st := &validationState{
		in:         in,
		repo:       repo,
		now:        p.clock.Now(),
		datesValid: in.EndDate.After(in.StartDate),
		owners:     make(map[uuid.UUID]*models.User),
	}

	if st.datesValid {
		overlapping, err := repo.FindOverlappingLicenses(ctx, repository.OverlapQuery{
			IPAssetID: in.IPAssetID,
			Start:     in.StartDate,
			End:       in.EndDate,
			Statuses:  ConflictCandidateStatuses,
			ExcludeID: in.ExcludeID,
		})
		if err != nil {
			return nil, apperrors.Wrap(err, "failed to load overlapping licenses for asset %s", in.IPAssetID)
		}
		st.overlapping = overlapping
		st.conflicts = DetectConflicts(in.conflictInput(), overlapping, p.cfg.RevShareWarningBps)
		if p.conflicts != nil {
			p.conflicts.observe(&st.conflicts)
		}
	}

	asset, err := repo.GetAsset(ctx, in.IPAssetID)
	switch {
	case err == nil:
		st.asset = asset
	case !isNotFound(err):
		return nil, apperrors.Wrap(err, "failed to load asset %s", in.IPAssetID)
	}

	if st.asset != nil {
		records, err := repo.ListOwnerships(ctx, in.IPAssetID)
		if err != nil {
			return nil, apperrors.Wrap(err, "failed to load ownership for asset %s", in.IPAssetID)
		}
		st.ownerships = models.ActiveOwnerships(records, st.now)
		for _, ownerID := range models.DistinctOwnerIDs(st.ownerships) {
			owner, err := repo.GetUser(ctx, ownerID)
			switch {
			case err == nil:
				st.owners[ownerID] = owner
			case !isNotFound(err):
				return nil, apperrors.Wrap(err, "failed to load owner %s", ownerID)
			}
		}
	}

	brand, err := repo.GetUser(ctx, in.BrandID)
	switch {
	case err == nil:
		st.brand = brand
	case !isNotFound(err):
		return nil, apperrors.Wrap(err, "failed to load brand %s", in.BrandID)
	}

	return st, nil
}

// checkDateOverlap validates the date range and classifies every intersecting grant.
func (p *ValidationPipeline) checkDateOverlap(ctx context.Context, st *validationState) (CheckResult, error) {
	r := CheckResult{Passed: true}
	if !st.datesValid {
		r.fail("end date %s must be after start date %s", st.in.EndDate.Format(dateLayout), st.in.StartDate.Format(dateLayout))
		return r, nil
	}
	today := st.now.Truncate(24 * time.Hour)
	if st.in.StartDate.Before(today) {
		r.warn("start date %s is in the past", st.in.StartDate.Format(dateLayout))
	}

	r.detail("overlapping", len(st.overlapping))
	for i := range st.overlapping {
		ex := &st.overlapping[i]
		window := fmt.Sprintf("%s to %s",
			latest(st.in.StartDate, ex.StartDate).Format(dateLayout),
			earliest(st.in.EndDate, ex.EndDate).Format(dateLayout))

		blocking := false
		var territories []string
		switch {
		case st.in.LicenseType == models.LicenseTypeExclusive || ex.LicenseType == models.LicenseTypeExclusive:
			blocking = true
		case st.in.LicenseType == models.LicenseTypeExclusiveTerritory || ex.LicenseType == models.LicenseTypeExclusiveTerritory:
			territories = models.TerritoryOverlap(st.in.Scope, ex.GetScope())
			blocking = len(territories) > 0
		}

		if !blocking {
			r.warn("dates overlap %s grant %s from %s", ex.LicenseType, ex.ID, window)
			continue
		}
		r.fail("dates overlap %s grant %s (%s) from %s", ex.LicenseType, ex.ID, ex.Status, window)
		r.Conflicts = append(r.Conflicts, models.Conflict{
			ConflictingLicenseID: ex.ID,
			ReasonCode:           models.ConflictDateOverlap,
			Details:              fmt.Sprintf("%s grant %s overlaps from %s", ex.LicenseType, ex.ID, window),
			OverlapStart:         latest(st.in.StartDate, ex.StartDate),
			OverlapEnd:           earliest(st.in.EndDate, ex.EndDate),
			Territories:          territories,
			Summary:              ex.Summary(),
		})
	}
	return r, nil
}

// checkExclusivity reports the detector's exclusivity and competitor conflicts.
func (p *ValidationPipeline) checkExclusivity(ctx context.Context, st *validationState) (CheckResult, error) {
	r := CheckResult{Passed: true}
	if !st.datesValid {
		r.warn("exclusivity not evaluated: invalid date range")
		return r, nil
	}
	for _, c := range st.conflicts.Conflicts {
		switch c.ReasonCode {
		case models.ConflictExclusiveOverlap, models.ConflictTerritoryOverlap, models.ConflictCompetitorBlocked:
			r.fail("%s: %s", c.ReasonCode, c.Details)
			r.Conflicts = append(r.Conflicts, c)
		}
	}
	return r, nil
}

// checkScope validates the scope shape and reports non-exclusive scope overlaps.
func (p *ValidationPipeline) checkScope(ctx context.Context, st *validationState) (CheckResult, error) {
	r := CheckResult{Passed: true}
	for _, msg := range ScopeErrors(st.in.Scope) {
		r.fail("%s", msg)
	}

	for _, c := range st.conflicts.Conflicts {
		if c.ReasonCode == models.ConflictScopeOverlap {
			r.fail("%s: %s", c.ReasonCode, c.Details)
			r.Conflicts = append(r.Conflicts, c)
		}
	}
	r.Warnings = append(r.Warnings, st.conflicts.Warnings...)
	r.detail("revenue_share_exposure_bps", st.conflicts.RevenueShareExposureBps)
	return r, nil
}

// ScopeErrors lists every shape problem of scope.
func ScopeErrors(scope models.Scope) []string {
	var errs []string
	if len(scope.Media.Selected()) == 0 {
		errs = append(errs, "scope must select at least one media type")
	}
	if len(scope.Placements.Selected()) == 0 {
		errs = append(errs, "scope must select at least one placement")
	}
	hasGlobal := false
	for _, t := range scope.Territories {
		if t == models.TerritoryGlobal {
			hasGlobal = true
		}
	}
	if hasGlobal && len(scope.Territories) > 1 {
		errs = append(errs, "GLOBAL cannot be combined with specific territory codes")
	}
	if err := utils.ValidateStruct(scope); err != nil {
		for _, msg := range utils.ValidationMessages(err) {
			errs = append(errs, "scope: "+msg)
		}
	}
	return errs
}

// checkBudget caps unverified brands and flags unusually large grants.
func (p *ValidationPipeline) checkBudget(ctx context.Context, st *validationState) (CheckResult, error) {
	r := CheckResult{Passed: true}
	if st.brand == nil || st.brand.IsDeleted() {
		r.fail("brand %s not found", st.in.BrandID)
		return r, nil
	}
	if st.in.Fee() == 0 {
		r.warn("no fixed fee set; compensation relies on revenue share only")
		return r, nil
	}

	committed, err := st.repo.SumBrandFees(ctx, st.in.BrandID, CommittedFeeStatuses, st.in.ExcludeID)
	if err != nil {
		return r, apperrors.Wrap(err, "failed to sum committed fees for brand %s", st.in.BrandID)
	}
	total := committed + st.in.Fee()
	r.detail("committed_cents", committed)
	r.detail("total_cents", total)

	if !st.brand.VerificationLevel.IsVerified() {
		r.detail("cap_cents", p.cfg.UnverifiedBrandCapCents)
		if total > p.cfg.UnverifiedBrandCapCents {
			r.fail("unverified brand commitments of %s would exceed the %s cap",
				formatCents(total), formatCents(p.cfg.UnverifiedBrandCapCents))
		}
		return r, nil
	}
	if st.in.Fee() > p.cfg.VerifiedHighValueCents {
		r.warn("fee of %s is above the %s high-value threshold",
			formatCents(st.in.Fee()), formatCents(p.cfg.VerifiedHighValueCents))
	}
	return r, nil
}

// checkOwnership verifies the asset can be licensed by its current owners.
func (p *ValidationPipeline) checkOwnership(ctx context.Context, st *validationState) (CheckResult, error) {
	r := CheckResult{Passed: true}
	if st.asset == nil || st.asset.IsDeleted() {
		r.fail("asset %s not found", st.in.IPAssetID)
		return r, nil
	}
	if !st.asset.Status.IsLicensable() {
		r.fail("asset %s is %s; only approved or published assets can be licensed", st.asset.ID, st.asset.Status)
	}
	if len(st.ownerships) == 0 {
		r.fail("asset %s has no active ownership records", st.asset.ID)
		return r, nil
	}

	total := 0
	hasPrimary := false
	for _, o := range st.ownerships {
		total += o.ShareBps
		if o.OwnershipType == models.OwnershipTypePrimary {
			hasPrimary = true
		}
		if o.HasOpenDispute() {
			r.fail("ownership of %s by %s is disputed", st.asset.ID, o.OwnerID)
		}
		if st.in.Fee() >= p.cfg.LegalDocsFeeCents && o.LegalDocumentURL == "" {
			r.warn("ownership record of %s has no legal document for a fee of %s", o.OwnerID, formatCents(st.in.Fee()))
		}
	}
	r.detail("total_share_bps", total)
	if !hasPrimary {
		r.fail("asset %s has no primary owner", st.asset.ID)
	}
	if total != 10000 {
		r.fail("ownership shares sum to %d bps, expected 10000", total)
	}

	for _, ownerID := range models.DistinctOwnerIDs(st.ownerships) {
		owner, ok := st.owners[ownerID]
		switch {
		case !ok || owner.IsDeleted():
			r.fail("owner account %s has been deleted", ownerID)
		case owner.Status != models.UserStatusActive:
			r.warn("owner account %s is %s", ownerID, owner.Status)
		}
	}
	return r, nil
}

// checkApprovals never fails; it computes who must approve the grant.
func (p *ValidationPipeline) checkApprovals(ctx context.Context, st *validationState) (CheckResult, error) {
	r := CheckResult{Passed: true}
	approvals := newApprovalSet()

	if st.in.Fee() >= p.cfg.AdminApprovalFeeCents {
		approvals.add(models.ActorRoleAdmin, nil, fmt.Sprintf("fee of at least %s", formatCents(p.cfg.AdminApprovalFeeCents)))
	}
	if st.in.LicenseType.IsExclusiveTier() {
		approvals.add(models.ActorRoleAdmin, nil, fmt.Sprintf("%s grant", st.in.LicenseType))
	}
	if st.brand != nil && !st.brand.VerificationLevel.IsVerified() {
		approvals.add(models.ActorRoleAdmin, nil, "unverified brand")
	}
	for _, o := range st.ownerships {
		ownerID := o.OwnerID
		approvals.add(models.ActorRoleCreator, &ownerID, "owner consent")
		if st.in.LicenseType.IsExclusiveTier() {
			approvals.add(models.ActorRoleCreator, &ownerID, fmt.Sprintf("%s grant", st.in.LicenseType))
		}
	}

	if st.in.LicenseType.IsExclusiveTier() && st.in.Scope.IsGlobal() {
		r.warn("GLOBAL %s scope needs extra scrutiny", st.in.LicenseType)
	}
	if st.datesValid {
		if days := models.DaysBetween(st.in.StartDate, st.in.EndDate); days > p.cfg.LongTermWarningDays {
			r.warn("duration of %d days exceeds %d days", days, p.cfg.LongTermWarningDays)
		}
	}
	if st.in.Fee() > 0 && st.in.RevShareBps > 0 {
		r.warn("hybrid pricing: fixed fee plus %d bps revenue share", st.in.RevShareBps)
	}

	st.approvals = approvals.list()
	r.detail("required_approvals", len(st.approvals))
	return r, nil
}

// approvalSet merges requirements for the same approver, keeping every reason.
type approvalSet struct {
	items []models.RequiredApproval
}

func newApprovalSet() *approvalSet {
	return &approvalSet{}
}

func (a *approvalSet) add(role models.ActorRole, approverID *uuid.UUID, reason string) {
	for i := range a.items {
		item := &a.items[i]
		if item.Role != role || !sameApprover(item.ApproverID, approverID) {
			continue
		}
		if !strings.Contains(item.Reason, reason) {
			item.Reason += "; " + reason
		}
		return
	}
	a.items = append(a.items, models.RequiredApproval{
		Role:       role,
		ApproverID: approverID,
		Reason:     reason,
		Status:     models.ApprovalStatusPending,
	})
}

func (a *approvalSet) list() []models.RequiredApproval {
	if a.items == nil {
		return []models.RequiredApproval{}
	}
	return a.items
}

func sameApprover(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func formatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}

func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound) || apperrors.IsType(err, apperrors.ErrTypeNotFound)
}
