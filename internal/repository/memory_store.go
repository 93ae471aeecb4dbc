// internal/repository/memory_store.go
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/javajoker/imi-licensing/internal/clock"
	"github.com/javajoker/imi-licensing/internal/models"
)

// MemoryStore is an in-process Store used by tests and the offline CLI.
// Transactions are serialized and roll back by restoring a snapshot. Values
// are deep-copied on the way in and out.
type MemoryStore struct {
	*memState
	txMu sync.Mutex
}

type memoryTx struct {
	*memState
}

type memState struct {
	mu    sync.RWMutex
	clock clock.Clock
	data  *memData
}

type memData struct {
	Assets        map[uuid.UUID]*models.IPAsset
	Ownerships    map[uuid.UUID]*models.AssetOwnership
	Users         map[uuid.UUID]*models.User
	Licenses      map[uuid.UUID]*models.License
	History       []models.StatusHistoryEntry
	Amendments    map[uuid.UUID]*models.Amendment
	Approvals     map[uuid.UUID]*models.ApprovalRecord
	Extensions    map[uuid.UUID]*models.Extension
	Audit         []models.AuditLog
	Outbox        map[string]*models.OutboxEvent
	Idempotency   map[string]*models.IdempotencyRecord
	Notifications []models.AdminNotification
}

func newMemData() *memData {
	return &memData{
		Assets:      make(map[uuid.UUID]*models.IPAsset),
		Ownerships:  make(map[uuid.UUID]*models.AssetOwnership),
		Users:       make(map[uuid.UUID]*models.User),
		Licenses:    make(map[uuid.UUID]*models.License),
		Amendments:  make(map[uuid.UUID]*models.Amendment),
		Approvals:   make(map[uuid.UUID]*models.ApprovalRecord),
		Extensions:  make(map[uuid.UUID]*models.Extension),
		Outbox:      make(map[string]*models.OutboxEvent),
		Idempotency: make(map[string]*models.IdempotencyRecord),
	}
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStore{memState: &memState{clock: clk, data: newMemData()}}
}

func (s *MemoryStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snapshot, err := s.snapshot()
	if err != nil {
		return err
	}
	if err := fn(&memoryTx{memState: s.memState}); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

// Transaction on a bound view joins the outer transaction.
func (t *memoryTx) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return fn(t)
}

func (m *memState) snapshot() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, err := json.Marshal(m.data)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot memory store: %w", err)
	}
	return b, nil
}

func (m *memState) restore(snapshot []byte) {
	data := newMemData()
	if err := json.Unmarshal(snapshot, data); err != nil {
		panic(fmt.Sprintf("memory store: corrupt snapshot: %v", err))
	}
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
}

func clone[T any](v *T) *T {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("memory store: marshal %T: %v", v, err))
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		panic(fmt.Sprintf("memory store: unmarshal %T: %v", v, err))
	}
	return out
}

func (m *memState) now() time.Time {
	return m.clock.Now()
}

func stamp(base *models.BaseModel, now time.Time) {
	base.EnsureID()
	if base.CreatedAt.IsZero() {
		base.CreatedAt = now
	}
	base.UpdatedAt = now
}

func containsStatus(list []models.LicenseStatus, s models.LicenseStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Assets

func (m *memState) GetAsset(ctx context.Context, id uuid.UUID) (*models.IPAsset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	asset, ok := m.data.Assets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(asset), nil
}

func (m *memState) ListOwnerships(ctx context.Context, assetID uuid.UUID) ([]models.AssetOwnership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AssetOwnership
	for _, o := range m.data.Ownerships {
		if o.IPAssetID == assetID && !o.IsDeleted() {
			out = append(out, *clone(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memState) CreateAsset(ctx context.Context, asset *models.IPAsset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stamp(&asset.BaseModel, m.now())
	stored := clone(asset)
	stored.Ownerships = nil
	m.data.Assets[asset.ID] = stored
	return nil
}

func (m *memState) CreateOwnership(ctx context.Context, ownership *models.AssetOwnership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stamp(&ownership.BaseModel, m.now())
	m.data.Ownerships[ownership.ID] = clone(ownership)
	return nil
}

// LockAsset is a no-op: transactions on the memory store are already serialized.
func (m *memState) LockAsset(ctx context.Context, id uuid.UUID) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.data.Assets[id]; !ok {
		return ErrNotFound
	}
	return nil
}

// Users

func (m *memState) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.data.Users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(user), nil
}

func (m *memState) CreateUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stamp(&user.BaseModel, m.now())
	m.data.Users[user.ID] = clone(user)
	return nil
}

// Licenses

func (m *memState) CreateLicense(ctx context.Context, license *models.License) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stamp(&license.BaseModel, m.now())
	if _, exists := m.data.Licenses[license.ID]; exists {
		return fmt.Errorf("license %s already exists", license.ID)
	}
	m.data.Licenses[license.ID] = clone(license)
	return nil
}

func (m *memState) GetLicense(ctx context.Context, id uuid.UUID) (*models.License, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	license, ok := m.data.Licenses[id]
	if !ok || license.IsDeleted() {
		return nil, ErrNotFound
	}
	return clone(license), nil
}

func (m *memState) GetLicenseForUpdate(ctx context.Context, id uuid.UUID) (*models.License, error) {
	return m.GetLicense(ctx, id)
}

func (m *memState) UpdateLicense(ctx context.Context, license *models.License) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.Licenses[license.ID]; !ok {
		return ErrNotFound
	}
	license.UpdatedAt = m.now()
	m.data.Licenses[license.ID] = clone(license)
	return nil
}

func (m *memState) ListLicenses(ctx context.Context, filter LicenseFilter) ([]models.License, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.License
	for _, l := range m.data.Licenses {
		if l.IsDeleted() {
			continue
		}
		if filter.IPAssetID != nil && l.IPAssetID != *filter.IPAssetID {
			continue
		}
		if filter.BrandID != nil && l.BrandID != *filter.BrandID {
			continue
		}
		if filter.ParentLicenseID != nil && (l.ParentLicenseID == nil || *l.ParentLicenseID != *filter.ParentLicenseID) {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, l.Status) {
			continue
		}
		if filter.EndBefore != nil && !l.EndDate.Before(*filter.EndBefore) {
			continue
		}
		if filter.EndOnOrBefore != nil && l.EndDate.After(*filter.EndOnOrBefore) {
			continue
		}
		if filter.UpdatedBefore != nil && !l.UpdatedAt.Before(*filter.UpdatedBefore) {
			continue
		}
		if filter.AutoRenew != nil && l.AutoRenew != *filter.AutoRenew {
			continue
		}
		out = append(out, *clone(l))
	}

	if filter.SortByEndDate {
		sort.Slice(out, func(i, j int) bool { return out[i].EndDate.Before(out[j].EndDate) })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	}

	total := int64(len(out))
	if filter.Limit > 0 {
		start := filter.Offset
		if start > len(out) {
			start = len(out)
		}
		end := start + filter.Limit
		if end > len(out) {
			end = len(out)
		}
		out = out[start:end]
	}
	return out, total, nil
}

func (m *memState) FindOverlappingLicenses(ctx context.Context, q OverlapQuery) ([]models.License, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.License
	for _, l := range m.data.Licenses {
		if l.IsDeleted() || l.IPAssetID != q.IPAssetID {
			continue
		}
		if q.ExcludeID != nil && l.ID == *q.ExcludeID {
			continue
		}
		if len(q.Statuses) > 0 && !containsStatus(q.Statuses, l.Status) {
			continue
		}
		if len(q.LicenseTypes) > 0 {
			match := false
			for _, t := range q.LicenseTypes {
				if l.LicenseType == t {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		if !models.RangesIntersect(q.Start, q.End, l.StartDate, l.EndDate) {
			continue
		}
		out = append(out, *clone(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

func (m *memState) SumBrandFees(ctx context.Context, brandID uuid.UUID, statuses []models.LicenseStatus, excludeID *uuid.UUID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, l := range m.data.Licenses {
		if l.IsDeleted() || l.BrandID != brandID {
			continue
		}
		if excludeID != nil && l.ID == *excludeID {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, l.Status) {
			continue
		}
		total += l.FeeCents
	}
	return total, nil
}

// Status history

func (m *memState) AppendStatusHistory(ctx context.Context, entry *models.StatusHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.now()
	}
	m.data.History = append(m.data.History, *clone(entry))
	return nil
}

func (m *memState) ListStatusHistory(ctx context.Context, licenseID uuid.UUID) ([]models.StatusHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.StatusHistoryEntry
	for i := range m.data.History {
		if m.data.History[i].LicenseID == licenseID {
			out = append(out, *clone(&m.data.History[i]))
		}
	}
	return out, nil
}

// Amendments

func (m *memState) CreateAmendment(ctx context.Context, amendment *models.Amendment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	stamp(&amendment.BaseModel, now)
	for _, existing := range m.data.Amendments {
		if existing.LicenseID == amendment.LicenseID && existing.AmendmentNumber == amendment.AmendmentNumber {
			return fmt.Errorf("amendment number %d already used on license %s", amendment.AmendmentNumber, amendment.LicenseID)
		}
	}
	for i := range amendment.Approvals {
		amendment.Approvals[i].AmendmentID = amendment.ID
		stamp(&amendment.Approvals[i].BaseModel, now)
		m.data.Approvals[amendment.Approvals[i].ID] = clone(&amendment.Approvals[i])
	}
	stored := clone(amendment)
	stored.Approvals = nil
	m.data.Amendments[amendment.ID] = stored
	return nil
}

func (m *memState) loadAmendment(id uuid.UUID) (*models.Amendment, bool) {
	stored, ok := m.data.Amendments[id]
	if !ok || stored.IsDeleted() {
		return nil, false
	}
	out := clone(stored)
	for _, r := range m.data.Approvals {
		if r.AmendmentID == id {
			out.Approvals = append(out.Approvals, *clone(r))
		}
	}
	sort.Slice(out.Approvals, func(i, j int) bool {
		if out.Approvals[i].CreatedAt.Equal(out.Approvals[j].CreatedAt) {
			return out.Approvals[i].ApproverID.String() < out.Approvals[j].ApproverID.String()
		}
		return out.Approvals[i].CreatedAt.Before(out.Approvals[j].CreatedAt)
	})
	return out, true
}

func (m *memState) GetAmendment(ctx context.Context, id uuid.UUID) (*models.Amendment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out, ok := m.loadAmendment(id)
	if !ok {
		return nil, ErrNotFound
	}
	return out, nil
}

func (m *memState) GetAmendmentForUpdate(ctx context.Context, id uuid.UUID) (*models.Amendment, error) {
	return m.GetAmendment(ctx, id)
}

func (m *memState) UpdateAmendment(ctx context.Context, amendment *models.Amendment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.Amendments[amendment.ID]; !ok {
		return ErrNotFound
	}
	amendment.UpdatedAt = m.now()
	stored := clone(amendment)
	stored.Approvals = nil
	m.data.Amendments[amendment.ID] = stored
	return nil
}

func (m *memState) UpdateApprovalRecord(ctx context.Context, record *models.ApprovalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.Approvals[record.ID]; !ok {
		return ErrNotFound
	}
	record.UpdatedAt = m.now()
	m.data.Approvals[record.ID] = clone(record)
	return nil
}

func (m *memState) NextAmendmentNumber(ctx context.Context, licenseID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	current := 0
	for _, a := range m.data.Amendments {
		if a.LicenseID == licenseID && a.AmendmentNumber > current {
			current = a.AmendmentNumber
		}
	}
	return current + 1, nil
}

func (m *memState) ListAmendments(ctx context.Context, licenseID uuid.UUID) ([]models.Amendment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Amendment
	for id, a := range m.data.Amendments {
		if a.LicenseID != licenseID {
			continue
		}
		if loaded, ok := m.loadAmendment(id); ok {
			out = append(out, *loaded)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AmendmentNumber < out[j].AmendmentNumber })
	return out, nil
}

// Extensions

func (m *memState) CreateExtension(ctx context.Context, extension *models.Extension) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stamp(&extension.BaseModel, m.now())
	m.data.Extensions[extension.ID] = clone(extension)
	return nil
}

func (m *memState) GetExtension(ctx context.Context, id uuid.UUID) (*models.Extension, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ext, ok := m.data.Extensions[id]
	if !ok || ext.IsDeleted() {
		return nil, ErrNotFound
	}
	return clone(ext), nil
}

func (m *memState) GetExtensionForUpdate(ctx context.Context, id uuid.UUID) (*models.Extension, error) {
	return m.GetExtension(ctx, id)
}

func (m *memState) UpdateExtension(ctx context.Context, extension *models.Extension) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.Extensions[extension.ID]; !ok {
		return ErrNotFound
	}
	extension.UpdatedAt = m.now()
	m.data.Extensions[extension.ID] = clone(extension)
	return nil
}

func (m *memState) ListExtensions(ctx context.Context, licenseID uuid.UUID) ([]models.Extension, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Extension
	for _, e := range m.data.Extensions {
		if e.LicenseID == licenseID && !e.IsDeleted() {
			out = append(out, *clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Audit

func (m *memState) AppendAudit(ctx context.Context, entry *models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stamp(&entry.BaseModel, m.now())
	m.data.Audit = append(m.data.Audit, *clone(entry))
	return nil
}

func (m *memState) ListAudit(ctx context.Context, resourceID uuid.UUID) ([]models.AuditLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AuditLog
	for i := range m.data.Audit {
		if id := m.data.Audit[i].ResourceID; id != nil && *id == resourceID {
			out = append(out, *clone(&m.data.Audit[i]))
		}
	}
	return out, nil
}

// Outbox

func (m *memState) EnqueueEvent(ctx context.Context, event *models.OutboxEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = m.now()
	}
	if event.AvailableAt.IsZero() {
		event.AvailableAt = event.CreatedAt
	}
	if event.Status == "" {
		event.Status = models.OutboxStatusPending
	}
	m.data.Outbox[event.ID] = clone(event)
	return nil
}

func (m *memState) ListPendingEvents(ctx context.Context, now time.Time, limit int) ([]models.OutboxEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.OutboxEvent
	for _, e := range m.data.Outbox {
		if e.Status == models.OutboxStatusPending && !e.AvailableAt.After(now) {
			out = append(out, *clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memState) MarkEventDispatched(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data.Outbox[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = models.OutboxStatusDispatched
	e.DispatchedAt = &at
	e.Attempts++
	e.LastError = ""
	return nil
}

func (m *memState) MarkEventFailed(ctx context.Context, id string, reason string, retryAt time.Time, giveUp bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data.Outbox[id]
	if !ok {
		return ErrNotFound
	}
	e.Attempts++
	e.LastError = reason
	e.AvailableAt = retryAt
	if giveUp {
		e.Status = models.OutboxStatusFailed
	}
	return nil
}

// Idempotency

func idemKey(scope, key string) string {
	return scope + "\x00" + key
}

func (m *memState) GetIdempotencyRecord(ctx context.Context, scope, key string) (*models.IdempotencyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data.Idempotency[idemKey(scope, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(rec), nil
}

func (m *memState) InsertIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := idemKey(rec.Scope, rec.Key)
	if _, exists := m.data.Idempotency[k]; exists {
		return false, nil
	}
	now := m.now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	m.data.Idempotency[k] = clone(rec)
	return true, nil
}

func (m *memState) SaveIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	m.data.Idempotency[idemKey(rec.Scope, rec.Key)] = clone(rec)
	return nil
}

func (m *memState) ReclaimIdempotencyRecord(ctx context.Context, scope, key string, lockedAt, now time.Time, requestHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data.Idempotency[idemKey(scope, key)]
	if !ok || rec.Status != models.IdempotencyStatusProcessing || !rec.LockedAt.Equal(lockedAt) {
		return false, nil
	}
	rec.LockedAt = now
	rec.RequestHash = requestHash
	rec.UpdatedAt = m.now()
	return true, nil
}

func (m *memState) DeleteIdempotencyRecord(ctx context.Context, scope, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data.Idempotency, idemKey(scope, key))
	return nil
}

// Notifications

func (m *memState) CreateAdminNotification(ctx context.Context, n *models.AdminNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stamp(&n.BaseModel, m.now())
	m.data.Notifications = append(m.data.Notifications, *clone(n))
	return nil
}

func (m *memState) ListAdminNotifications(ctx context.Context, limit int) ([]models.AdminNotification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AdminNotification, 0, len(m.data.Notifications))
	for i := len(m.data.Notifications) - 1; i >= 0; i-- {
		out = append(out, *clone(&m.data.Notifications[i]))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

var (
	_ Store = (*GormStore)(nil)
	_ Store = (*MemoryStore)(nil)
	_ Store = (*memoryTx)(nil)
)
