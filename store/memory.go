package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"waitlist-campaign/models"

	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v4"
)

// MemoryStore keeps all state in process. Chest transactions serialize per
// account through a lock table rather than the store-wide mutex.
type MemoryStore struct {
	mu    sync.RWMutex
	clock clockwork.Clock

	accounts   map[string]*models.Account
	byContact  map[string]string
	byReferral map[string]string
	byClaim    map[string]string
	byTelegram map[int64]string

	referrals  map[string]*models.Referral
	byReferred map[string]string

	signals    []models.FraudSignal
	snapshots  []models.LeaderboardSnapshot
	wins       []models.SyntheticWin
	chestOpens []models.ChestOpen

	accountLocks *xsync.Map[string, *sync.Mutex]
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		clock:        clock,
		accounts:     make(map[string]*models.Account),
		byContact:    make(map[string]string),
		byReferral:   make(map[string]string),
		byClaim:      make(map[string]string),
		byTelegram:   make(map[int64]string),
		referrals:    make(map[string]*models.Referral),
		byReferred:   make(map[string]string),
		accountLocks: xsync.NewMap[string, *sync.Mutex](),
	}
}

func live(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", models.ErrTransient, err)
	}
	return nil
}

func notFound(what, key string) error {
	return fmt.Errorf("%w: %s %q", models.ErrNotFound, what, key)
}

func (s *MemoryStore) Ping(ctx context.Context) error { return live(ctx) }

func (s *MemoryStore) stamp(t *time.Time) {
	if t.IsZero() {
		*t = s.clock.Now()
	}
}

// --- accounts ---

func (s *MemoryStore) CreateAccount(ctx context.Context, a *models.Account) error {
	if err := live(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byContact[a.Contact]; ok {
		return fmt.Errorf("%w: contact", ErrConflict)
	}
	if _, ok := s.byReferral[a.ReferralCode]; ok {
		return fmt.Errorf("%w: referral code", ErrConflict)
	}
	if _, ok := s.byClaim[a.ClaimCode]; ok {
		return fmt.Errorf("%w: claim code", ErrConflict)
	}
	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("%w: id", ErrConflict)
	}
	s.stamp(&a.CreatedAt)
	a.UpdatedAt = a.CreatedAt
	s.accounts[a.ID] = a.Clone()
	s.byContact[a.Contact] = a.ID
	s.byReferral[a.ReferralCode] = a.ID
	s.byClaim[a.ClaimCode] = a.ID
	if a.TelegramID != nil {
		s.byTelegram[*a.TelegramID] = a.ID
	}
	return nil
}

func (s *MemoryStore) lookup(ctx context.Context, index map[string]string, what, key string) (*models.Account, error) {
	if err := live(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := index[key]
	if !ok {
		return nil, notFound(what, key)
	}
	return s.accounts[id].Clone(), nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	if err := live(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, notFound("account", id)
	}
	return a.Clone(), nil
}

func (s *MemoryStore) GetAccountByContact(ctx context.Context, contact string) (*models.Account, error) {
	return s.lookup(ctx, s.byContact, "contact", contact)
}

func (s *MemoryStore) GetAccountByReferralCode(ctx context.Context, code string) (*models.Account, error) {
	return s.lookup(ctx, s.byReferral, "referral code", code)
}

func (s *MemoryStore) GetAccountsByIDs(ctx context.Context, ids []string) (map[string]*models.Account, error) {
	if err := live(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*models.Account, len(ids))
	for _, id := range ids {
		if a, ok := s.accounts[id]; ok {
			out[id] = a.Clone()
		}
	}
	return out, nil
}

func (s *MemoryStore) sortedAccounts() []*models.Account {
	list := make([]*models.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		list = append(list, a)
	}
	slices.SortFunc(list, func(a, b *models.Account) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return list
}

func (s *MemoryStore) AccountsCreatedSince(ctx context.Context, since time.Time) ([]models.Account, error) {
	if err := live(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Account
	for _, a := range s.sortedAccounts() {
		if !a.CreatedAt.Before(since) {
			out = append(out, *a.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) CountSignupsSince(ctx context.Context, kind models.TraitKind, value string, since time.Time) (int64, error) {
	if err := live(ctx); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, a := range s.accounts {
		if a.CreatedAt.Before(since) {
			continue
		}
		switch kind {
		case models.TraitIP:
			if a.HasIP(value) {
				n++
			}
		case models.TraitDevice:
			if a.HasDevice(value) {
				n++
			}
		}
	}
	return n, nil
}

func (s *MemoryStore) AppendTraits(ctx context.Context, id, ip, device string) error {
	if err := live(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return notFound("account", id)
	}
	a.AddIP(ip)
	a.AddDevice(device)
	return nil
}

func (s *MemoryStore) UpdateVerification(ctx context.Context, id string, u VerificationUpdate) (*models.Account, error) {
	if err := live(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, notFound("account", id)
	}
	if u.TelegramID != nil {
		if owner, taken := s.byTelegram[*u.TelegramID]; taken && owner != id {
			return nil, fmt.Errorf("%w: telegram id", ErrConflict)
		}
		if a.TelegramID != nil {
			delete(s.byTelegram, *a.TelegramID)
		}
		tid := *u.TelegramID
		a.TelegramID = &tid
		s.byTelegram[tid] = id
	}
	if u.EmailVerified != nil {
		a.EmailVerified = *u.EmailVerified
	}
	if u.ChannelVerified != nil {
		a.ChannelVerified = *u.ChannelVerified
	}
	a.UpdatedAt = s.clock.Now()
	return a.Clone(), nil
}

func (s *MemoryStore) accountLock(id string) *sync.Mutex {
	mu, _ := s.accountLocks.LoadOrStore(id, &sync.Mutex{})
	return mu
}

func (s *MemoryStore) ChestTx(ctx context.Context, id string, fn ChestFunc) error {
	if err := live(ctx); err != nil {
		return err
	}
	mu := s.accountLock(id)
	mu.Lock()
	defer mu.Unlock()

	s.mu.RLock()
	stored, ok := s.accounts[id]
	var working *models.Account
	if ok {
		working = stored.Clone()
	}
	s.mu.RUnlock()
	if !ok {
		return notFound("account", id)
	}

	open, err := fn(working)
	if err != nil {
		return err
	}
	if err := live(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored.CreditBalance = working.CreditBalance
	stored.LastRewardAt = working.LastRewardAt
	stored.FirstRewardConsumed = working.FirstRewardConsumed
	stored.UpdatedAt = s.clock.Now()
	if open != nil {
		s.stamp(&open.CreatedAt)
		s.chestOpens = append(s.chestOpens, *open)
	}
	return nil
}

func (s *MemoryStore) ListChestOpens(ctx context.Context, accountID string, limit int) ([]models.ChestOpen, error) {
	if err := live(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit = pageLimit(limit)
	var out []models.ChestOpen
	for i := len(s.chestOpens) - 1; i >= 0 && len(out) < limit; i-- {
		if s.chestOpens[i].AccountID == accountID {
			out = append(out, s.chestOpens[i])
		}
	}
	return out, nil
}

// page cuts a sorted slice at the cursor and limit.
func page[T any](list []T, p Page, key func(T) (time.Time, string)) ([]T, string, error) {
	c, err := decodeCursor(p.Cursor)
	if err != nil {
		return nil, "", err
	}
	limit := pageLimit(p.Limit)
	var out []T
	for _, item := range list {
		at, id := key(item)
		if !c.before(at, id) {
			continue
		}
		out = append(out, item)
		if len(out) > limit {
			break
		}
	}
	next := ""
	if len(out) > limit {
		out = out[:limit]
		at, id := key(out[limit-1])
		next = encodeCursor(at, id)
	}
	return out, next, nil
}

func (s *MemoryStore) ListAccounts(ctx context.Context, q AccountQuery) ([]models.Account, string, error) {
	if err := live(ctx); err != nil {
		return nil, "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	needle := strings.ToLower(q.Search)
	var list []models.Account
	for _, a := range s.sortedAccounts() {
		if needle != "" && !strings.Contains(strings.ToLower(a.Contact), needle) &&
			a.ReferralCode != q.Search && a.ClaimCode != q.Search {
			continue
		}
		list = append(list, *a.Clone())
	}
	return page(list, q.Page, func(a models.Account) (time.Time, string) { return a.CreatedAt, a.ID })
}

// --- referrals ---

func (s *MemoryStore) CreateReferral(ctx context.Context, r *models.Referral) error {
	if err := live(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byReferred[r.ReferredID]; ok {
		return models.ErrAlreadyReferred
	}
	s.stamp(&r.CreatedAt)
	r.UpdatedAt = r.CreatedAt
	cp := *r
	s.referrals[r.ID] = &cp
	s.byReferred[r.ReferredID] = r.ID
	if a, ok := s.accounts[r.ReferredID]; ok && a.ReferredBy == nil {
		code := r.ReferralCodeUsed
		a.ReferredBy = &code
	}
	return nil
}

func (s *MemoryStore) sortedReferrals() []models.Referral {
	list := make([]models.Referral, 0, len(s.referrals))
	for _, r := range s.referrals {
		list = append(list, *r)
	}
	slices.SortFunc(list, func(a, b models.Referral) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return list
}

func (s *MemoryStore) ListReferralsByStatus(ctx context.Context, statuses ...models.ReferralStatus) ([]models.Referral, error) {
	if err := live(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Referral
	for _, r := range s.sortedReferrals() {
		if slices.Contains(statuses, r.Status) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateReferralStatus(ctx context.Context, t ReferralTransition) (bool, error) {
	if err := validateTransition(t); err != nil {
		return false, err
	}
	if err := live(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.referrals[t.ID]
	if !ok || !slices.Contains(t.From, r.Status) {
		return false, nil
	}
	r.Status = t.To
	r.Reason = nil
	if t.Reason != nil {
		reason := *t.Reason
		r.Reason = &reason
	}
	if t.To == models.ReferralEligible {
		at := t.At
		r.EligibleAt = &at
	}
	r.UpdatedAt = t.At
	return true, nil
}

func (s *MemoryStore) CountReferralsByStatus(ctx context.Context, referrerID string) (models.ReferralStats, error) {
	var stats models.ReferralStats
	if err := live(ctx); err != nil {
		return stats, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.referrals {
		if r.ReferrerID != referrerID {
			continue
		}
		stats.Total++
		switch r.Status {
		case models.ReferralPending:
			stats.Pending++
		case models.ReferralEligible:
			stats.Eligible++
		case models.ReferralInvalid:
			stats.Invalid++
		}
	}
	return stats, nil
}

func (s *MemoryStore) EligibleTallies(ctx context.Context) ([]models.ReferralTally, error) {
	if err := live(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	for _, r := range s.referrals {
		if r.Status == models.ReferralEligible {
			counts[r.ReferrerID]++
		}
	}
	out := make([]models.ReferralTally, 0, len(counts))
	for id, n := range counts {
		a, ok := s.accounts[id]
		if !ok || n == 0 {
			continue
		}
		out = append(out, models.ReferralTally{
			AccountID:   a.ID,
			Contact:     a.Contact,
			DisplayName: a.DisplayName,
			CreatedAt:   a.CreatedAt,
			Count:       n,
		})
	}
	return out, nil
}

func (s *MemoryStore) ListReferrals(ctx context.Context, q ReferralQuery) ([]models.Referral, string, error) {
	if err := live(ctx); err != nil {
		return nil, "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []models.Referral
	for _, r := range s.sortedReferrals() {
		if q.Status != "" && r.Status != q.Status {
			continue
		}
		if q.ReferrerID != "" && r.ReferrerID != q.ReferrerID {
			continue
		}
		list = append(list, r)
	}
	return page(list, q.Page, func(r models.Referral) (time.Time, string) { return r.CreatedAt, r.ID })
}

// --- fraud signals ---

func (s *MemoryStore) CreateFraudSignal(ctx context.Context, sig *models.FraudSignal) error {
	if err := sig.Detail.Validate(); err != nil {
		return err
	}
	if err := live(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stamp(&sig.CreatedAt)
	s.signals = append(s.signals, *sig)
	return nil
}

func (s *MemoryStore) ListFraudSignals(ctx context.Context, q SignalQuery) ([]models.FraudSignal, string, error) {
	if err := live(ctx); err != nil {
		return nil, "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []models.FraudSignal
	for _, sig := range s.signals {
		if q.AccountID != "" && (sig.AccountID == nil || *sig.AccountID != q.AccountID) {
			continue
		}
		if q.Category != "" && sig.Category != q.Category {
			continue
		}
		list = append(list, sig)
	}
	slices.SortStableFunc(list, func(a, b models.FraudSignal) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return page(list, q.Page, func(f models.FraudSignal) (time.Time, string) { return f.CreatedAt, f.ID })
}

func (s *MemoryStore) DeleteFraudSignalsBefore(ctx context.Context, t time.Time) (int64, error) {
	if err := live(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.signals)
	s.signals = slices.DeleteFunc(s.signals, func(sig models.FraudSignal) bool { return sig.CreatedAt.Before(t) })
	return int64(before - len(s.signals)), nil
}

// --- leaderboard snapshots ---

func (s *MemoryStore) CreateSnapshot(ctx context.Context, snap *models.LeaderboardSnapshot) error {
	if err := live(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stamp(&snap.CreatedAt)
	cp := *snap
	cp.Rows = slices.Clone(snap.Rows)
	s.snapshots = append(s.snapshots, cp)
	return nil
}

func (s *MemoryStore) LatestSnapshot(ctx context.Context) (*models.LeaderboardSnapshot, error) {
	if err := live(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.snapshots) == 0 {
		return nil, notFound("snapshot", "latest")
	}
	cp := s.snapshots[len(s.snapshots)-1]
	cp.Rows = slices.Clone(cp.Rows)
	return &cp, nil
}

func (s *MemoryStore) ListSnapshots(ctx context.Context, limit int) ([]models.LeaderboardSnapshot, error) {
	if err := live(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit = pageLimit(limit)
	var out []models.LeaderboardSnapshot
	for i := len(s.snapshots) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.snapshots[i])
	}
	return out, nil
}

func (s *MemoryStore) PruneSnapshots(ctx context.Context, keep int) (int64, error) {
	if err := live(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snapshots) <= keep {
		return 0, nil
	}
	drop := len(s.snapshots) - keep
	s.snapshots = slices.Clone(s.snapshots[drop:])
	return int64(drop), nil
}

// --- synthetic wins ---

func (s *MemoryStore) CreateSyntheticWin(ctx context.Context, w *models.SyntheticWin) error {
	if err := live(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stamp(&w.CreatedAt)
	s.wins = append(s.wins, *w)
	return nil
}

func compareWins(a, b models.SyntheticWin) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// sortedWins returns the wins in (created_at, id) order. Callers hold s.mu.
func (s *MemoryStore) sortedWins() []models.SyntheticWin {
	out := slices.Clone(s.wins)
	slices.SortFunc(out, compareWins)
	return out
}

func (s *MemoryStore) LatestSyntheticWins(ctx context.Context, limit int) ([]models.SyntheticWin, error) {
	if err := live(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit = pageLimit(limit)
	sorted := s.sortedWins()
	var out []models.SyntheticWin
	for i := len(sorted) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, sorted[i])
	}
	return out, nil
}

func (s *MemoryStore) SyntheticWinsAfter(ctx context.Context, after WinCursor, limit int) ([]models.SyntheticWin, error) {
	if err := live(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit = pageLimit(limit)
	pivot := models.SyntheticWin{ID: after.ID, CreatedAt: after.At}
	var out []models.SyntheticWin
	for _, w := range s.sortedWins() {
		if compareWins(w, pivot) <= 0 {
			continue
		}
		out = append(out, w)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) TrimSyntheticWins(ctx context.Context, keep int) (int64, error) {
	if err := live(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.wins) <= keep {
		return 0, nil
	}
	drop := len(s.wins) - keep
	s.wins = slices.Clone(s.wins[drop:])
	return int64(drop), nil
}

func (s *MemoryStore) DeleteSyntheticWinsBefore(ctx context.Context, t time.Time) (int64, error) {
	if err := live(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.wins)
	s.wins = slices.DeleteFunc(s.wins, func(w models.SyntheticWin) bool { return w.CreatedAt.Before(t) })
	return int64(before - len(s.wins)), nil
}
