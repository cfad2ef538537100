package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"waitlist-campaign/models"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// GormStore persists campaign state in Postgres. Every call runs under timeout.
type GormStore struct {
	db      *gorm.DB
	timeout time.Duration
}

var _ Store = (*GormStore)(nil)

// OpenPostgres connects, migrates and returns a GormStore.
func OpenPostgres(dsn string, timeout time.Duration, logger *zap.Logger) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	logger.Info("Connected to Postgres", zap.Duration("timeout", timeout))
	return NewGormStore(db, timeout), nil
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Account{},
		&models.AccountTrait{},
		&models.Referral{},
		&models.FraudSignal{},
		&models.LeaderboardSnapshot{},
		&models.SyntheticWin{},
		&models.ChestOpen{},
	)
}

func NewGormStore(db *gorm.DB, timeout time.Duration) *GormStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &GormStore{db: db, timeout: timeout}
}

func (s *GormStore) conn(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	return s.db.WithContext(ctx), cancel
}

func (s *GormStore) tx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	db, cancel := s.conn(ctx)
	defer cancel()
	return translate(db.Transaction(fn))
}

// translate maps driver and GORM errors onto the domain taxonomy.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var coded *models.CodedError
	if errors.As(err, &coded) {
		return err
	}
	var netErr net.Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %w", models.ErrNotFound, err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, driver.ErrBadConn),
		errors.As(err, &netErr):
		return fmt.Errorf("%w: %w", models.ErrTransient, err)
	}
	return err
}

func (s *GormStore) Ping(ctx context.Context) error {
	db, cancel := s.conn(ctx)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return translate(sqlDB.PingContext(db.Statement.Context))
}

// --- accounts ---

func (s *GormStore) CreateAccount(ctx context.Context, a *models.Account) error {
	return s.tx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(a).Error; err != nil {
			return err
		}
		traits := traitsFor(a)
		if len(traits) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&traits).Error
	})
}

func (s *GormStore) getAccount(ctx context.Context, query string, arg any) (*models.Account, error) {
	db, cancel := s.conn(ctx)
	defer cancel()
	var a models.Account
	if err := db.Where(query, arg).First(&a).Error; err != nil {
		return nil, translate(err)
	}
	return &a, nil
}

func (s *GormStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	if !models.IsID(id) {
		return nil, fmt.Errorf("%w: account %q", models.ErrNotFound, id)
	}
	return s.getAccount(ctx, "id = ?", id)
}

func (s *GormStore) GetAccountByContact(ctx context.Context, contact string) (*models.Account, error) {
	return s.getAccount(ctx, "contact = ?", contact)
}

func (s *GormStore) GetAccountByReferralCode(ctx context.Context, code string) (*models.Account, error) {
	return s.getAccount(ctx, "referral_code = ?", code)
}

func (s *GormStore) GetAccountsByIDs(ctx context.Context, ids []string) (map[string]*models.Account, error) {
	out := make(map[string]*models.Account, len(ids))
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if models.IsID(id) {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return out, nil
	}
	db, cancel := s.conn(ctx)
	defer cancel()
	var list []models.Account
	if err := db.Where("id IN ?", valid).Find(&list).Error; err != nil {
		return nil, translate(err)
	}
	for i := range list {
		out[list[i].ID] = &list[i]
	}
	return out, nil
}

func (s *GormStore) AccountsCreatedSince(ctx context.Context, since time.Time) ([]models.Account, error) {
	db, cancel := s.conn(ctx)
	defer cancel()
	var list []models.Account
	err := db.Where("created_at >= ?", since).Order("created_at ASC, id ASC").Find(&list).Error
	return list, translate(err)
}

func (s *GormStore) CountSignupsSince(ctx context.Context, kind models.TraitKind, value string, since time.Time) (int64, error) {
	db, cancel := s.conn(ctx)
	defer cancel()
	var n int64
	err := db.Model(&models.AccountTrait{}).
		Joins("JOIN accounts ON accounts.id = account_traits.account_id").
		Where("account_traits.kind = ? AND account_traits.value = ? AND accounts.created_at >= ?", kind, value, since).
		Distinct("account_traits.account_id").
		Count(&n).Error
	return n, translate(err)
}

func (s *GormStore) lockAccount(tx *gorm.DB, id string) (*models.Account, error) {
	if !models.IsID(id) {
		return nil, fmt.Errorf("%w: account %q", models.ErrNotFound, id)
	}
	var a models.Account
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *GormStore) AppendTraits(ctx context.Context, id, ip, device string) error {
	return s.tx(ctx, func(tx *gorm.DB) error {
		a, err := s.lockAccount(tx, id)
		if err != nil {
			return err
		}
		var added []models.AccountTrait
		if a.AddIP(ip) {
			added = append(added, models.AccountTrait{AccountID: id, Kind: models.TraitIP, Value: ip})
		}
		if a.AddDevice(device) {
			added = append(added, models.AccountTrait{AccountID: id, Kind: models.TraitDevice, Value: device})
		}
		if len(added) == 0 {
			return nil
		}
		if err := tx.Model(a).Select("signup_ips", "device_fingerprints").Updates(a).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&added).Error
	})
}

func (s *GormStore) UpdateVerification(ctx context.Context, id string, u VerificationUpdate) (*models.Account, error) {
	var out *models.Account
	err := s.tx(ctx, func(tx *gorm.DB) error {
		a, err := s.lockAccount(tx, id)
		if err != nil {
			return err
		}
		if u.EmailVerified != nil {
			a.EmailVerified = *u.EmailVerified
		}
		if u.ChannelVerified != nil {
			a.ChannelVerified = *u.ChannelVerified
		}
		if u.TelegramID != nil {
			a.TelegramID = u.TelegramID
		}
		if err := tx.Model(a).Select("email_verified", "channel_verified", "telegram_id").Updates(a).Error; err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}

// ChestTx holds a row lock on the account for the whole read-check-write.
func (s *GormStore) ChestTx(ctx context.Context, id string, fn ChestFunc) error {
	return s.tx(ctx, func(tx *gorm.DB) error {
		a, err := s.lockAccount(tx, id)
		if err != nil {
			return err
		}
		open, err := fn(a)
		if err != nil {
			return err
		}
		if err := tx.Model(a).
			Select("credit_balance", "last_reward_at", "first_reward_consumed").
			Updates(a).Error; err != nil {
			return err
		}
		if open != nil {
			return tx.Create(open).Error
		}
		return nil
	})
}

func (s *GormStore) ListChestOpens(ctx context.Context, accountID string, limit int) ([]models.ChestOpen, error) {
	if !models.IsID(accountID) {
		return nil, nil
	}
	db, cancel := s.conn(ctx)
	defer cancel()
	var list []models.ChestOpen
	err := db.Where("account_id = ?", accountID).Order("created_at DESC").Limit(pageLimit(limit)).Find(&list).Error
	return list, translate(err)
}

// paginate applies keyset pagination over (created_at, id) and returns the next cursor.
func paginate[T any](db *gorm.DB, p Page, key func(T) (time.Time, string)) ([]T, string, error) {
	c, err := decodeCursor(p.Cursor)
	if err != nil {
		return nil, "", err
	}
	if c != nil {
		db = db.Where("(created_at, id) > (?, ?)", c.At, c.ID)
	}
	limit := pageLimit(p.Limit)
	var list []T
	if err := db.Order("created_at ASC, id ASC").Limit(limit + 1).Find(&list).Error; err != nil {
		return nil, "", translate(err)
	}
	next := ""
	if len(list) > limit {
		list = list[:limit]
		at, id := key(list[limit-1])
		next = encodeCursor(at, id)
	}
	return list, next, nil
}

func (s *GormStore) ListAccounts(ctx context.Context, q AccountQuery) ([]models.Account, string, error) {
	db, cancel := s.conn(ctx)
	defer cancel()
	db = db.Model(&models.Account{})
	if q.Search != "" {
		like := "%" + q.Search + "%"
		db = db.Where("contact ILIKE ? OR referral_code = ? OR claim_code = ?", like, q.Search, q.Search)
	}
	return paginate(db, q.Page, func(a models.Account) (time.Time, string) { return a.CreatedAt, a.ID })
}

// --- referrals ---

func (s *GormStore) CreateReferral(ctx context.Context, r *models.Referral) error {
	return s.tx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(r).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return models.ErrAlreadyReferred
			}
			return err
		}
		return tx.Model(&models.Account{}).
			Where("id = ? AND referred_by IS NULL", r.ReferredID).
			Update("referred_by", r.ReferralCodeUsed).Error
	})
}

func (s *GormStore) ListReferralsByStatus(ctx context.Context, statuses ...models.ReferralStatus) ([]models.Referral, error) {
	db, cancel := s.conn(ctx)
	defer cancel()
	var list []models.Referral
	err := db.Where("status IN ?", statuses).Order("created_at ASC, id ASC").Find(&list).Error
	return list, translate(err)
}

func (s *GormStore) UpdateReferralStatus(ctx context.Context, t ReferralTransition) (bool, error) {
	if err := validateTransition(t); err != nil {
		return false, err
	}
	db, cancel := s.conn(ctx)
	defer cancel()
	updates := map[string]any{"status": t.To, "reason": t.Reason, "updated_at": t.At}
	if t.To == models.ReferralEligible {
		updates["eligible_at"] = t.At
	}
	res := db.Model(&models.Referral{}).Where("id = ? AND status IN ?", t.ID, t.From).Updates(updates)
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) CountReferralsByStatus(ctx context.Context, referrerID string) (models.ReferralStats, error) {
	var stats models.ReferralStats
	if !models.IsID(referrerID) {
		return stats, nil
	}
	db, cancel := s.conn(ctx)
	defer cancel()
	var rows []struct {
		Status models.ReferralStatus
		N      int64
	}
	if err := db.Model(&models.Referral{}).
		Select("status, COUNT(*) AS n").
		Where("referrer_id = ?", referrerID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return stats, translate(err)
	}
	for _, r := range rows {
		stats.Total += r.N
		switch r.Status {
		case models.ReferralPending:
			stats.Pending = r.N
		case models.ReferralEligible:
			stats.Eligible = r.N
		case models.ReferralInvalid:
			stats.Invalid = r.N
		}
	}
	return stats, nil
}

func (s *GormStore) EligibleTallies(ctx context.Context) ([]models.ReferralTally, error) {
	db, cancel := s.conn(ctx)
	defer cancel()
	var rows []models.ReferralTally
	err := db.Table("referrals AS r").
		Select("a.id AS account_id, a.contact, a.display_name, a.created_at, COUNT(r.id) AS count").
		Joins("JOIN accounts AS a ON a.id = r.referrer_id").
		Where("r.status = ?", models.ReferralEligible).
		Group("a.id, a.contact, a.display_name, a.created_at").
		Having("COUNT(r.id) > 0").
		Scan(&rows).Error
	return rows, translate(err)
}

func (s *GormStore) ListReferrals(ctx context.Context, q ReferralQuery) ([]models.Referral, string, error) {
	db, cancel := s.conn(ctx)
	defer cancel()
	db = db.Model(&models.Referral{})
	if q.Status != "" {
		db = db.Where("status = ?", q.Status)
	}
	if q.ReferrerID != "" {
		db = db.Where("referrer_id = ?", q.ReferrerID)
	}
	return paginate(db, q.Page, func(r models.Referral) (time.Time, string) { return r.CreatedAt, r.ID })
}

// --- fraud signals ---

func (s *GormStore) CreateFraudSignal(ctx context.Context, sig *models.FraudSignal) error {
	if err := sig.Detail.Validate(); err != nil {
		return err
	}
	db, cancel := s.conn(ctx)
	defer cancel()
	return translate(db.Create(sig).Error)
}

func (s *GormStore) ListFraudSignals(ctx context.Context, q SignalQuery) ([]models.FraudSignal, string, error) {
	db, cancel := s.conn(ctx)
	defer cancel()
	db = db.Model(&models.FraudSignal{})
	if q.AccountID != "" {
		db = db.Where("account_id = ?", q.AccountID)
	}
	if q.Category != "" {
		db = db.Where("category = ?", q.Category)
	}
	return paginate(db, q.Page, func(f models.FraudSignal) (time.Time, string) { return f.CreatedAt, f.ID })
}

func (s *GormStore) DeleteFraudSignalsBefore(ctx context.Context, t time.Time) (int64, error) {
	db, cancel := s.conn(ctx)
	defer cancel()
	res := db.Where("created_at < ?", t).Delete(&models.FraudSignal{})
	return res.RowsAffected, translate(res.Error)
}

// --- leaderboard snapshots ---

func (s *GormStore) CreateSnapshot(ctx context.Context, snap *models.LeaderboardSnapshot) error {
	db, cancel := s.conn(ctx)
	defer cancel()
	return translate(db.Create(snap).Error)
}

func (s *GormStore) LatestSnapshot(ctx context.Context) (*models.LeaderboardSnapshot, error) {
	db, cancel := s.conn(ctx)
	defer cancel()
	var snap models.LeaderboardSnapshot
	if err := db.Order("created_at DESC, id DESC").First(&snap).Error; err != nil {
		return nil, translate(err)
	}
	return &snap, nil
}

func (s *GormStore) ListSnapshots(ctx context.Context, limit int) ([]models.LeaderboardSnapshot, error) {
	db, cancel := s.conn(ctx)
	defer cancel()
	var list []models.LeaderboardSnapshot
	err := db.Order("created_at DESC, id DESC").Limit(pageLimit(limit)).Find(&list).Error
	return list, translate(err)
}

func (s *GormStore) PruneSnapshots(ctx context.Context, keep int) (int64, error) {
	db, cancel := s.conn(ctx)
	defer cancel()
	res := db.Exec(`DELETE FROM leaderboard_snapshots WHERE id NOT IN (
		SELECT id FROM leaderboard_snapshots ORDER BY created_at DESC, id DESC LIMIT ?)`, keep)
	return res.RowsAffected, translate(res.Error)
}

// --- synthetic wins ---

func (s *GormStore) CreateSyntheticWin(ctx context.Context, w *models.SyntheticWin) error {
	db, cancel := s.conn(ctx)
	defer cancel()
	return translate(db.Create(w).Error)
}

func (s *GormStore) LatestSyntheticWins(ctx context.Context, limit int) ([]models.SyntheticWin, error) {
	db, cancel := s.conn(ctx)
	defer cancel()
	var list []models.SyntheticWin
	err := db.Order("created_at DESC, id DESC").Limit(pageLimit(limit)).Find(&list).Error
	return list, translate(err)
}

func (s *GormStore) SyntheticWinsAfter(ctx context.Context, after WinCursor, limit int) ([]models.SyntheticWin, error) {
	db, cancel := s.conn(ctx)
	defer cancel()
	var list []models.SyntheticWin
	err := db.Where("(created_at, id) > (?, ?)", after.At, after.ID).Order("created_at ASC, id ASC").Limit(pageLimit(limit)).Find(&list).Error
	return list, translate(err)
}

func (s *GormStore) TrimSyntheticWins(ctx context.Context, keep int) (int64, error) {
	db, cancel := s.conn(ctx)
	defer cancel()
	res := db.Exec(`DELETE FROM synthetic_wins WHERE id NOT IN (
		SELECT id FROM synthetic_wins ORDER BY created_at DESC, id DESC LIMIT ?)`, keep)
	return res.RowsAffected, translate(res.Error)
}

func (s *GormStore) DeleteSyntheticWinsBefore(ctx context.Context, t time.Time) (int64, error) {
	db, cancel := s.conn(ctx)
	defer cancel()
	res := db.Where("created_at < ?", t).Delete(&models.SyntheticWin{})
	return res.RowsAffected, translate(res.Error)
}
