package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ChestSource distinguishes the guaranteed first open from regular opens.
type ChestSource string

const (
	ChestSourceFirst   ChestSource = "first"
	ChestSourceRegular ChestSource = "regular"
)

// ChestOpen is the ledger entry written with every balance change.
type ChestOpen struct {
	ID        string          `gorm:"primaryKey;type:uuid" json:"id"`
	AccountID string          `gorm:"type:uuid;index;not null" json:"account_id"`
	Amount    decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	Source    ChestSource     `gorm:"size:16;not null" json:"source"`
	CreatedAt time.Time       `gorm:"index" json:"created_at"`
}

// WinClass buckets synthetic wins for display.
type WinClass string

const (
	WinSmall WinClass = "small"
	WinBig   WinClass = "big"
)

// SyntheticWin is display-only social proof. It never touches balances.
type SyntheticWin struct {
	ID        string    `gorm:"primaryKey;type:uuid" json:"id"`
	Username  string    `gorm:"size:64;not null" json:"username"`
	Country   string    `gorm:"size:64;not null" json:"country"`
	Amount    int64     `gorm:"not null" json:"amount"`
	Class     WinClass  `gorm:"size:8;not null" json:"class"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}
