package models

import "time"

// LeaderboardRow is one ranked referrer inside a snapshot.
type LeaderboardRow struct {
	AccountID      string `json:"account_id"`
	MaskedName     string `json:"masked_name"`
	MaskedContact  string `json:"masked_contact"`
	ValidReferrals int    `json:"valid_referrals"`
	Rank           int    `json:"rank"`
	Prize          int64  `json:"prize"`
}

// LeaderboardSnapshot is an immutable ranked list, versioned by CreatedAt.
type LeaderboardSnapshot struct {
	ID        string           `gorm:"primaryKey;type:uuid" json:"id"`
	Rows      []LeaderboardRow `gorm:"serializer:json;type:jsonb" json:"rows"`
	CreatedAt time.Time        `gorm:"index" json:"created_at"`
}

// LeaderboardEntry is the public projection of a row.
type LeaderboardEntry struct {
	Rank           int    `json:"rank"`
	MaskedName     string `json:"masked_name"`
	MaskedContact  string `json:"masked_contact"`
	ValidReferrals int    `json:"valid_referrals"`
	Prize          int64  `json:"prize"`
}

func (r LeaderboardRow) Public() LeaderboardEntry {
	return LeaderboardEntry{
		Rank:           r.Rank,
		MaskedName:     r.MaskedName,
		MaskedContact:  r.MaskedContact,
		ValidReferrals: r.ValidReferrals,
		Prize:          r.Prize,
	}
}
