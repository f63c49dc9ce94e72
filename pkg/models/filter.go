package models

import "time"

// FilterConnection is the transport a ban entry applies to.
type FilterConnection string

const (
	FilterMesh     FilterConnection = "mesh"
	FilterTelegram FilterConnection = "telegram"
	FilterAPRS     FilterConnection = "aprs"
)

type Filter struct {
	ID         int64            `db:"id" json:"id"`
	Connection FilterConnection `db:"connection" json:"connection"`
	Identifier string           `db:"identifier" json:"identifier"`
	Reason     string           `db:"reason" json:"reason"`
	CreatedAt  time.Time        `db:"created_at" json:"created_at"`
}
