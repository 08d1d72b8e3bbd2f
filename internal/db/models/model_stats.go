package models

import "time"

// ModelStats summarises the stored history of one model.
type ModelStats struct {
	Model     string    `db:"model"`
	Records   int       `db:"records"`
	Entities  int       `db:"entities"`
	LastWrite time.Time `db:"last_write"`
}
