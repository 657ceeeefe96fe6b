package models

// CounterDelta is a pending increment for the global counter table.
type CounterDelta struct {
	Key   string
	Delta int64
}

// ModelCount is a per-model request counter row.
type ModelCount struct {
	Model string `db:"model" json:"model"`
	Count int64  `db:"count" json:"count"`
}

// ProviderCount is a per-provider request/error counter row.
type ProviderCount struct {
	ID     string `db:"id" json:"id"`
	Name   string `db:"name" json:"name"`
	Count  int64  `db:"count" json:"count"`
	Errors int64  `db:"errors" json:"errors"`
}
