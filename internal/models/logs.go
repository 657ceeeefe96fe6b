package models

// SyncResult enumerates model sync outcomes.
type SyncResult string

const (
	SyncResultOK    SyncResult = "ok"
	SyncResultError SyncResult = "error"
)

// SyncLog is an append-only record of a model synchronization event.
type SyncLog struct {
	ID           string     `db:"id" json:"id"`
	ProviderID   string     `db:"provider_id" json:"providerId"`
	ProviderName string     `db:"provider_name" json:"providerName"`
	Model        string     `db:"model" json:"model"`
	Result       SyncResult `db:"result" json:"result"`
	Message      string     `db:"message" json:"message"`
	CreatedAt    int64      `db:"created_at" json:"createdAt"` // ms epoch
}

// RequestLog is an append-only record of a gateway request.
type RequestLog struct {
	ID        string `db:"id" json:"id"`
	Method    string `db:"method" json:"method"`
	Path      string `db:"path" json:"path"`
	Model     string `db:"model" json:"model"`
	Status    int    `db:"status" json:"status"`
	Duration  int64  `db:"duration" json:"duration"` // ms
	IP        string `db:"ip" json:"ip"`
	CreatedAt int64  `db:"created_at" json:"createdAt"` // ms epoch
}
