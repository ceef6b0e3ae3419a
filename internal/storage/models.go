package storage

import "time"

const (
	SessionActive   = "ACTIVE"
	SessionArchived = "ARCHIVED"

	ComplianceUnchecked = "UNCHECKED"
	CompliancePass      = "PASS"
	ComplianceFail      = "FAIL"
)

type User struct {
	ID           int64
	Username     string
	TelegramID   *int64
	QuotaLimit   int
	QuotaUsed    int
	QuotaResetAt *time.Time
	CreatedAt    time.Time
}

type ProviderConfig struct {
	ID             int64
	Name           string
	Family         string
	Endpoint       string
	Model          string
	EncAPIKey      *string
	MaxTokens      int
	Temperature    float64
	TimeoutSeconds int
	Enabled        bool
	CreatedAt      time.Time
}

type Session struct {
	ID               int64     `json:"id"`
	UserID           int64     `json:"user_id"`
	ProviderConfigID int64     `json:"provider_config_id"`
	Title            string    `json:"title"`
	Status           string    `json:"status"`
	MessageCount     int       `json:"message_count"`
	SystemPrompt     *string   `json:"system_prompt,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type Message struct {
	ID               int64     `json:"id"`
	SessionID        int64     `json:"session_id"`
	UserID           int64     `json:"user_id"`
	ProviderConfigID int64     `json:"provider_config_id"`
	Role             string    `json:"role"`
	Content          string    `json:"content"`
	TokenCount       *int      `json:"token_count,omitempty"`
	ResponseTimeMs   *int64    `json:"response_time_ms,omitempty"`
	ErrorText        *string   `json:"error_text,omitempty"`
	ComplianceStatus string    `json:"compliance_status"`
	ComplianceDetail *string   `json:"compliance_detail,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

type AuditEntry struct {
	UserID   int64
	Action   string
	MetaJSON string
}
