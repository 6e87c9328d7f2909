package convo

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Message senders.
const (
	SenderUser   = "user"
	SenderAI     = "ai"
	SenderSystem = "system"
)

type OptionStatus string

const (
	StatusUnknown   OptionStatus = "unknown"
	StatusLoading   OptionStatus = "loading"
	StatusCompleted OptionStatus = "completed"
	StatusFailed    OptionStatus = "failed"
	StatusTimedOut  OptionStatus = "timed_out"
)

// Terminal reports whether no further status transitions are allowed.
func (s OptionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

// VendorOption is one recommended business with contact and call metadata.
type VendorOption struct {
	Rank         int          `json:"rank,omitempty"`
	Name         string       `json:"name"`
	Phone        string       `json:"phone,omitempty"`
	Description  string       `json:"description,omitempty"`
	URL          string       `json:"url,omitempty"`
	ImageURL     string       `json:"image_url,omitempty"`
	Price        float64      `json:"estimated_price,omitempty"`
	Notes        string       `json:"notes,omitempty"`
	Selected     bool         `json:"selected,omitempty"`
	Status       OptionStatus `json:"status,omitempty"`
	CallID       string       `json:"call_id,omitempty"`
	RecordingURL string       `json:"recording_url,omitempty"`
	Transcript   string       `json:"transcript,omitempty"`
}

// OptionList is stored as a JSON column.
type OptionList []VendorOption

func (l OptionList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *OptionList) Scan(src any) error {
	if src == nil {
		*l = nil
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("convo: cannot scan %T into OptionList", src)
	}
	if len(b) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(b, l)
}

// Message is one entry in a task's append-only conversation log. The payload
// is either free text (Body) or a vendor option list (Options), never both.
type Message struct {
	ID        uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID    string     `gorm:"type:varchar(64);not null;index:idx_convo_msg_task" json:"task_id"`
	Sender    string     `gorm:"type:varchar(16);not null" json:"sender"`
	Body      string     `gorm:"type:text" json:"body,omitempty"`
	Options   OptionList `gorm:"type:json" json:"options,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (Message) TableName() string { return "task_messages" }

// CampaignState is the mutable "current vendor list" projection for a task.
// The message log stays append-only; call progress mutates this row only,
// through a versioned compare-and-set.
type CampaignState struct {
	TaskID    string     `gorm:"primaryKey;type:varchar(64)" json:"task_id"`
	MessageID uint64     `gorm:"not null" json:"message_id"`
	Options   OptionList `gorm:"type:json" json:"options"`
	Version   uint64     `gorm:"not null;default:0" json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (CampaignState) TableName() string { return "campaign_states" }
