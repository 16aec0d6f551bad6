package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// 消息角色
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// 消息生命周期状态
const (
	MessageStatusSending    = "sending"
	MessageStatusSent       = "sent"
	MessageStatusGenerating = "generating"
	MessageStatusCompleted  = "completed"
	MessageStatusFailed     = "failed"
	MessageStatusCancelled  = "cancelled"
)

// messageTransitions 合法的状态前向迁移
// failed消息的重试通过创建新的发送，不允许状态回退
var messageTransitions = map[string][]string{
	MessageStatusSending:    {MessageStatusSent, MessageStatusFailed},
	MessageStatusSent:       {},
	MessageStatusGenerating: {MessageStatusCompleted, MessageStatusFailed, MessageStatusCancelled},
	MessageStatusCompleted:  {},
	MessageStatusFailed:     {},
	MessageStatusCancelled:  {},
}

// CanTransitionMessageStatus 检查消息状态迁移是否合法
func CanTransitionMessageStatus(from, to string) bool {
	for _, next := range messageTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalMessageStatus 是否为终态
func IsTerminalMessageStatus(status string) bool {
	switch status {
	case MessageStatusCompleted, MessageStatusFailed, MessageStatusCancelled:
		return true
	}
	return false
}

// Attachment 消息附件
type Attachment struct {
	Type string `json:"type"` // image/file/audio/video
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
	Mime string `json:"mime,omitempty"`
}

// AttachmentList 附件列表（JSONB存储）
type AttachmentList []Attachment

func (l AttachmentList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (l *AttachmentList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	}
	return fmt.Errorf("unsupported attachment list type %T", value)
}

// StringList 字符串列表（JSONB存储，用于编辑历史和协作者ID）
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	}
	return fmt.Errorf("unsupported string list type %T", value)
}

// Message 对话消息表
// 消息归属于对话，对话被永久删除时级联删除
type Message struct {
	ID             string         `gorm:"primaryKey;column:id;size:64" json:"id"`
	ConversationID string         `gorm:"column:conversation_id;size:64;not null;index" json:"conversation_id"`
	Role           string         `gorm:"column:role;size:20;not null" json:"role"`
	Content        string         `gorm:"type:text;not null" json:"content"`
	Status         string         `gorm:"column:status;size:20;not null;index" json:"status"`
	ErrorMessage   string         `gorm:"type:text;column:error_message" json:"error_message,omitempty"`
	Attachments    AttachmentList `gorm:"type:jsonb;column:attachments" json:"attachments,omitempty"`
	TokenCount     int            `gorm:"column:token_count;default:0" json:"token_count,omitempty"`
	CostCents      int            `gorm:"column:cost_cents;default:0" json:"cost_cents,omitempty"`
	IsEdited       bool           `gorm:"column:is_edited;default:false" json:"is_edited"`
	EditHistory    StringList     `gorm:"type:jsonb;column:edit_history" json:"edit_history,omitempty"`
	ParentID       *string        `gorm:"column:parent_id;size:64" json:"parent_id,omitempty"`
	CreatedAt      time.Time      `gorm:"column:created_at;not null;index" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"column:updated_at" json:"updated_at"`
	CompletedAt    *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (Message) TableName() string {
	return "messages"
}

// Preview 返回用于列表渲染的内容预览
func (m *Message) Preview(maxRunes int) string {
	runes := []rune(m.Content)
	if len(runes) <= maxRunes {
		return m.Content
	}
	return string(runes[:maxRunes]) + "…"
}

// Conversation 对话表
// messageCount/lastMessage等字段为写路径维护的缓存，messages表是权威数据
type Conversation struct {
	ID            string     `gorm:"primaryKey;column:id;size:64" json:"id"`
	UserID        string     `gorm:"column:user_id;size:64;not null;index" json:"user_id"`
	TeamID        *string    `gorm:"column:team_id;size:64;index" json:"team_id,omitempty"`
	Title         string     `gorm:"column:title;size:255" json:"title"`
	ModelID       string     `gorm:"column:model_id;size:100;not null" json:"model_id"`
	Provider      string     `gorm:"column:provider;size:50" json:"provider"`
	SystemPrompt  string     `gorm:"type:text;column:system_prompt" json:"system_prompt,omitempty"`
	Temperature   *float64   `gorm:"column:temperature" json:"temperature,omitempty"`
	MaxTokens     *int       `gorm:"column:max_tokens" json:"max_tokens,omitempty"`
	MessageCount  int        `gorm:"column:message_count;default:0" json:"message_count"`
	TokenCount    int        `gorm:"column:token_count;default:0" json:"token_count"`
	EstimatedCost int        `gorm:"column:estimated_cost;default:0" json:"estimated_cost"` // 预估费用（分）
	LastMessage   string     `gorm:"column:last_message;size:500" json:"last_message"`
	LastMessageAt *time.Time `gorm:"column:last_message_at" json:"last_message_at,omitempty"`
	IsPinned      bool       `gorm:"column:is_pinned;default:false" json:"is_pinned"`
	IsArchived    bool       `gorm:"column:is_archived;default:false" json:"is_archived"`
	IsDeleted     bool       `gorm:"column:is_deleted;default:false;index" json:"is_deleted"`
	DeletedAt     *time.Time `gorm:"column:deleted_at" json:"deleted_at,omitempty"`
	Collaborators StringList `gorm:"type:jsonb;column:collaborators" json:"collaborators,omitempty"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;index" json:"updated_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// CanAccess 用户是否可以访问该对话（所有者或协作者）
func (c *Conversation) CanAccess(userID string) bool {
	if c.UserID == userID {
		return true
	}
	for _, collaborator := range c.Collaborators {
		if collaborator == userID {
			return true
		}
	}
	return false
}
