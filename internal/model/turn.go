package model

import "time"

type TurnRole string

const (
	RoleUser      TurnRole = "user"
	RoleAssistant TurnRole = "assistant"
)

// Turn 对话记录中的一条消息，只追加不修改；自增 ID 即追加顺序
type Turn struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID  uint      `gorm:"index;not null" json:"-"`
	Role       TurnRole  `gorm:"size:16;not null" json:"role"`
	Content    string    `gorm:"type:text" json:"content"`
	Incomplete bool      `gorm:"default:false" json:"incomplete,omitempty"` // 流被提供方错误中断
	CreatedAt  time.Time `json:"createdAt"`
}

func (Turn) TableName() string {
	return "turns"
}
