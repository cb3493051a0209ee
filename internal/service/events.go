package service

import "encoding/json"

const (
	EventChunk              = "CHUNK"
	EventDone               = "DONE"
	EventError              = "ERROR"
	EventSessionEnded       = "SESSION_ENDED"
	EventEvaluationProgress = "EVALUATION_PROGRESS"
	EventEvaluationResult   = "EVALUATION_RESULT"
	EventEvaluationFailed   = "EVALUATION_FAILED"
)

// WSMessage 推送给考生连接的事件。Event 为会话级通道名，避免不同会话的事件串扰。
type WSMessage struct {
	Type  string      `json:"type"`
	Event string      `json:"event,omitempty"`
	Data  interface{} `json:"data"`
}

func SessionChannel(token string) string {
	return "session:" + token
}

func (m WSMessage) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}

// Notifier 推送事件给考生；考生不在线时事件直接丢弃，不排队
type Notifier interface {
	Notify(candidateID uint, msg WSMessage)
}
