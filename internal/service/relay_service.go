package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/krishna9304/osce-central-serve-sub000/internal/model"
	"github.com/krishna9304/osce-central-serve-sub000/internal/util"
	"github.com/krishna9304/osce-central-serve-sub000/pkg/logger"
	"github.com/krishna9304/osce-central-serve-sub000/pkg/monitoring"
)

// RelayService 把考生的一轮发言转发给扮演病人的模型，并把流式回复逐块推送到考生连接。
type RelayService struct {
	Sessions    *SessionService
	Stations    StationStore
	Transcripts TranscriptStore
	Provider    CompletionProvider
	Notifier    Notifier
	Locks       *KeyedMutex
	// Timeout 单次流式补全的最长时间
	Timeout time.Duration
}

func NewRelayService(
	sessions *SessionService,
	stations StationStore,
	transcripts TranscriptStore,
	provider CompletionProvider,
	notifier Notifier,
	locks *KeyedMutex,
	timeout time.Duration,
) *RelayService {
	return &RelayService{
		Sessions:    sessions,
		Stations:    stations,
		Transcripts: transcripts,
		Provider:    provider,
		Notifier:    notifier,
		Locks:       locks,
		Timeout:     timeout,
	}
}

// ErrReplyNotSaved 助手回复落库失败，ERROR 事件已经推送给考生
var ErrReplyNotSaved = errors.New("assistant reply not saved")

// SubmitTurn 同一会话的提交串行执行。用户发言在调用模型前落库，助手回复在流结束（含出错）后整体落库。
// 提供方出错时已收到的部分内容照常保存并标记 Incomplete，返回的错误包装 util.ErrProvider。
func (r *RelayService) SubmitTurn(ctx context.Context, candidateID uint, token, text string) (*model.Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty turn: %w", util.ErrInvalidInput)
	}

	unlock := r.Locks.Lock(token)
	defer unlock()

	session, err := r.Sessions.ValidateTurn(token, candidateID)
	if err != nil {
		return nil, err
	}
	station, err := r.Stations.FindByID(session.StationID)
	if err != nil {
		return nil, err
	}
	history, err := r.Transcripts.ListBySession(session.ID)
	if err != nil {
		return nil, err
	}

	userTurn := &model.Turn{SessionID: session.ID, Role: model.RoleUser, Content: text}
	if err := r.Transcripts.Append(userTurn); err != nil {
		return nil, err
	}

	messages := make([]AIChatMessage, 0, len(history)+2)
	messages = append(messages, AIChatMessage{Role: "system", Content: station.PatientPrompt})
	for _, t := range history {
		messages = append(messages, AIChatMessage{Role: string(t.Role), Content: t.Content})
	}
	messages = append(messages, AIChatMessage{Role: string(model.RoleUser), Content: text})

	// 考生断开连接不取消补全，回复仍需完整落库
	streamCtx := context.WithoutCancel(ctx)
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		streamCtx, cancel = context.WithTimeout(streamCtx, r.Timeout)
		defer cancel()
	}

	channel := SessionChannel(token)
	chunks, errs := r.Provider.ChatStream(streamCtx, station.Model, messages)

	var buf strings.Builder
	for delta := range chunks {
		buf.WriteString(delta)
		monitoring.RelayChunks.Inc()
		r.notify(candidateID, WSMessage{
			Type:  EventChunk,
			Event: channel,
			Data:  map[string]string{"delta": delta},
		})
	}
	streamErr := <-errs

	assistant := &model.Turn{
		SessionID:  session.ID,
		Role:       model.RoleAssistant,
		Content:    buf.String(),
		Incomplete: streamErr != nil,
	}
	if err := r.Transcripts.Append(assistant); err != nil {
		logger.Log.Error("Persist assistant turn failed", zap.String("session", token), zap.Error(err))
		r.notify(candidateID, WSMessage{
			Type:  EventError,
			Event: channel,
			Data: map[string]interface{}{
				"message": "patient response could not be saved",
				"partial": assistant.Content,
			},
		})
		return nil, fmt.Errorf("%w: %v", ErrReplyNotSaved, err)
	}

	if streamErr != nil {
		monitoring.RelayErrors.Inc()
		logger.Log.Warn("Completion stream failed", zap.String("session", token), zap.Error(streamErr))
		r.notify(candidateID, WSMessage{
			Type:  EventError,
			Event: channel,
			Data: map[string]interface{}{
				"message": "patient response was interrupted",
				"partial": assistant.Content,
			},
		})
		if !errors.Is(streamErr, util.ErrProvider) {
			streamErr = fmt.Errorf("%w: %v", util.ErrProvider, streamErr)
		}
		return assistant, streamErr
	}

	r.notify(candidateID, WSMessage{
		Type:  EventDone,
		Event: channel,
		Data:  map[string]string{"content": assistant.Content},
	})
	return assistant, nil
}

func (r *RelayService) notify(candidateID uint, msg WSMessage) {
	if r.Notifier != nil {
		r.Notifier.Notify(candidateID, msg)
	}
}
