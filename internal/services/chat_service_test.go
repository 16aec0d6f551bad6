package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aihub/chat-go/internal/config"
	apperrors "github.com/aihub/chat-go/internal/errors"
	"github.com/aihub/chat-go/internal/llm"
	"github.com/aihub/chat-go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) StreamConversations(ctx context.Context, userID string) (<-chan []models.Conversation, error) {
	args := m.Called(ctx, userID)
	ch, _ := args.Get(0).(<-chan []models.Conversation)
	return ch, args.Error(1)
}

func (m *mockRepo) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	args := m.Called(ctx, userID)
	conversations, _ := args.Get(0).([]models.Conversation)
	return conversations, args.Error(1)
}

func (m *mockRepo) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	args := m.Called(ctx, id)
	conv, _ := args.Get(0).(*models.Conversation)
	return conv, args.Error(1)
}

func (m *mockRepo) CreateConversation(ctx context.Context, conv *models.Conversation) (*models.Conversation, error) {
	args := m.Called(ctx, conv)
	created, _ := args.Get(0).(*models.Conversation)
	return created, args.Error(1)
}

func (m *mockRepo) UpdateConversation(ctx context.Context, id string, fields map[string]interface{}) error {
	return m.Called(ctx, id, fields).Error(0)
}

func (m *mockRepo) ArchiveConversation(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockRepo) UnarchiveConversation(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockRepo) PinConversation(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockRepo) UnpinConversation(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockRepo) DeleteConversation(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockRepo) PermanentlyDeleteConversation(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockRepo) AddMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	args := m.Called(ctx, msg)
	added, _ := args.Get(0).(*models.Message)
	return added, args.Error(1)
}

func (m *mockRepo) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	args := m.Called(ctx, id)
	msg, _ := args.Get(0).(*models.Message)
	return msg, args.Error(1)
}

func (m *mockRepo) UpdateMessage(ctx context.Context, id string, fields map[string]interface{}) error {
	return m.Called(ctx, id, fields).Error(0)
}

func (m *mockRepo) DeleteMessage(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockRepo) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	args := m.Called(ctx, conversationID)
	messages, _ := args.Get(0).([]models.Message)
	return messages, args.Error(1)
}

func (m *mockRepo) StreamMessages(ctx context.Context, conversationID string) (<-chan []models.Message, error) {
	args := m.Called(ctx, conversationID)
	ch, _ := args.Get(0).(<-chan []models.Message)
	return ch, args.Error(1)
}

func (m *mockRepo) SearchConversations(ctx context.Context, userID, query string) ([]models.Conversation, error) {
	args := m.Called(ctx, userID, query)
	conversations, _ := args.Get(0).([]models.Conversation)
	return conversations, args.Error(1)
}

func (m *mockRepo) RecountConversation(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

type mockClient struct {
	mock.Mock
}

func (m *mockClient) SendMessage(ctx context.Context, req *llm.CompletionRequest) (*llm.Completion, error) {
	args := m.Called(ctx, req)
	completion, _ := args.Get(0).(*llm.Completion)
	return completion, args.Error(1)
}

func (m *mockClient) SendMessageStream(ctx context.Context, req *llm.CompletionRequest) (<-chan string, error) {
	args := m.Called(ctx, req)
	ch, _ := args.Get(0).(<-chan string)
	return ch, args.Error(1)
}

func (m *mockClient) ListModels(ctx context.Context, provider string) ([]llm.ModelEntry, error) {
	args := m.Called(ctx, provider)
	entries, _ := args.Get(0).([]llm.ModelEntry)
	return entries, args.Error(1)
}

type stubCatalog struct {
	model *models.AIModel
}

func (s *stubCatalog) GetModel(ctx context.Context, modelID string) (*models.AIModel, error) {
	return s.model, nil
}

func newTestService(repo *mockRepo, client *mockClient) *ChatService {
	return NewChatService(repo, client, NewTokenService(), &stubCatalog{}, nil, nil, nil, zap.NewNop())
}

func activeConversation(id string) *models.Conversation {
	return &models.Conversation{
		ID:      id,
		UserID:  "user-1",
		ModelID: "gpt-4o",
	}
}

func TestSendMessageSuccess(t *testing.T) {
	repo := new(mockRepo)
	client := new(mockClient)
	svc := newTestService(repo, client)

	conv := activeConversation("conv-1")
	repo.On("GetConversation", mock.Anything, "conv-1").Return(conv, nil)

	var userMsgID string
	repo.On("AddMessage", mock.Anything, mock.MatchedBy(func(msg *models.Message) bool {
		return msg.Role == models.RoleUser && msg.Status == models.MessageStatusSending
	})).Run(func(args mock.Arguments) {
		userMsgID = args.Get(1).(*models.Message).ID
	}).Return(&models.Message{}, nil).Once()

	repo.On("AddMessage", mock.Anything, mock.MatchedBy(func(msg *models.Message) bool {
		return msg.Role == models.RoleAssistant &&
			msg.Status == models.MessageStatusGenerating &&
			msg.Content == ""
	})).Return(&models.Message{}, nil).Once()

	repo.On("UpdateMessage", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	repo.On("ListMessages", mock.Anything, "conv-1").Return([]models.Message{
		{Role: models.RoleUser, Content: "hello", Status: models.MessageStatusSent},
		{Role: models.RoleAssistant, Content: "", Status: models.MessageStatusGenerating},
	}, nil)

	client.On("SendMessage", mock.Anything, mock.MatchedBy(func(req *llm.CompletionRequest) bool {
		// 占位消息不能进入发给模型的历史
		for _, msg := range req.Messages {
			if msg.Content == "" {
				return false
			}
		}
		return req.ModelID == "gpt-4o" && len(req.Messages) == 1
	})).Return(&llm.Completion{
		Content:          "hi there",
		PromptTokens:     10,
		CompletionTokens: 5,
		TotalTokens:      15,
	}, nil)

	result, err := svc.SendMessage(context.Background(), "user-1", "conv-1", "hello", nil)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, models.MessageStatusSent, result.UserMessage.Status)
	assert.Equal(t, userMsgID, result.UserMessage.ID)
	assert.Equal(t, models.MessageStatusCompleted, result.AssistantMessage.Status)
	assert.Equal(t, "hi there", result.AssistantMessage.Content)
	assert.NotNil(t, result.AssistantMessage.CompletedAt)
	assert.False(t, svc.IsSending("conv-1"))

	repo.AssertExpectations(t)
	client.AssertExpectations(t)
}

func TestSendMessageCompletionFailure(t *testing.T) {
	repo := new(mockRepo)
	client := new(mockClient)
	svc := newTestService(repo, client)

	repo.On("GetConversation", mock.Anything, "conv-1").Return(activeConversation("conv-1"), nil)
	repo.On("AddMessage", mock.Anything, mock.Anything).Return(&models.Message{}, nil)
	repo.On("ListMessages", mock.Anything, "conv-1").Return([]models.Message{
		{Role: models.RoleUser, Content: "hello", Status: models.MessageStatusSent},
	}, nil)

	var failedFields map[string]interface{}
	repo.On("UpdateMessage", mock.Anything, mock.Anything, mock.MatchedBy(func(fields map[string]interface{}) bool {
		if fields["status"] == models.MessageStatusFailed {
			failedFields = fields
			return true
		}
		return fields["status"] == models.MessageStatusSent
	})).Return(nil)

	upstreamErr := apperrors.NewUpstreamAPIError(429, "rate limit exceeded")
	client.On("SendMessage", mock.Anything, mock.Anything).Return(nil, upstreamErr)

	result, err := svc.SendMessage(context.Background(), "user-1", "conv-1", "hello", nil)
	assert.Nil(t, result)
	require.Error(t, err)

	// 错误向调用方传播，且状态码保留
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUpstreamAPI))
	assert.Equal(t, 429, apperrors.GetAppError(err).UpstreamStatus)

	// 占位消息转为failed，面向用户的内容非空，错误详情已记录
	require.NotNil(t, failedFields)
	assert.Equal(t, FailedReplyContent, failedFields["content"])
	assert.Equal(t, "rate limit exceeded", failedFields["error_message"])

	// 失败后发送标志复位，允许重试
	assert.False(t, svc.IsSending("conv-1"))
}

func TestSendMessageTerminalWriteFailure(t *testing.T) {
	repo := new(mockRepo)
	client := new(mockClient)
	svc := newTestService(repo, client)

	repo.On("GetConversation", mock.Anything, "conv-1").Return(activeConversation("conv-1"), nil)
	repo.On("AddMessage", mock.Anything, mock.Anything).Return(&models.Message{}, nil)
	repo.On("ListMessages", mock.Anything, "conv-1").Return([]models.Message{
		{Role: models.RoleUser, Content: "hello", Status: models.MessageStatusSent},
	}, nil)
	client.On("SendMessage", mock.Anything, mock.Anything).Return(&llm.Completion{Content: "hi"}, nil)

	repo.On("UpdateMessage", mock.Anything, mock.Anything, mock.MatchedBy(func(fields map[string]interface{}) bool {
		return fields["status"] == models.MessageStatusSent
	})).Return(nil)

	// completed终态写入失败
	repo.On("UpdateMessage", mock.Anything, mock.Anything, mock.MatchedBy(func(fields map[string]interface{}) bool {
		return fields["status"] == models.MessageStatusCompleted
	})).Return(errors.New("db down"))

	var failedFields map[string]interface{}
	repo.On("UpdateMessage", mock.Anything, mock.Anything, mock.MatchedBy(func(fields map[string]interface{}) bool {
		if fields["status"] == models.MessageStatusFailed {
			failedFields = fields
			return true
		}
		return false
	})).Return(nil)

	result, err := svc.SendMessage(context.Background(), "user-1", "conv-1", "hello", nil)
	assert.Nil(t, result)
	require.Error(t, err)

	// 占位消息不能停留在generating：终态写入失败后转为failed
	require.NotNil(t, failedFields)
	assert.Equal(t, FailedReplyContent, failedFields["content"])
	assert.Equal(t, "db down", failedFields["error_message"])
	assert.False(t, svc.IsSending("conv-1"))
}

func TestSendMessageWithoutConversation(t *testing.T) {
	repo := new(mockRepo)
	client := new(mockClient)
	svc := newTestService(repo, client)

	result, err := svc.SendMessage(context.Background(), "user-1", "", "hello", nil)
	assert.Nil(t, result)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidState))

	// 任何消息都不应落库
	repo.AssertNotCalled(t, "AddMessage", mock.Anything, mock.Anything)
	client.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything)
}

func TestSendMessageEmptyContent(t *testing.T) {
	repo := new(mockRepo)
	client := new(mockClient)
	svc := newTestService(repo, client)

	result, err := svc.SendMessage(context.Background(), "user-1", "conv-1", "   ", nil)
	assert.Nil(t, result)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationFailed))

	repo.AssertNotCalled(t, "AddMessage", mock.Anything, mock.Anything)
}

func TestSendMessageAttachmentsOnly(t *testing.T) {
	repo := new(mockRepo)
	client := new(mockClient)
	svc := newTestService(repo, client)

	repo.On("GetConversation", mock.Anything, "conv-1").Return(activeConversation("conv-1"), nil)
	repo.On("AddMessage", mock.Anything, mock.Anything).Return(&models.Message{}, nil)
	repo.On("UpdateMessage", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	repo.On("ListMessages", mock.Anything, "conv-1").Return([]models.Message{}, nil)
	client.On("SendMessage", mock.Anything, mock.Anything).Return(&llm.Completion{Content: "ok"}, nil)

	attachments := []models.Attachment{{Name: "chart.png", URL: "https://cdn.example.com/chart.png"}}
	result, err := svc.SendMessage(context.Background(), "user-1", "conv-1", "", attachments)
	require.NoError(t, err)
	assert.Len(t, result.UserMessage.Attachments, 1)
}

func TestSendMessageConversationNotFound(t *testing.T) {
	repo := new(mockRepo)
	client := new(mockClient)
	svc := newTestService(repo, client)

	repo.On("GetConversation", mock.Anything, "missing").Return(nil, nil)

	result, err := svc.SendMessage(context.Background(), "user-1", "missing", "hello", nil)
	assert.Nil(t, result)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeResourceNotFound))
	repo.AssertNotCalled(t, "AddMessage", mock.Anything, mock.Anything)
}

func TestSendMessageForeignConversation(t *testing.T) {
	repo := new(mockRepo)
	client := new(mockClient)
	svc := newTestService(repo, client)

	conv := activeConversation("conv-1")
	conv.UserID = "user-2"
	repo.On("GetConversation", mock.Anything, "conv-1").Return(conv, nil)

	// 他人的对话对调用方不可见：与不存在同样返回not found
	result, err := svc.SendMessage(context.Background(), "user-1", "conv-1", "hello", nil)
	assert.Nil(t, result)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeResourceNotFound))
	repo.AssertNotCalled(t, "AddMessage", mock.Anything, mock.Anything)
	client.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything)
}

func TestSendMessageCollaboratorAllowed(t *testing.T) {
	repo := new(mockRepo)
	client := new(mockClient)
	svc := newTestService(repo, client)

	conv := activeConversation("conv-1")
	conv.UserID = "user-2"
	conv.Collaborators = models.StringList{"user-1"}

	repo.On("GetConversation", mock.Anything, "conv-1").Return(conv, nil)
	repo.On("AddMessage", mock.Anything, mock.Anything).Return(&models.Message{}, nil)
	repo.On("UpdateMessage", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	repo.On("ListMessages", mock.Anything, "conv-1").Return([]models.Message{}, nil)
	client.On("SendMessage", mock.Anything, mock.Anything).Return(&llm.Completion{Content: "ok"}, nil)

	_, err := svc.SendMessage(context.Background(), "user-1", "conv-1", "hello", nil)
	require.NoError(t, err)
}

func TestPurgeConversationForeignOwner(t *testing.T) {
	repo := new(mockRepo)
	svc := newTestService(repo, new(mockClient))

	conv := activeConversation("conv-1")
	conv.UserID = "user-2"
	repo.On("GetConversation", mock.Anything, "conv-1").Return(conv, nil)

	err := svc.PurgeConversation(context.Background(), "user-1", "conv-1")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeResourceNotFound))
	repo.AssertNotCalled(t, "PermanentlyDeleteConversation", mock.Anything, mock.Anything)
}

func TestGetConversationHidesForeign(t *testing.T) {
	repo := new(mockRepo)
	svc := newTestService(repo, new(mockClient))

	conv := activeConversation("conv-1")
	conv.UserID = "user-2"
	repo.On("GetConversation", mock.Anything, "conv-1").Return(conv, nil)

	got, err := svc.GetConversation(context.Background(), "user-1", "conv-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSendMessageDeletedConversation(t *testing.T) {
	repo := new(mockRepo)
	client := new(mockClient)
	svc := newTestService(repo, client)

	conv := activeConversation("conv-1")
	conv.IsDeleted = true
	repo.On("GetConversation", mock.Anything, "conv-1").Return(conv, nil)

	_, err := svc.SendMessage(context.Background(), "user-1", "conv-1", "hello", nil)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidState))
}

func TestSendMessageUsesConversationParams(t *testing.T) {
	repo := new(mockRepo)
	client := new(mockClient)
	svc := newTestService(repo, client)

	temp := 0.2
	maxTokens := 512
	conv := activeConversation("conv-1")
	conv.Provider = "anthropic"
	conv.SystemPrompt = "be brief"
	conv.Temperature = &temp
	conv.MaxTokens = &maxTokens

	repo.On("GetConversation", mock.Anything, "conv-1").Return(conv, nil)
	repo.On("AddMessage", mock.Anything, mock.Anything).Return(&models.Message{}, nil)
	repo.On("UpdateMessage", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	repo.On("ListMessages", mock.Anything, "conv-1").Return([]models.Message{
		{Role: models.RoleUser, Content: "hello", Status: models.MessageStatusSent},
	}, nil)

	client.On("SendMessage", mock.Anything, mock.MatchedBy(func(req *llm.CompletionRequest) bool {
		return req.Provider == "anthropic" &&
			req.SystemPrompt == "be brief" &&
			req.Temperature != nil && *req.Temperature == 0.2 &&
			req.MaxTokens != nil && *req.MaxTokens == 512
	})).Return(&llm.Completion{Content: "ok"}, nil)

	_, err := svc.SendMessage(context.Background(), "user-1", "conv-1", "hello", nil)
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestSplitConversationViews(t *testing.T) {
	conversations := []models.Conversation{
		{ID: "a", IsPinned: true},
		{ID: "b"},
		{ID: "c", IsArchived: true},
		{ID: "d", IsArchived: true, IsPinned: true},
		{ID: "e", IsDeleted: true},
	}

	views := SplitConversationViews(conversations)

	assert.Equal(t, []string{"a"}, conversationIDs(views.Pinned))
	assert.Equal(t, []string{"b"}, conversationIDs(views.Active))
	// 归档优先于置顶
	assert.Equal(t, []string{"c", "d"}, conversationIDs(views.Archived))

	// 每个未删除对话恰好出现在一个视图
	total := len(views.Pinned) + len(views.Active) + len(views.Archived)
	assert.Equal(t, 4, total)
}

func conversationIDs(conversations []models.Conversation) []string {
	ids := make([]string, 0, len(conversations))
	for _, conv := range conversations {
		ids = append(ids, conv.ID)
	}
	return ids
}

func TestCreateConversationDefaults(t *testing.T) {
	repo := new(mockRepo)
	svc := NewChatService(repo, new(mockClient), NewTokenService(), &stubCatalog{}, nil, nil,
		&config.AIConfig{DefaultModel: "gpt-4o-mini"}, zap.NewNop())

	repo.On("CreateConversation", mock.Anything, mock.MatchedBy(func(conv *models.Conversation) bool {
		return conv.ModelID == "gpt-4o-mini" && conv.ID != ""
	})).Return(&models.Conversation{ID: "new", ModelID: "gpt-4o-mini"}, nil)

	conv, err := svc.CreateConversation(context.Background(), "user-1", CreateConversationParams{})
	require.NoError(t, err)
	assert.Equal(t, "new", conv.ID)
	repo.AssertExpectations(t)
}

func TestCreateConversationRequiresUser(t *testing.T) {
	svc := newTestService(new(mockRepo), new(mockClient))

	_, err := svc.CreateConversation(context.Background(), "", CreateConversationParams{ModelID: "gpt-4o"})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationFailed))
}

func TestEditMessageAppendsHistory(t *testing.T) {
	repo := new(mockRepo)
	svc := newTestService(repo, new(mockClient))

	repo.On("GetMessage", mock.Anything, "msg-1").Return(&models.Message{
		ID:             "msg-1",
		ConversationID: "conv-1",
		Content:        "original",
	}, nil)
	repo.On("GetConversation", mock.Anything, "conv-1").Return(activeConversation("conv-1"), nil)
	repo.On("UpdateMessage", mock.Anything, "msg-1", mock.MatchedBy(func(fields map[string]interface{}) bool {
		history, ok := fields["edit_history"].(models.StringList)
		return ok && len(history) == 1 && history[0] == "original" &&
			fields["content"] == "revised" && fields["is_edited"] == true
	})).Return(nil)

	err := svc.EditMessage(context.Background(), "user-1", "msg-1", "revised")
	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestEditMessageNotFound(t *testing.T) {
	repo := new(mockRepo)
	svc := newTestService(repo, new(mockClient))

	repo.On("GetMessage", mock.Anything, "missing").Return(nil, nil)

	err := svc.EditMessage(context.Background(), "user-1", "missing", "revised")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeResourceNotFound))
}

func TestEditMessageForeignConversation(t *testing.T) {
	repo := new(mockRepo)
	svc := newTestService(repo, new(mockClient))

	repo.On("GetMessage", mock.Anything, "msg-1").Return(&models.Message{
		ID:             "msg-1",
		ConversationID: "conv-1",
		Content:        "original",
	}, nil)
	conv := activeConversation("conv-1")
	conv.UserID = "user-2"
	repo.On("GetConversation", mock.Anything, "conv-1").Return(conv, nil)

	err := svc.EditMessage(context.Background(), "user-1", "msg-1", "revised")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeResourceNotFound))
	repo.AssertNotCalled(t, "UpdateMessage", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendMessageSerializedPerConversation(t *testing.T) {
	repo := new(mockRepo)
	client := new(mockClient)
	svc := newTestService(repo, client)

	repo.On("GetConversation", mock.Anything, "conv-1").Return(activeConversation("conv-1"), nil)
	repo.On("AddMessage", mock.Anything, mock.Anything).Return(&models.Message{}, nil)
	repo.On("UpdateMessage", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	repo.On("ListMessages", mock.Anything, "conv-1").Return([]models.Message{}, nil)

	inFlight := 0
	client.On("SendMessage", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		inFlight++
		// 同一对话的发送串行化后不可能并发进入
		assert.Equal(t, 1, inFlight)
		time.Sleep(10 * time.Millisecond)
		inFlight--
	}).Return(&llm.Completion{Content: "ok"}, nil)

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := svc.SendMessage(context.Background(), "user-1", "conv-1", "hello", nil)
			done <- err
		}()
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, <-done)
	}

	// 发送全部结束后锁表不保留空条目
	svc.mu.Lock()
	assert.Empty(t, svc.sendLocks)
	svc.mu.Unlock()
}

func TestSendMessageReleasesSendLock(t *testing.T) {
	repo := new(mockRepo)
	client := new(mockClient)
	svc := newTestService(repo, client)

	repo.On("GetConversation", mock.Anything, mock.Anything).Return(activeConversation("conv-1"), nil)
	repo.On("AddMessage", mock.Anything, mock.Anything).Return(&models.Message{}, nil)
	repo.On("UpdateMessage", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	repo.On("ListMessages", mock.Anything, mock.Anything).Return([]models.Message{}, nil)
	client.On("SendMessage", mock.Anything, mock.Anything).Return(&llm.Completion{Content: "ok"}, nil)

	for i := 0; i < 5; i++ {
		_, err := svc.SendMessage(context.Background(), "user-1", "conv-1", "hello", nil)
		require.NoError(t, err)

		// 每次发送结束后对应的锁条目被移除，锁表不随对话数无界增长
		svc.mu.Lock()
		assert.Empty(t, svc.sendLocks)
		svc.mu.Unlock()
	}
}

func TestSendMessagePersistenceFailureStopsFlow(t *testing.T) {
	repo := new(mockRepo)
	client := new(mockClient)
	svc := newTestService(repo, client)

	repo.On("GetConversation", mock.Anything, "conv-1").Return(activeConversation("conv-1"), nil)
	repo.On("AddMessage", mock.Anything, mock.Anything).Return(nil, errors.New("db down"))

	result, err := svc.SendMessage(context.Background(), "user-1", "conv-1", "hello", nil)
	assert.Nil(t, result)
	assert.Error(t, err)
	assert.False(t, svc.IsSending("conv-1"))
	client.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything)
}
