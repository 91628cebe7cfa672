package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"roomchat-go/internal/config"
	"roomchat-go/internal/middleware"
	"roomchat-go/internal/model"
	"roomchat-go/internal/repository"
	"roomchat-go/internal/service"
	"roomchat-go/pkg/llm"
	"roomchat-go/pkg/token"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// echoLLM 将用户消息拆成两个分块回显。
type echoLLM struct{}

func (echoLLM) StreamChatMessages(_ context.Context, messages []llm.Message, _ *llm.GenerationParams, w llm.MessageWriter) error {
	user := messages[len(messages)-1].Content
	if err := w.WriteMessage(websocket.TextMessage, []byte("echo: ")); err != nil {
		return err
	}
	return w.WriteMessage(websocket.TextMessage, []byte(user))
}

type stubProvider struct {
	deleted []string
}

func (p *stubProvider) CreateRoom(_ context.Context, name string, emptyTimeout, maxParticipants int) (*model.Room, error) {
	return &model.Room{SID: "RM_" + name, Name: name, EmptyTimeout: emptyTimeout, MaxParticipants: maxParticipants}, nil
}

func (p *stubProvider) ListRooms(context.Context) ([]model.Room, error) {
	return []model.Room{{SID: "RM_a", Name: "a"}}, nil
}

func (p *stubProvider) DeleteRoom(_ context.Context, name string) error {
	p.deleted = append(p.deleted, name)
	return nil
}

func (p *stubProvider) ListParticipants(context.Context, string) ([]model.Participant, error) {
	return []model.Participant{{Identity: "alice", State: "ACTIVE"}}, nil
}

type testEnv struct {
	router   *gin.Engine
	memory   service.MemoryService
	tokens   *token.AccessTokenManager
	provider *stubProvider
}

func newTestEnv(t *testing.T, requireToken bool) *testEnv {
	t.Helper()
	repo, err := repository.NewFileMessageRepository(t.TempDir())
	require.NoError(t, err)
	memCfg := config.MemoryConfig{ContextWindow: 10, RelevantTopK: 5, AISender: "AI Assistant"}
	memory := service.NewMemoryService(repo, memCfg)
	chat := service.NewChatService(memory, echoLLM{}, config.LLMConfig{}, memCfg)
	tokens := token.NewAccessTokenManager("key", "secret", time.Hour)
	provider := &stubProvider{}
	rooms := service.NewRoomService(provider, tokens, memory, nil, config.LiveKitConfig{})

	r := gin.New()
	RegisterRoutes(r, Handlers{
		Chat:   NewChatHandler(chat),
		Room:   NewRoomHandler(rooms),
		Memory: NewMemoryHandler(memory, nil, 0),
	}, middleware.ParticipantAuth(tokens, requireToken))
	return &testEnv{router: r, memory: memory, tokens: tokens, provider: provider}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *testEnv) do(t *testing.T, method, path, body string, header ...string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func TestChatStoresExchangeInRoom(t *testing.T) {
	env := newTestEnv(t, false)

	code, resp := env.do(t, http.MethodPost, "/chat", `{"user_id":"alice","message":"hi","room_id":"r1"}`)
	require.Equal(t, http.StatusOK, code)

	var result service.ChatResult
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	assert.Equal(t, "echo: hi", result.Response)
	require.Len(t, result.Messages, 2)
	assert.Equal(t, "alice", result.Messages[0].Sender)
	assert.True(t, result.Messages[1].IsAI)

	code, resp = env.do(t, http.MethodGet, "/rooms/r1/history?limit=1", "")
	require.Equal(t, http.StatusOK, code)
	var history struct {
		Messages []model.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &history))
	require.Len(t, history.Messages, 1)
	assert.Equal(t, "echo: hi", history.Messages[0].Text)
}

func TestChatValidation(t *testing.T) {
	env := newTestEnv(t, false)

	code, _ := env.do(t, http.MethodPost, "/chat", `{"user_id":"alice"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodPost, "/chat", `{"user_id":"alice","message":"   ","room_id":"r1"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodGet, "/rooms/r1/history?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestContextAndMemoryEndpoints(t *testing.T) {
	env := newTestEnv(t, false)

	code, resp := env.do(t, http.MethodGet, "/rooms/empty/context", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(resp.Data), service.NoConversationSentinel)

	_, err := env.memory.AddMessage(context.Background(), "r1", "bob", "hello there", false)
	require.NoError(t, err)

	code, resp = env.do(t, http.MethodGet, "/rooms/r1/context", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(resp.Data), "[bob] hello there")

	code, resp = env.do(t, http.MethodGet, "/memory/rooms", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(resp.Data), `"r1"`)

	code, _ = env.do(t, http.MethodDelete, "/rooms/r1/memory", "")
	require.Equal(t, http.StatusOK, code)

	code, resp = env.do(t, http.MethodGet, "/rooms/r1/context", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(resp.Data), service.NoConversationSentinel)
}

func TestRoomEndpoints(t *testing.T) {
	env := newTestEnv(t, false)

	code, resp := env.do(t, http.MethodPost, "/rooms", `{"room_name":"demo"}`)
	require.Equal(t, http.StatusOK, code)
	var room model.Room
	require.NoError(t, json.Unmarshal(resp.Data, &room))
	assert.Equal(t, 300, room.EmptyTimeout)
	assert.Equal(t, 10, room.MaxParticipants)

	code, resp = env.do(t, http.MethodGet, "/rooms", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(resp.Data), `"RM_a"`)

	code, resp = env.do(t, http.MethodGet, "/rooms/demo/participants", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(resp.Data), `"alice"`)

	_, err := env.memory.AddMessage(context.Background(), "demo", "bob", "bye", false)
	require.NoError(t, err)
	code, _ = env.do(t, http.MethodDelete, "/rooms/demo", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"demo"}, env.provider.deleted)

	msgs, err := env.memory.GetHistory(context.Background(), "demo", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	code, _ = env.do(t, http.MethodGet, "/rooms/demo/archives", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestCreateTokenDefaultsToFullGrant(t *testing.T) {
	env := newTestEnv(t, false)

	code, resp := env.do(t, http.MethodPost, "/token", `{"room_name":"demo","participant_name":"alice","can_publish":false}`)
	require.Equal(t, http.StatusOK, code)
	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &body))

	claims, err := env.tokens.VerifyToken(body.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "demo", claims.Video.Room)
	require.NotNil(t, claims.Video.CanPublish)
	assert.False(t, *claims.Video.CanPublish)
	require.NotNil(t, claims.Video.CanSubscribe)
	assert.True(t, *claims.Video.CanSubscribe)

	code, _ = env.do(t, http.MethodPost, "/token", `{"room_name":"demo"}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestChatRequiresMatchingRoomToken(t *testing.T) {
	env := newTestEnv(t, true)
	tok, err := env.tokens.ParticipantToken("carol", "carol", "r1", true, true)
	require.NoError(t, err)

	code, _ := env.do(t, http.MethodPost, "/chat", `{"user_id":"mallory","message":"hi","room_id":"r1"}`)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = env.do(t, http.MethodPost, "/chat", `{"user_id":"mallory","message":"hi","room_id":"r2"}`, "Authorization", "Bearer "+tok)
	assert.Equal(t, http.StatusForbidden, code)

	code, resp := env.do(t, http.MethodPost, "/chat", `{"user_id":"mallory","message":"hi","room_id":"r1"}`, "Authorization", "Bearer "+tok)
	require.Equal(t, http.StatusOK, code)
	var result service.ChatResult
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	require.NotEmpty(t, result.Messages)
	assert.Equal(t, "carol", result.Messages[0].Sender)
}

func TestMemoryRoutesRequireRoomToken(t *testing.T) {
	env := newTestEnv(t, true)
	_, err := env.memory.AddMessage(context.Background(), "r1", "bob", "keep me", false)
	require.NoError(t, err)

	code, _ := env.do(t, http.MethodDelete, "/rooms/r1/memory", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = env.do(t, http.MethodGet, "/rooms/r1/archives", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	other, err := env.tokens.ParticipantToken("carol", "carol", "r2", true, true)
	require.NoError(t, err)
	code, _ = env.do(t, http.MethodDelete, "/rooms/r1/memory", "", "Authorization", "Bearer "+other)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = env.do(t, http.MethodGet, "/rooms/r1/archives", "", "Authorization", "Bearer "+other)
	assert.Equal(t, http.StatusForbidden, code)

	msgs, err := env.memory.GetHistory(context.Background(), "r1", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	tok, err := env.tokens.ParticipantToken("bob", "bob", "r1", true, true)
	require.NoError(t, err)
	code, _ = env.do(t, http.MethodDelete, "/rooms/r1/memory", "", "Authorization", "Bearer "+tok)
	require.Equal(t, http.StatusOK, code)

	msgs, err = env.memory.GetHistory(context.Background(), "r1", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

// limitRecorder 记录传给 GetHistory 的 limit。
type limitRecorder struct {
	service.MemoryService
	limit int
}

func (m *limitRecorder) GetHistory(ctx context.Context, roomID string, limit int) ([]model.Message, error) {
	m.limit = limit
	return m.MemoryService.GetHistory(ctx, roomID, limit)
}

func TestHistoryLimitIsCapped(t *testing.T) {
	env := newTestEnv(t, false)
	rec := &limitRecorder{MemoryService: env.memory}
	r := gin.New()
	r.GET("/rooms/:room/history", NewMemoryHandler(rec, nil, 20).History)

	get := func(path string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w.Code
	}

	require.Equal(t, http.StatusOK, get("/rooms/r1/history"))
	assert.Equal(t, 20, rec.limit)

	require.Equal(t, http.StatusOK, get("/rooms/r1/history?limit=5"))
	assert.Equal(t, 5, rec.limit)

	require.Equal(t, http.StatusOK, get("/rooms/r1/history?limit=1000000"))
	assert.Equal(t, maxHistoryLimit, rec.limit)
}

func TestStreamWebSocket(t *testing.T) {
	env := newTestEnv(t, false)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat/ws/r1?user=dave"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))

	var chunks []string
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame["type"] == "completion" {
			break
		}
		chunks = append(chunks, frame["chunk"].(string))
	}
	assert.Equal(t, "echo: ping", strings.Join(chunks, ""))

	// 完成帧在保存之前发送，等待记忆写入
	assert.Eventually(t, func() bool {
		msgs, err := env.memory.GetHistory(context.Background(), "r1", 10)
		return err == nil && len(msgs) == 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestIsStopCommand(t *testing.T) {
	assert.True(t, isStopCommand([]byte(`{"type":"stop"}`)))
	assert.False(t, isStopCommand([]byte(`{"type":"chat"}`)))
	assert.False(t, isStopCommand([]byte(`stop`)))
}
