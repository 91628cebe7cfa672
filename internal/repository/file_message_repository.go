package repository

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"roomchat-go/internal/model"
	"roomchat-go/pkg/log"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	logExt    = ".jsonl"
	legacyExt = ".json"
	// 单行消息的最大长度
	maxLineBytes = 16 << 20
)

// fileRecord 是日志文件中的一行。
type fileRecord struct {
	ID        string `json:"id,omitempty"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	IsAI      bool   `json:"is_ai"`
}

type fileMessageRepository struct {
	dir   string
	locks sync.Map // room id -> *sync.Mutex
}

// NewFileMessageRepository 创建一个基于本地文件的消息仓库，每个房间一个追加写的 JSON Lines 文件。
func NewFileMessageRepository(dir string) (MessageRepository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history dir: %w", err)
	}
	return &fileMessageRepository{dir: dir}, nil
}

func (r *fileMessageRepository) Semantic() bool { return false }

func (r *fileMessageRepository) lock(roomID string) func() {
	v, _ := r.locks.LoadOrStore(roomID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (r *fileMessageRepository) paths(roomID string) (logPath, legacyPath string, err error) {
	if err := ValidateRoomID(roomID); err != nil {
		return "", "", err
	}
	name := url.PathEscape(roomID)
	legacyName := name
	if safeFileName(roomID) {
		// 旧文件按原始房间 ID 命名，未做转义
		legacyName = roomID
	}
	return filepath.Join(r.dir, name+logExt), filepath.Join(r.dir, legacyName+legacyExt), nil
}

// safeFileName 判断房间 ID 能否直接作为单个文件名使用。
func safeFileName(roomID string) bool {
	return !strings.ContainsAny(roomID, `/\`) && roomID != "." && roomID != ".." && filepath.Base(roomID) == roomID
}

// Append 以追加方式写入一行。若房间只有旧格式文件，先将其迁移为 JSON Lines。
func (r *fileMessageRepository) Append(_ context.Context, msg *model.Message) error {
	logPath, legacyPath, err := r.paths(msg.RoomID)
	if err != nil {
		return err
	}
	defer r.lock(msg.RoomID)()

	if err := r.migrateLegacy(msg.RoomID, logPath, legacyPath); err != nil {
		return err
	}

	line, err := json.Marshal(toFileRecord(msg))
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open history log: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("failed to append history log: %w", err)
	}
	return f.Close()
}

func (r *fileMessageRepository) History(_ context.Context, roomID string, limit int) ([]model.Message, error) {
	logPath, legacyPath, err := r.paths(roomID)
	if err != nil {
		return nil, err
	}
	defer r.lock(roomID)()

	msgs, err := r.load(roomID, logPath, legacyPath)
	if err != nil {
		return nil, err
	}
	return tail(msgs, limit), nil
}

// Relevant 对文件后端而言就是最近 k 条消息。
func (r *fileMessageRepository) Relevant(ctx context.Context, roomID, _ string, k int) ([]model.Message, error) {
	return r.History(ctx, roomID, k)
}

func (r *fileMessageRepository) DeleteRoom(_ context.Context, roomID string) error {
	logPath, legacyPath, err := r.paths(roomID)
	if err != nil {
		return err
	}
	defer r.lock(roomID)()

	for _, p := range []string{logPath, legacyPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}

func (r *fileMessageRepository) ListRooms(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read history dir: %w", err)
	}
	seen := make(map[string]struct{})
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch {
		case strings.HasSuffix(name, logExt):
			roomID, err := url.PathUnescape(strings.TrimSuffix(name, logExt))
			if err != nil {
				continue
			}
			seen[roomID] = struct{}{}
		case strings.HasSuffix(name, legacyExt):
			seen[strings.TrimSuffix(name, legacyExt)] = struct{}{}
		}
	}
	rooms := make([]string, 0, len(seen))
	for id := range seen {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	return rooms, nil
}

// load 读取房间日志。没有 JSON Lines 文件时读取旧的整体数组文件。
// 内容损坏的文件会被改名为 .corrupt-<unix> 并视为空。
func (r *fileMessageRepository) load(roomID, logPath, legacyPath string) ([]model.Message, error) {
	msgs, err := readLog(roomID, logPath)
	if err == nil {
		return msgs, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		msgs, err = readLegacy(roomID, legacyPath)
		if err == nil {
			return msgs, nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return []model.Message{}, nil
		}
		return r.quarantine(roomID, legacyPath, err)
	}
	return r.quarantine(roomID, logPath, err)
}

// corruptError 表示文件可读但内容无法解析。
type corruptError struct{ err error }

func (e *corruptError) Error() string { return "corrupt history: " + e.err.Error() }
func (e *corruptError) Unwrap() error { return e.err }

func (r *fileMessageRepository) quarantine(roomID, path string, cause error) ([]model.Message, error) {
	var ce *corruptError
	if !errors.As(cause, &ce) {
		return nil, cause
	}
	aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	log.Errorf("[FileMessageRepository] 房间 %s 的聊天记录已损坏，移动到 %s: %v", roomID, filepath.Base(aside), cause)
	if err := os.Rename(path, aside); err != nil {
		log.Errorf("[FileMessageRepository] 移动损坏文件失败: %v", err)
	}
	return []model.Message{}, nil
}

func readLog(roomID, path string) ([]model.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	msgs := []model.Message{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec fileRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, &corruptError{err}
		}
		msg, err := rec.toMessage(roomID, len(msgs))
		if err != nil {
			return nil, &corruptError{err}
		}
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, &corruptError{err}
	}
	return msgs, nil
}

func readLegacy(roomID, path string) ([]model.Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var recs []fileRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, &corruptError{err}
	}
	msgs := make([]model.Message, 0, len(recs))
	for i, rec := range recs {
		msg, err := rec.toMessage(roomID, i)
		if err != nil {
			return nil, &corruptError{err}
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// migrateLegacy 把旧的数组文件整体转写为 JSON Lines，然后删除旧文件。
func (r *fileMessageRepository) migrateLegacy(roomID, logPath, legacyPath string) error {
	if _, err := os.Stat(logPath); err == nil || !errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if _, err := os.Stat(legacyPath); err != nil {
		return nil
	}
	msgs, err := readLegacy(roomID, legacyPath)
	if err != nil {
		_, qerr := r.quarantine(roomID, legacyPath, err)
		return qerr
	}

	tmp, err := os.CreateTemp(r.dir, ".migrate-*")
	if err != nil {
		return fmt.Errorf("failed to create temp log: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for i := range msgs {
		line, _ := json.Marshal(toFileRecord(&msgs[i]))
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write temp log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), logPath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to install migrated log: %w", err)
	}
	log.Infof("[FileMessageRepository] 房间 %s 的 %d 条旧记录已迁移为 JSON Lines", roomID, len(msgs))
	return os.Remove(legacyPath)
}

func toFileRecord(msg *model.Message) fileRecord {
	return fileRecord{
		ID:        msg.ID,
		Sender:    msg.Sender,
		Text:      msg.Text,
		Timestamp: msg.Timestamp.Format(time.RFC3339Nano),
		IsAI:      msg.IsAI,
	}
}

func (rec fileRecord) toMessage(roomID string, index int) (model.Message, error) {
	ts, err := parseTimestamp(rec.Timestamp)
	if err != nil {
		return model.Message{}, fmt.Errorf("bad timestamp %q: %w", rec.Timestamp, err)
	}
	id := rec.ID
	if id == "" {
		id = fmt.Sprintf("%s-%d", roomID, index)
	}
	return model.Message{
		ID:        id,
		RoomID:    roomID,
		Sender:    rec.Sender,
		Text:      rec.Text,
		Timestamp: ts,
		IsAI:      rec.IsAI,
	}, nil
}
