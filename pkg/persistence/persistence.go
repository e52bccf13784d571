package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "persistence")

// Service 持久化服务接口
type Service interface {
	NewStore(prefix, id, tag string) Store
	Close() error
}

// Store 存储接口。Save/Load 以整份文档为单位，写入原子化。
type Store interface {
	Save(data interface{}) error
	Load(data interface{}) error
}

// ErrNotExists 表示数据不存在
var ErrNotExists = errors.New("persistence data not exists")

func storeKey(prefix, id, tag string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, id, tag)
}

// JSONFileService 基于 JSON 文件的持久化服务
type JSONFileService struct {
	baseDir string
}

// NewJSONFileService 创建 JSON 文件持久化服务
func NewJSONFileService(baseDir string) *JSONFileService {
	return &JSONFileService{baseDir: baseDir}
}

// NewStore 创建新的存储
func (s *JSONFileService) NewStore(prefix, id, tag string) Store {
	return &JSONFileStore{service: s, key: storeKey(prefix, id, tag)}
}

// Close 文件存储无需释放资源
func (s *JSONFileService) Close() error { return nil }

// JSONFileStore JSON 文件存储实现
type JSONFileStore struct {
	service *JSONFileService
	key     string
}

var keySanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func (s *JSONFileStore) filePath() string {
	// key 形如 "state:<id>:<tag>"，这里做文件名安全化
	safe := keySanitizer.ReplaceAllString(s.key, "_")
	return filepath.Join(s.service.baseDir, safe+".json")
}

// Save 写临时文件后 rename，进程崩溃时不会留下半份快照
func (s *JSONFileStore) Save(data interface{}) error {
	log.Debugf("Save: key=%s", s.key)
	if err := os.MkdirAll(s.service.baseDir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	path := s.filePath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load 加载数据
func (s *JSONFileStore) Load(data interface{}) error {
	log.Debugf("Load: key=%s", s.key)
	b, err := os.ReadFile(s.filePath())
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotExists
		}
		return err
	}
	if len(b) == 0 {
		return ErrNotExists
	}
	return json.Unmarshal(b, data)
}
