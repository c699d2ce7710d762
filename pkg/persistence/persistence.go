package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/betbot/botfleet/pkg/logger"
)

// Service 持久化服务接口
type Service interface {
	NewStore(prefix, id string) Store
	List(prefix string) ([]string, error)
}

// Store 存储接口：整文档读写
type Store interface {
	Save(data interface{}) error
	Load(data interface{}) error
	Delete() error
}

// ErrNotExists 表示数据不存在
var ErrNotExists = errors.New("persistence data not exists")

// JSONFileService 基于 JSON 文件的持久化服务
// 文件布局: <baseDir>/<prefix>/<id>.json
type JSONFileService struct {
	baseDir string
}

// NewJSONFileService 创建 JSON 文件持久化服务
func NewJSONFileService(baseDir string) *JSONFileService {
	return &JSONFileService{baseDir: baseDir}
}

// NewStore 创建新的存储
func (s *JSONFileService) NewStore(prefix, id string) Store {
	return &JSONFileStore{
		dir: filepath.Join(s.baseDir, sanitize(prefix)),
		id:  id,
	}
}

// List 列出某个 prefix 下已保存的 id（按字典序）
func (s *JSONFileService) List(prefix string) ([]string, error) {
	dir := filepath.Join(s.baseDir, sanitize(prefix))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "list %s", dir)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, ok := unescape(strings.TrimSuffix(name, ".json"))
		if !ok {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// JSONFileStore JSON 文件存储实现
type JSONFileStore struct {
	dir string
	id  string
}

var keySanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func sanitize(s string) string {
	return keySanitizer.ReplaceAllString(s, "_")
}

// id 可能是邮箱等任意字符串，文件名做可逆转义（%XX）
func escape(id string) string {
	var b strings.Builder
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.' || c == '@' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte("0123456789ABCDEF"[c>>4])
		b.WriteByte("0123456789ABCDEF"[c&0x0f])
	}
	return b.String()
}

func unescape(name string) (string, bool) {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(name) {
			return "", false
		}
		hi, ok1 := fromHex(name[i+1])
		lo, ok2 := fromHex(name[i+2])
		if !ok1 || !ok2 {
			return "", false
		}
		b.WriteByte(hi<<4 | lo)
		i += 2
	}
	return b.String(), true
}

func fromHex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}

func (s *JSONFileStore) filePath() string {
	return filepath.Join(s.dir, escape(s.id)+".json")
}

// Save 保存数据（先写临时文件再 rename，保证整文档原子替换）
func (s *JSONFileStore) Save(data interface{}) error {
	logger.Debugf("[persistence] Save: %s", s.filePath())
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrap(err, "mkdir")
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal")
	}

	path := s.filePath()
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "write temp")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "close temp")
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, "rename %s", path)
	}
	return nil
}

// Load 加载数据
func (s *JSONFileStore) Load(data interface{}) error {
	path := s.filePath()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotExists
		}
		return errors.Wrapf(err, "read %s", path)
	}
	if len(b) == 0 {
		return ErrNotExists
	}
	return errors.Wrapf(json.Unmarshal(b, data), "decode %s", path)
}

// Delete 删除文档（不存在时不报错）
func (s *JSONFileStore) Delete() error {
	if err := os.Remove(s.filePath()); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "delete")
	}
	return nil
}
