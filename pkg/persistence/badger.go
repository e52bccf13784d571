package persistence

import (
	"encoding/json"
	"errors"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerService 基于 Badger 的持久化服务，适合与凭据库放在同一块数据盘上
type BadgerService struct {
	db *badger.DB
}

// NewBadgerService 打开（或创建）Badger 目录
func NewBadgerService(dir string) (*BadgerService, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, err
	}
	return &BadgerService{db: db}, nil
}

// NewStore 创建新的存储
func (s *BadgerService) NewStore(prefix, id, tag string) Store {
	return &badgerStore{db: s.db, key: []byte(storeKey(prefix, id, tag))}
}

// Close 关闭数据库
func (s *BadgerService) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type badgerStore struct {
	db  *badger.DB
	key []byte
}

func (s *badgerStore) Save(data interface{}) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	log.Debugf("Save: key=%s bytes=%d", s.key, len(b))
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key, b)
	})
}

func (s *badgerStore) Load(data interface{}) error {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key)
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotExists
	}
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return ErrNotExists
	}
	return json.Unmarshal(raw, data)
}
