package db

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"go.uber.org/zap"
)

const (
	DB_FILENAME             = "launcher.db"
	DB_INTERNAL_TABLENAME   = "internal-metadata"
	DB_TABLE_CATALOG_CACHE  = "catalog-cache"
	DB_SCHEMA_VERSION_KEY   = "schema_version"
	DB_SCHEMA_VERSION_VALUE = "1"
)

type PersistentDB struct {
	db     *bolt.DB
	logger *zap.SugaredLogger
}

// Cached copy of the last catalog that parsed successfully
type CachedCatalog struct {
	Etag    string
	Body    []byte
	Fetched time.Time
}

func NewPersistentDB(baseFolder string, l *zap.SugaredLogger) (*PersistentDB, error) {
	if l == nil {
		l = zap.S()
	}
	db, err := bolt.Open(filepath.Join(baseFolder, DB_FILENAME), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, FilesystemError("open cache db", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(DB_INTERNAL_TABLENAME))
		if err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
		return b.Put([]byte(DB_SCHEMA_VERSION_KEY), []byte(DB_SCHEMA_VERSION_VALUE))
	})
	if err != nil {
		l.Warnf("failed to save schema version - %v", err)
	}

	return &PersistentDB{db: db, logger: l}, nil
}

func (pd *PersistentDB) Close() error {
	return pd.db.Close()
}

func (pd *PersistentDB) ClearTable(tableName string) error {
	return pd.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket([]byte(tableName))
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}

func (pd *PersistentDB) AddEntry(tableName string, key string, value interface{}) error {
	var bytesBuff bytes.Buffer
	if err := gob.NewEncoder(&bytesBuff).Encode(value); err != nil {
		return err
	}
	return pd.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(tableName))
		if err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
		return b.Put([]byte(key), bytesBuff.Bytes())
	})
}

// GetEntry decodes the stored value into value, found is false when there is none
func (pd *PersistentDB) GetEntry(tableName string, key string, value interface{}) (bool, error) {
	found := false
	err := pd.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(tableName))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		return gob.NewDecoder(bytes.NewReader(v)).Decode(value)
	})
	return found, err
}

func (pd *PersistentDB) CachedCatalog(url string) (*CachedCatalog, bool) {
	cached := &CachedCatalog{}
	found, err := pd.GetEntry(DB_TABLE_CATALOG_CACHE, url, cached)
	if err != nil {
		pd.logger.Warnf("ignoring corrupted catalog cache for [%v] - %v", url, err)
		return nil, false
	}
	if !found || cached.Etag == "" {
		return nil, false
	}
	return cached, true
}

func (pd *PersistentDB) StoreCatalog(url string, etag string, body []byte) error {
	return pd.AddEntry(DB_TABLE_CATALOG_CACHE, url, CachedCatalog{Etag: etag, Body: body, Fetched: time.Now()})
}

func (pd *PersistentDB) ClearCatalogs() error {
	return pd.ClearTable(DB_TABLE_CATALOG_CACHE)
}
