package kpi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/syndtr/goleveldb/leveldb"
)

// Store persists KPI records by name. Reads of an unknown name return no
// records and no error.
type Store interface {
	WriteLatest(name string, records []float64) error
	ReadLatest(name string) ([]float64, error)
	WriteHistory(name string, records []float64) error
	ReadHistory(name string) ([]float64, error)
	Close() error
}

// Directory names used by FileStore beneath its root.
const (
	LatestDir  = "latest_kpis"
	HistoryDir = "history"
)

// FileStore keeps one file per KPI, one JSON value per line:
// <root>/latest_kpis/<name>_factor.txt and <root>/history/<name>_factor.txt.
type FileStore struct {
	fs   afero.Afero
	root string
}

// NewFileStore returns a FileStore rooted at root on fs.
func NewFileStore(fs afero.Fs, root string) *FileStore {
	return &FileStore{fs: afero.Afero{Fs: fs}, root: root}
}

// NewOSFileStore returns a FileStore on the local disk.
func NewOSFileStore(root string) *FileStore {
	return NewFileStore(afero.NewOsFs(), root)
}

func (s *FileStore) path(dir, name string) string {
	return filepath.Join(s.root, dir, name+"_factor.txt")
}

// LatestPath returns the file holding the latest records for name.
func (s *FileStore) LatestPath(name string) string { return s.path(LatestDir, name) }

// HistoryPath returns the file holding the history records for name.
func (s *FileStore) HistoryPath(name string) string { return s.path(HistoryDir, name) }

func (s *FileStore) write(path string, records []float64) error {
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "mkdir %s", filepath.Dir(path))
	}
	var buf bytes.Buffer
	for _, v := range records {
		line, err := json.Marshal(v)
		if err != nil {
			return errors.Wrapf(err, "encode %v", v)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := s.fs.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}

func (s *FileStore) read(path string) ([]float64, error) {
	ok, err := s.fs.Exists(path)
	if err != nil {
		return nil, errors.Wrapf(err, "stat %s", path)
	}
	if !ok {
		return nil, nil
	}
	data, err := s.fs.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	var out []float64
	sc := bufio.NewScanner(bytes.NewReader(data))
	for line := 1; sc.Scan(); line++ {
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		var v float64
		if err := json.Unmarshal(text, &v); err != nil {
			return nil, errors.Wrapf(err, "%s:%d", path, line)
		}
		out = append(out, v)
	}
	return out, sc.Err()
}

func (s *FileStore) WriteLatest(name string, records []float64) error {
	return s.write(s.LatestPath(name), records)
}

func (s *FileStore) ReadLatest(name string) ([]float64, error) {
	return s.read(s.LatestPath(name))
}

func (s *FileStore) WriteHistory(name string, records []float64) error {
	return s.write(s.HistoryPath(name), records)
}

func (s *FileStore) ReadHistory(name string) ([]float64, error) {
	return s.read(s.HistoryPath(name))
}

func (s *FileStore) Close() error { return nil }

// LevelDBStore keeps records as JSON arrays under latest/<name> and
// history/<name>.
type LevelDBStore struct {
	db *leveldb.DB
}

// OpenLevelDBStore opens (or creates) a LevelDB database at path.
func OpenLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open leveldb %s", path)
	}
	return NewLevelDBStore(db), nil
}

// NewLevelDBStore wraps an open database. Close closes it.
func NewLevelDBStore(db *leveldb.DB) *LevelDBStore {
	return &LevelDBStore{db: db}
}

func (s *LevelDBStore) put(key string, records []float64) error {
	if records == nil {
		records = []float64{}
	}
	val, err := json.Marshal(records)
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	return errors.Wrapf(s.db.Put([]byte(key), val, nil), "put %s", key)
}

func (s *LevelDBStore) get(key string) ([]float64, error) {
	val, err := s.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", key)
	}
	var out []float64
	if err := json.Unmarshal(val, &out); err != nil {
		return nil, errors.Wrapf(err, "decode %s", key)
	}
	return out, nil
}

func (s *LevelDBStore) WriteLatest(name string, records []float64) error {
	return s.put("latest/"+name, records)
}

func (s *LevelDBStore) ReadLatest(name string) ([]float64, error) {
	return s.get("latest/" + name)
}

func (s *LevelDBStore) WriteHistory(name string, records []float64) error {
	return s.put("history/"+name, records)
}

func (s *LevelDBStore) ReadHistory(name string) ([]float64, error) {
	return s.get("history/" + name)
}

func (s *LevelDBStore) Close() error { return s.db.Close() }

// OpenStore opens a store by kind ("file" or "leveldb") rooted at root.
func OpenStore(kind, root string) (Store, error) {
	switch kind {
	case "", "file":
		return NewOSFileStore(root), nil
	case "leveldb":
		return OpenLevelDBStore(filepath.Join(root, "kpis.leveldb"))
	default:
		return nil, errors.Errorf("kpi: unknown store %q", kind)
	}
}
