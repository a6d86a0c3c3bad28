package checkpoint

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var bucketIndex = []byte("xpt_index")

// Index maps checkpoint keys to the rank and logical offset of their
// record in the log, so a value can be fetched without replaying the
// whole stripe.
type Index struct {
	db *bolt.DB
}

// Entry locates one record.
type Entry struct {
	Rank   int
	Offset int64
}

// OpenIndex opens (or creates) the index database in dir.
func OpenIndex(dir string) (*Index, error) {
	dbPath := filepath.Join(dir, "xpt-index.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIndex)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index bucket: %w", err)
	}
	return &Index{db: db}, nil
}

// Put records where a key's value lives.
func (ix *Index) Put(key []byte, e Entry) error {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[:4], uint32(e.Rank))
	binary.LittleEndian.PutUint64(buf[4:], uint64(e.Offset))
	return ix.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIndex).Put(key, buf[:])
	})
}

// Get looks a key up; found is false when the key was never indexed.
func (ix *Index) Get(key []byte) (e Entry, found bool, err error) {
	err = ix.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketIndex).Get(key)
		if data == nil {
			return nil
		}
		if len(data) != 12 {
			return fmt.Errorf("corrupt index entry for %q", key)
		}
		found = true
		e.Rank = int(binary.LittleEndian.Uint32(data[:4]))
		e.Offset = int64(binary.LittleEndian.Uint64(data[4:]))
		return nil
	})
	return e, found, err
}

// Close closes the database.
func (ix *Index) Close() error {
	return ix.db.Close()
}
