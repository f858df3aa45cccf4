// Package storage is the Storage Facade (C4): an opaque namespaced
// key/value store with transactional begin/commit sessions (spec §4.4),
// built directly on go.etcd.io/bbolt with one bucket per namespace.
// bbolt's own Begin(writable) already returns a session-shaped *bolt.Tx;
// this facade exposes that same transaction as an explicit begin/commit
// session rather than Update/View callbacks, and falls back to logging
// and continuing on in-memory state when the disk write itself fails.
package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/jangala-dev/nodecore/errcode"
)

// Namespace names used by the core (spec §4.4).
const (
	NSWifiConfig     = "wifi_config"
	NSZoneConfig     = "zone_config"
	NSSystemConfig   = "system_config"
	NSSensorConfig   = "sensor_config"
	NSActuatorConfig = "actuator_config"
	NSSubzoneConfig  = "subzone_config"
)

// MaxKeyLen is the key length limit spec §4.4 imposes (≤15 ASCII chars).
const MaxKeyLen = 15

// Facade wraps a bbolt database with the typed, namespaced session API.
type Facade struct {
	db  *bolt.DB
	log *zap.SugaredLogger
}

// Open opens (or creates) the database file at path with a 5 s open
// timeout and an array freelist.
func Open(path string, log *zap.SugaredLogger) (*Facade, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open %q: %w", path, err)
	}
	return &Facade{db: db, log: log}, nil
}

// Close closes the underlying database file.
func (f *Facade) Close() error { return f.db.Close() }

// ClearNamespace deletes every key in namespace (factory reset, spec §6:
// "wifi_config and zone_config MUST be cleared"). A namespace that was
// never opened is a no-op, not an error.
func (f *Facade) ClearNamespace(namespace string) error {
	return f.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(namespace)) == nil {
			return nil
		}
		if err := tx.DeleteBucket([]byte(namespace)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(namespace))
		return err
	})
}

// Session is a namespaced, transactional begin/commit handle (spec §4.4).
// A read-only session may only be used with Get*; a writable session
// must be Commit'd to durably apply Put*/Erase calls.
type Session struct {
	tx       *bolt.Tx
	bucket   *bolt.Bucket
	readOnly bool
}

// Begin opens a session against namespace. Session-open failure is
// non-fatal (spec §4.4: "the core continues with in-memory state") —
// callers should check the returned NAMESPACE_OPEN_FAILED error and fall
// back to whatever in-memory record they already hold.
func (f *Facade) Begin(namespace string, readOnly bool) (*Session, error) {
	tx, err := f.db.Begin(!readOnly)
	if err != nil {
		f.log.Warnw("storage begin failed", "namespace", namespace, "err", err)
		return nil, errcode.NamespaceOpenFailed
	}

	var bucket *bolt.Bucket
	if readOnly {
		bucket = tx.Bucket([]byte(namespace))
		if bucket == nil {
			_ = tx.Rollback()
			return nil, errcode.NamespaceOpenFailed
		}
	} else {
		bucket, err = tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			_ = tx.Rollback()
			f.log.Warnw("storage bucket create failed", "namespace", namespace, "err", err)
			return nil, errcode.NamespaceOpenFailed
		}
	}
	return &Session{tx: tx, bucket: bucket, readOnly: readOnly}, nil
}

// Commit durably applies a writable session's mutations.
func (s *Session) Commit() error {
	if s.readOnly {
		return s.tx.Rollback()
	}
	if err := s.tx.Commit(); err != nil {
		return errcode.NVSWriteFailed
	}
	return nil
}

// Abandon discards a session without committing — used when the caller
// decides mid-session that no change should be persisted.
func (s *Session) Abandon() error { return s.tx.Rollback() }

func validateKey(key string) error {
	if len(key) == 0 || len(key) > MaxKeyLen {
		return errcode.NVSWriteFailed
	}
	return nil
}

// PutBool stores a boolean scalar.
func (s *Session) PutBool(key string, v bool) error {
	if err := validateKey(key); err != nil {
		return err
	}
	b := byte(0)
	if v {
		b = 1
	}
	if err := s.bucket.Put([]byte(key), []byte{b}); err != nil {
		return errcode.NVSWriteFailed
	}
	return nil
}

// GetBool retrieves a boolean scalar, returning def if absent.
func (s *Session) GetBool(key string, def bool) bool {
	raw := s.bucket.Get([]byte(key))
	if len(raw) != 1 {
		return def
	}
	return raw[0] != 0
}

// PutU8 stores a single-byte unsigned scalar.
func (s *Session) PutU8(key string, v uint8) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.bucket.Put([]byte(key), []byte{v}); err != nil {
		return errcode.NVSWriteFailed
	}
	return nil
}

// GetU8 retrieves a single-byte unsigned scalar, returning def if absent.
func (s *Session) GetU8(key string, def uint8) uint8 {
	raw := s.bucket.Get([]byte(key))
	if len(raw) != 1 {
		return def
	}
	return raw[0]
}

// PutU16 stores a little-endian 16-bit unsigned scalar.
func (s *Session) PutU16(key string, v uint16) error {
	if err := validateKey(key); err != nil {
		return err
	}
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, v)
	if err := s.bucket.Put([]byte(key), buf); err != nil {
		return errcode.NVSWriteFailed
	}
	return nil
}

// GetU16 retrieves a little-endian 16-bit unsigned scalar.
func (s *Session) GetU16(key string, def uint16) uint16 {
	raw := s.bucket.Get([]byte(key))
	if len(raw) != 2 {
		return def
	}
	return binary.LittleEndian.Uint16(raw)
}

// PutU32 stores a little-endian 32-bit unsigned scalar.
func (s *Session) PutU32(key string, v uint32) error {
	if err := validateKey(key); err != nil {
		return err
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	if err := s.bucket.Put([]byte(key), buf); err != nil {
		return errcode.NVSWriteFailed
	}
	return nil
}

// GetU32 retrieves a little-endian 32-bit unsigned scalar.
func (s *Session) GetU32(key string, def uint32) uint32 {
	raw := s.bucket.Get([]byte(key))
	if len(raw) != 4 {
		return def
	}
	return binary.LittleEndian.Uint32(raw)
}

// PutString stores a string value verbatim.
func (s *Session) PutString(key string, v string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.bucket.Put([]byte(key), []byte(v)); err != nil {
		return errcode.NVSWriteFailed
	}
	return nil
}

// GetString retrieves a string value, returning def if absent.
func (s *Session) GetString(key string, def string) string {
	raw := s.bucket.Get([]byte(key))
	if raw == nil {
		return def
	}
	return string(raw)
}

// Erase removes key from the session's namespace.
func (s *Session) Erase(key string) error {
	if err := s.bucket.Delete([]byte(key)); err != nil {
		return errcode.NVSWriteFailed
	}
	return nil
}
