// Package cache stores compiled chunks on disk keyed by the content hash
// of their source and compile settings, so unchanged programs skip
// recompilation.
package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"

	"github.com/AlhaqGH/PohLang-sub002/bytecode"
)

var log = commonlog.GetLogger("pohlang.cache")

const entrySuffix = ".pbc.cache"

// cborEncMode holds CBOR encoding options with canonical mode for
// deterministic encoding.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cache: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Entry is the on-disk envelope around a serialized chunk.
type Entry struct {
	Key        []byte    `cbor:"key"`
	SourceFile string    `cbor:"source_file"`
	CreatedAt  time.Time `cbor:"created_at"`
	Passes     uint8     `cbor:"passes"`
	Chunk      []byte    `cbor:"chunk"`
}

// MarshalEntry serializes an Entry to CBOR bytes.
func MarshalEntry(e *Entry) ([]byte, error) {
	return cborEncMode.Marshal(e)
}

// UnmarshalEntry deserializes an Entry from CBOR bytes.
func UnmarshalEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := cbor.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("cache: unmarshal entry: %w", err)
	}
	return &e, nil
}

// Key derives the content hash identifying one compilation: it covers the
// source bytes, the optimizer pass selection, and both format versions, so
// any change to input or toolchain misses the cache.
func Key(source []byte, opts bytecode.Options) [32]byte {
	buf := make([]byte, 0, len(source)+16)
	buf = append(buf, 0x01) // cache key format tag
	var word [4]byte
	binary.BigEndian.PutUint32(word[:], bytecode.ContainerVersion)
	buf = append(buf, word[:]...)
	binary.BigEndian.PutUint32(word[:], bytecode.ChunkVersion)
	buf = append(buf, word[:]...)
	buf = append(buf, passBits(opts))
	binary.BigEndian.PutUint32(word[:], uint32(len(source)))
	buf = append(buf, word[:]...)
	buf = append(buf, source...)
	return sha256.Sum256(buf)
}

func passBits(opts bytecode.Options) uint8 {
	var b uint8
	if opts.ConstantFolding {
		b |= 1 << 0
	}
	if opts.InstructionFusion {
		b |= 1 << 1
	}
	if opts.Peephole {
		b |= 1 << 2
	}
	if opts.DeadCode {
		b |= 1 << 3
	}
	return b
}

// Store is a disk-backed chunk cache with an in-memory index. Safe for
// concurrent use.
type Store struct {
	dir string

	mu      sync.RWMutex
	entries map[[32]byte]string // key -> entry file path
}

// Open creates the cache directory if needed and indexes any existing
// entries in it.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: creating %s: %w", dir, err)
	}
	s := &Store{dir: dir, entries: make(map[[32]byte]string)}

	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cache: reading %s: %w", dir, err)
	}
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, entrySuffix) {
			continue
		}
		raw, err := hex.DecodeString(strings.TrimSuffix(name, entrySuffix))
		if err != nil || len(raw) != 32 {
			continue
		}
		var key [32]byte
		copy(key[:], raw)
		s.entries[key] = filepath.Join(dir, name)
	}
	log.Debugf("opened %s with %d entries", dir, len(s.entries))
	return s, nil
}

// Get returns the cached chunk for a key. A corrupt or mismatched entry
// counts as a miss and is evicted.
func (s *Store) Get(key [32]byte) (*bytecode.Chunk, bool) {
	s.mu.RLock()
	path, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Warningf("evicting unreadable entry %s: %v", path, err)
		s.evict(key, path)
		return nil, false
	}
	entry, err := UnmarshalEntry(data)
	if err != nil {
		log.Warningf("evicting corrupt entry %s: %v", path, err)
		s.evict(key, path)
		return nil, false
	}
	if len(entry.Key) != 32 || [32]byte(entry.Key) != key {
		log.Warningf("evicting entry %s: key mismatch", path)
		s.evict(key, path)
		return nil, false
	}
	chunk, err := bytecode.Deserialize(entry.Chunk)
	if err != nil {
		log.Warningf("evicting entry %s: %v", path, err)
		s.evict(key, path)
		return nil, false
	}
	log.Debugf("hit %x (%s)", key[:8], entry.SourceFile)
	return chunk, true
}

// Put stores a compiled chunk under its key.
func (s *Store) Put(key [32]byte, sourceFile string, opts bytecode.Options, chunk *bytecode.Chunk) error {
	raw, err := bytecode.Serialize(chunk)
	if err != nil {
		return err
	}
	entry := &Entry{
		Key:        key[:],
		SourceFile: sourceFile,
		CreatedAt:  time.Now().UTC(),
		Passes:     passBits(opts),
		Chunk:      raw,
	}
	data, err := MarshalEntry(entry)
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, hex.EncodeToString(key[:])+entrySuffix)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("cache: writing %s: %w", path, err)
	}
	s.mu.Lock()
	s.entries[key] = path
	s.mu.Unlock()
	log.Debugf("stored %x (%s, %d bytes)", key[:8], sourceFile, len(data))
	return nil
}

// Count returns the number of indexed entries.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Clear removes every entry from the index and from disk.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for key, path := range s.entries {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
		delete(s.entries, key)
	}
	return firstErr
}

func (s *Store) evict(key [32]byte, path string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	os.Remove(path)
}
