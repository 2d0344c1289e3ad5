package store

import (
	"context"
	"encoding/binary"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/stratofs/stratofs/pkg/status"
)

// BadgerStore persists blocks in BadgerDB, one value per block index.
// Blocks never written read back as zeros, so a fresh database presents
// as a zeroed device of the configured geometry.
type BadgerStore struct {
	db         *badger.DB
	blockSize  uint32
	blockCount uint64
	ownsDB     bool
}

// BadgerStoreConfig configures a BadgerDB-backed store.
type BadgerStoreConfig struct {
	// DBPath is the database directory. Ignored when BadgerOptions is set.
	DBPath string

	// BadgerOptions overrides the defaults entirely when non-nil.
	BadgerOptions *badger.Options

	// BlockSize is the block size in bytes.
	BlockSize uint32

	// BlockCount is the device size in blocks.
	BlockCount uint64
}

// NewBadgerStore opens (or creates) the database and presents it as a
// block device of the configured geometry.
func NewBadgerStore(ctx context.Context, config BadgerStoreConfig) (*BadgerStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if config.BlockSize == 0 || config.BlockCount == 0 {
		return nil, status.Errorf(status.InvalidArgument, "zero block size or count")
	}

	var opts badger.Options
	if config.BadgerOptions != nil {
		opts = *config.BadgerOptions
	} else {
		opts = badger.DefaultOptions(config.DBPath)
		opts = opts.WithLoggingLevel(badger.WARNING)
		// Block payloads are fixed-size binary; compression buys little.
		opts = opts.WithCompression(options.None)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", config.DBPath, err)
	}

	return &BadgerStore{
		db:         db,
		blockSize:  config.BlockSize,
		blockCount: config.BlockCount,
		ownsDB:     true,
	}, nil
}

func (s *BadgerStore) BlockSize() uint32  { return s.blockSize }
func (s *BadgerStore) BlockCount() uint64 { return s.blockCount }

// blockKey is the fixed-width big-endian block index, which keeps
// Badger's iteration order equal to device order.
func blockKey(index uint64) []byte {
	key := make([]byte, 9)
	key[0] = 'b'
	binary.BigEndian.PutUint64(key[1:], index)
	return key
}

func (s *BadgerStore) ReadAt(ctx context.Context, p []byte, off uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkRange(s.blockSize, s.blockCount, len(p), off); err != nil {
		return err
	}

	bs := uint64(s.blockSize)
	first := off / bs
	count := uint64(len(p)) / bs

	return s.db.View(func(txn *badger.Txn) error {
		for i := uint64(0); i < count; i++ {
			dst := p[i*bs : (i+1)*bs]
			item, err := txn.Get(blockKey(first + i))
			if err == badger.ErrKeyNotFound {
				for j := range dst {
					dst[j] = 0
				}
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to read block %d: %w", first+i, err)
			}
			if _, err := item.ValueCopy(dst[:0]); err != nil {
				return fmt.Errorf("failed to copy block %d: %w", first+i, err)
			}
		}
		return nil
	})
}

func (s *BadgerStore) WriteAt(ctx context.Context, p []byte, off uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkRange(s.blockSize, s.blockCount, len(p), off); err != nil {
		return err
	}

	bs := uint64(s.blockSize)
	first := off / bs
	count := uint64(len(p)) / bs

	batch := s.db.NewWriteBatch()
	defer batch.Cancel()
	for i := uint64(0); i < count; i++ {
		val := make([]byte, bs)
		copy(val, p[i*bs:(i+1)*bs])
		if err := batch.Set(blockKey(first+i), val); err != nil {
			return fmt.Errorf("failed to stage block %d: %w", first+i, err)
		}
	}
	if err := batch.Flush(); err != nil {
		return fmt.Errorf("failed to commit block batch: %w", err)
	}
	return nil
}

func (s *BadgerStore) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Sync()
}

func (s *BadgerStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
