// Package backup exports and imports the full repository key-value
// contents as an xz-compressed stream of length-prefixed records.
package backup

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/ulikunitz/xz"

	"github.com/arbor-db/arbor/internal/keyValStore"
)

// importBatchSize bounds how many records land in one write transaction
// during import.
const importBatchSize = 256

// Manager moves repository snapshots in and out of the key-value store.
type Manager struct {
	kv  *keyValStore.KeyValStore
	log *slog.Logger
}

// NewManager builds a backup manager over the key-value store.
func NewManager(kv *keyValStore.KeyValStore, log *slog.Logger) *Manager {
	return &Manager{kv: kv, log: log}
}

// Export writes every key-value pair to w as one xz stream. Each record is
// uvarint key length, key bytes, uvarint value length, value bytes.
func (m *Manager) Export(ctx context.Context, w io.Writer) error {
	items, err := m.kv.GetItemsWithPrefix(nil)
	if err != nil {
		return fmt.Errorf("scan store for export: %w", err)
	}

	xw, err := xz.NewWriter(w)
	if err != nil {
		return fmt.Errorf("open xz stream: %w", err)
	}

	var scratch [binary.MaxVarintLen64]byte
	written := 0
	for _, kv := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, part := range kv {
			n := binary.PutUvarint(scratch[:], uint64(len(part)))
			if _, err := xw.Write(scratch[:n]); err != nil {
				return fmt.Errorf("write export record: %w", err)
			}
			if _, err := xw.Write(part); err != nil {
				return fmt.Errorf("write export record: %w", err)
			}
		}
		written++
	}

	if err := xw.Close(); err != nil {
		return fmt.Errorf("close xz stream: %w", err)
	}
	m.log.Info("repository exported", "records", written)
	return nil
}

// Import reads an Export stream and writes its records back into the
// store, in batches, overwriting existing keys.
func (m *Manager) Import(ctx context.Context, r io.Reader) error {
	xr, err := xz.NewReader(bufio.NewReader(r))
	if err != nil {
		return fmt.Errorf("open xz stream: %w", err)
	}
	br := bufio.NewReader(xr)

	var batch [][2][]byte
	restored := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		key, err := readRecord(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read import record: %w", err)
		}
		value, err := readRecord(br)
		if err != nil {
			return fmt.Errorf("read import record for key %q: %w", key, err)
		}

		batch = append(batch, [2][]byte{key, value})
		restored++
		if len(batch) >= importBatchSize {
			if err := m.kv.WriteBatch(batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if err := m.kv.WriteBatch(batch); err != nil {
			return err
		}
	}

	m.log.Info("repository imported", "records", restored)
	return nil
}

func readRecord(r *bufio.Reader) ([]byte, error) {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("truncated record: %w", err)
	}
	return buf, nil
}
