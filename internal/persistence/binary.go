package persistence

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	chunker "github.com/ipfs/boxo/chunker"
)

// inlineBinaryLimit is the largest binary payload stored inline in a
// property record. Anything bigger is split into content-addressed chunks.
const inlineBinaryLimit = 4 * 1024

// chunkBinary splits data with a buzhash content-defined chunker and writes
// each chunk under its SHA-512 key, bumping the chunk's reference count.
// It returns the ordered chunk keys.
func chunkBinary(txn *badger.Txn, data []byte) ([]string, error) {
	bz := chunker.NewBuzhash(bytes.NewReader(data))

	var keys []string
	for {
		chunk, err := bz.NextBytes()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("chunk binary value: %w", err)
		}
		sum := sha512.Sum512(chunk)
		key := hex.EncodeToString(sum[:])
		if err := txn.Set(chunkKey(key), chunk); err != nil {
			return nil, fmt.Errorf("write chunk %s: %w", key, err)
		}
		if err := retainChunk(txn, key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func readChunkRef(txn *badger.Txn, key string) (int, error) {
	item, err := txn.Get(chunkRefKey(key))
	if err == badger.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read chunk refcount %s: %w", key, err)
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return 0, fmt.Errorf("copy chunk refcount %s: %w", key, err)
	}
	count, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("corrupt chunk refcount %s: %w", key, err)
	}
	return count, nil
}

func retainChunk(txn *badger.Txn, key string) error {
	count, err := readChunkRef(txn, key)
	if err != nil {
		return err
	}
	if err := txn.Set(chunkRefKey(key), []byte(strconv.Itoa(count+1))); err != nil {
		return fmt.Errorf("write chunk refcount %s: %w", key, err)
	}
	return nil
}

// releaseChunks drops one reference per key, deleting a chunk together
// with its count record when the last referencing property value goes
// away. Chunks are content-addressed, so the same record may be shared by
// several properties; only the final release reclaims it.
func releaseChunks(txn *badger.Txn, keys []string) error {
	for _, key := range keys {
		count, err := readChunkRef(txn, key)
		if err != nil {
			return err
		}
		if count > 1 {
			if err := txn.Set(chunkRefKey(key), []byte(strconv.Itoa(count-1))); err != nil {
				return fmt.Errorf("write chunk refcount %s: %w", key, err)
			}
			continue
		}
		if err := txn.Delete(chunkRefKey(key)); err != nil {
			return fmt.Errorf("delete chunk refcount %s: %w", key, err)
		}
		if err := txn.Delete(chunkKey(key)); err != nil {
			return fmt.Errorf("delete chunk %s: %w", key, err)
		}
	}
	return nil
}
