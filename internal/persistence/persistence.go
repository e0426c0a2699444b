// Package persistence implements the durable item store over the badger
// key-value layer: JSON record codecs for node and property states,
// zstd-compressed frozen snapshots, version history records, the
// back-reference index and content-addressed storage of large binaries.
package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"

	"github.com/arbor-db/arbor/internal/keyValStore"
	"github.com/arbor-db/arbor/pkg/state"
	"github.com/arbor-db/arbor/pkg/types"
	"github.com/arbor-db/arbor/pkg/version"
)

func nodeKey(id types.NodeID) []byte { return []byte("n:" + id.String()) }

func propertyKey(id types.PropertyID) []byte {
	return []byte("p:" + id.ParentID.String() + "/" + id.Name)
}

func refKey(id types.NodeID) []byte { return []byte("r:" + id.String()) }

func historyKey(id types.HistoryID) []byte { return []byte("h:" + id.String()) }

func frozenKey(id types.NodeID) []byte { return []byte("f:" + id.String()) }

func chunkKey(hash string) []byte { return []byte("c:" + hash) }

func chunkRefKey(hash string) []byte { return []byte("cc:" + hash) }

// Store persists item states, version histories and frozen snapshots in
// the key-value layer. It implements both the state store and the version
// backend contracts.
type Store struct {
	kv  *keyValStore.KeyValStore
	log *slog.Logger
}

// NewStore wraps the key-value layer.
func NewStore(kv *keyValStore.KeyValStore, log *slog.Logger) *Store {
	return &Store{kv: kv, log: log}
}

// LoadNode implements state.Store.
func (s *Store) LoadNode(id types.NodeID) (*state.NodeState, error) {
	data, err := s.kv.Read(nodeKey(id))
	if err != nil {
		if errors.Is(err, keyValStore.ErrKeyNotFound) {
			return nil, fmt.Errorf("node %s: %w", id, state.ErrNotFound)
		}
		return nil, err
	}
	return decodeNode(data)
}

// LoadProperty implements state.Store.
func (s *Store) LoadProperty(id types.PropertyID) (*state.PropertyState, error) {
	data, err := s.kv.Read(propertyKey(id))
	if err != nil {
		if errors.Is(err, keyValStore.ErrKeyNotFound) {
			return nil, fmt.Errorf("property %s: %w", id, state.ErrNotFound)
		}
		return nil, err
	}

	var rec propertyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode property record %s: %w", id, err)
	}

	values := make([]types.Value, 0, len(rec.Values))
	for _, vr := range rec.Values {
		v := vr.Value
		if len(vr.Chunks) > 0 {
			bin, err := s.assembleBinary(vr.Chunks, vr.Size)
			if err != nil {
				return nil, fmt.Errorf("property %s: %w", id, err)
			}
			v.Bin = bin
		}
		values = append(values, v)
	}
	return state.NewPropertyState(id, rec.Def, values, types.StatusExisting), nil
}

// ChildInfos implements state.Store.
func (s *Store) ChildInfos(id types.NodeID) (state.ChildCursor, error) {
	n, err := s.LoadNode(id)
	if err != nil {
		return nil, err
	}
	return state.NewSliceCursor(n.Children()), nil
}

// References implements state.Store: the persisted reference properties
// pointing at the node, from the back-reference index.
func (s *Store) References(id types.NodeID) ([]types.PropertyID, error) {
	data, err := s.kv.Read(refKey(id))
	if err != nil {
		if errors.Is(err, keyValStore.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var refs []types.PropertyID
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil, fmt.Errorf("decode back-references of %s: %w", id, err)
	}
	return refs, nil
}

// Apply implements state.Store. The whole change set lands in one badger
// transaction, back-reference index maintenance included.
func (s *Store) Apply(cs state.ChangeSet) error {
	if cs.Empty() {
		return nil
	}
	return s.kv.Update(func(txn *badger.Txn) error {
		for _, p := range cs.Properties {
			if err := s.applyProperty(txn, p); err != nil {
				return err
			}
		}
		for _, n := range cs.Nodes {
			if err := s.applyNode(txn, n); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) applyNode(txn *badger.Txn, n *state.NodeState) error {
	if n.Status() == types.StatusExistingRemoved {
		if err := txn.Delete(nodeKey(n.ID)); err != nil {
			return fmt.Errorf("delete node %s: %w", n.ID, err)
		}
		if err := txn.Delete(refKey(n.ID)); err != nil {
			return fmt.Errorf("delete back-references of %s: %w", n.ID, err)
		}
		return nil
	}

	data, err := encodeNode(n)
	if err != nil {
		return err
	}
	if err := txn.Set(nodeKey(n.ID), data); err != nil {
		return fmt.Errorf("write node %s: %w", n.ID, err)
	}
	return nil
}

func (s *Store) applyProperty(txn *badger.Txn, p *state.PropertyState) error {
	old, err := storedRecord(txn, p.ID)
	if err != nil {
		return err
	}
	var oldTargets []types.NodeID
	var oldChunks []string
	if old != nil {
		oldTargets = referenceTargets(*old)
		oldChunks = recordChunks(*old)
	}

	var newTargets []types.NodeID
	if p.Status() == types.StatusExistingRemoved {
		if err := txn.Delete(propertyKey(p.ID)); err != nil {
			return fmt.Errorf("delete property %s: %w", p.ID, err)
		}
	} else {
		rec, err := s.encodeProperty(txn, p)
		if err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode property %s: %w", p.ID, err)
		}
		if err := txn.Set(propertyKey(p.ID), data); err != nil {
			return fmt.Errorf("write property %s: %w", p.ID, err)
		}
		newTargets = referenceTargets(rec)
	}

	// The new record already retained its chunks, so a shared chunk
	// survives the release of the old record's reference.
	if err := releaseChunks(txn, oldChunks); err != nil {
		return err
	}
	return updateBackrefs(txn, p.ID, oldTargets, newTargets)
}

// encodeProperty builds the property record, externalizing large binary
// payloads into content-addressed chunks written through txn.
func (s *Store) encodeProperty(txn *badger.Txn, p *state.PropertyState) (propertyRecord, error) {
	rec := propertyRecord{
		Parent: p.ID.ParentID,
		Name:   p.ID.Name,
		Type:   p.Type,
		Def:    p.Def,
	}
	for _, v := range p.Values() {
		vr := valueRecord{Value: v}
		if v.Type == types.TypeBinary && len(v.Bin) > inlineBinaryLimit {
			keys, err := chunkBinary(txn, v.Bin)
			if err != nil {
				return propertyRecord{}, fmt.Errorf("property %s: %w", p.ID, err)
			}
			vr.Chunks = keys
			vr.Size = len(v.Bin)
			vr.Value.Bin = nil
		}
		rec.Values = append(rec.Values, vr)
	}
	return rec, nil
}

func (s *Store) assembleBinary(keys []string, size int) ([]byte, error) {
	out := make([]byte, 0, size)
	for _, key := range keys {
		chunk, err := s.kv.Read(chunkKey(key))
		if err != nil {
			return nil, fmt.Errorf("read chunk %s: %w", key, err)
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// storedRecord reads the currently persisted record for id, or nil when
// none exists.
func storedRecord(txn *badger.Txn, id types.PropertyID) (*propertyRecord, error) {
	item, err := txn.Get(propertyKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read property %s: %w", id, err)
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("copy property %s: %w", id, err)
	}
	var rec propertyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode property record %s: %w", id, err)
	}
	return &rec, nil
}

// updateBackrefs reconciles the back-reference index entries of every
// target the property stopped or started pointing at.
func updateBackrefs(txn *badger.Txn, prop types.PropertyID, old, updated []types.NodeID) error {
	inNew := make(map[types.NodeID]struct{}, len(updated))
	for _, t := range updated {
		inNew[t] = struct{}{}
	}
	inOld := make(map[types.NodeID]struct{}, len(old))
	for _, t := range old {
		inOld[t] = struct{}{}
	}

	for _, target := range old {
		if _, keep := inNew[target]; keep {
			continue
		}
		if err := editBackrefs(txn, target, func(refs []types.PropertyID) []types.PropertyID {
			for i, r := range refs {
				if r == prop {
					return append(refs[:i], refs[i+1:]...)
				}
			}
			return refs
		}); err != nil {
			return err
		}
	}

	for _, target := range updated {
		if _, had := inOld[target]; had {
			continue
		}
		if err := editBackrefs(txn, target, func(refs []types.PropertyID) []types.PropertyID {
			for _, r := range refs {
				if r == prop {
					return refs
				}
			}
			return append(refs, prop)
		}); err != nil {
			return err
		}
	}
	return nil
}

func editBackrefs(txn *badger.Txn, target types.NodeID, edit func([]types.PropertyID) []types.PropertyID) error {
	var refs []types.PropertyID
	item, err := txn.Get(refKey(target))
	if err == nil {
		data, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("copy back-references of %s: %w", target, err)
		}
		if err := json.Unmarshal(data, &refs); err != nil {
			return fmt.Errorf("decode back-references of %s: %w", target, err)
		}
	} else if err != badger.ErrKeyNotFound {
		return fmt.Errorf("read back-references of %s: %w", target, err)
	}

	refs = edit(refs)
	if len(refs) == 0 {
		if err := txn.Delete(refKey(target)); err != nil {
			return fmt.Errorf("delete back-references of %s: %w", target, err)
		}
		return nil
	}
	data, err := json.Marshal(refs)
	if err != nil {
		return fmt.Errorf("encode back-references of %s: %w", target, err)
	}
	if err := txn.Set(refKey(target), data); err != nil {
		return fmt.Errorf("write back-references of %s: %w", target, err)
	}
	return nil
}

// PutHistory implements version.Backend.
func (s *Store) PutHistory(id types.HistoryID, data []byte) error {
	return s.kv.Write(historyKey(id), data)
}

// GetHistory implements version.Backend.
func (s *Store) GetHistory(id types.HistoryID) ([]byte, error) {
	data, err := s.kv.Read(historyKey(id))
	if err != nil {
		if errors.Is(err, keyValStore.ErrKeyNotFound) {
			return nil, fmt.Errorf("history %s: %w", id, version.ErrNotFound)
		}
		return nil, err
	}
	return data, nil
}

// PutFrozen implements version.Backend. Frozen snapshots are immutable and
// often repetitive, so they are stored zstd-compressed.
func (s *Store) PutFrozen(id types.NodeID, data []byte) error {
	compressed, err := compress(data)
	if err != nil {
		return fmt.Errorf("compress frozen %s: %w", id, err)
	}
	return s.kv.Write(frozenKey(id), compressed)
}

// GetFrozen implements version.Backend.
func (s *Store) GetFrozen(id types.NodeID) ([]byte, error) {
	data, err := s.kv.Read(frozenKey(id))
	if err != nil {
		if errors.Is(err, keyValStore.ErrKeyNotFound) {
			return nil, fmt.Errorf("frozen %s: %w", id, version.ErrNotFound)
		}
		return nil, err
	}
	plain, err := decompress(data)
	if err != nil {
		return nil, fmt.Errorf("decompress frozen %s: %w", id, err)
	}
	return plain, nil
}

// DeleteFrozen implements version.Backend.
func (s *Store) DeleteFrozen(id types.NodeID) error {
	return s.kv.Delete(frozenKey(id))
}

func compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	out := encoder.EncodeAll(data, nil)
	if err := encoder.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()
	return decoder.DecodeAll(data, nil)
}
