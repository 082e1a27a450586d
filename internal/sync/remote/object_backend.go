package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/golang/snappy"

	apperrors "github.com/kimhsiao/bounceback/backend/internal/errors"
	"github.com/kimhsiao/bounceback/backend/internal/models"
)

const (
	keyRoot   = "tables"
	keySuffix = ".json.sz"
)

// ObjectBackend stores one snappy-compressed JSON object per row in an ObjectStore:
//
//	tables/<table>/<owner>/<id>.json.sz
type ObjectBackend struct {
	store ObjectStore
}

// NewObjectBackend creates a Backend over store.
func NewObjectBackend(store ObjectStore) *ObjectBackend {
	return &ObjectBackend{store: store}
}

func ownerPrefix(table, ownerID string) string {
	return path.Join(keyRoot, table, ownerID) + "/"
}

// RowKey returns the object key of a row.
func RowKey(table, ownerID, id string) string {
	return ownerPrefix(table, ownerID) + id + keySuffix
}

func validSegment(s string) bool {
	return s != "" && !strings.ContainsAny(s, "/\\") && s != "." && s != ".."
}

func rowIdentity(table string, row models.Row) (owner, id string, err error) {
	owner = row.String(models.ColumnOwnerID)
	id = row.String(models.ColumnID)
	if !validSegment(table) || !validSegment(owner) || !validSegment(id) {
		return "", "", apperrors.New(apperrors.ErrInvalid,
			fmt.Sprintf("row in %q needs a plain id and owner_id", table))
	}
	return owner, id, nil
}

func encodeRow(row models.Row) ([]byte, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, data), nil
}

func decodeRow(data []byte) (models.Row, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("decompress row: %w", err)
	}
	var row models.Row
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return row, nil
}

// Select implements Backend. Rows are returned ordered by id.
func (b *ObjectBackend) Select(ctx context.Context, table, ownerID string) ([]models.Row, error) {
	if !validSegment(table) || !validSegment(ownerID) {
		return nil, apperrors.New(apperrors.ErrInvalid, "select needs a table and owner")
	}
	keys, err := b.store.List(ctx, ownerPrefix(table, ownerID))
	if err != nil {
		return nil, apperrors.Network("select "+table, err)
	}
	sort.Strings(keys)

	rows := make([]models.Row, 0, len(keys))
	for _, key := range keys {
		if !strings.HasSuffix(key, keySuffix) {
			continue
		}
		data, err := b.store.Download(ctx, key)
		if errors.Is(err, ErrObjectNotFound) {
			// Deleted between List and Download.
			continue
		}
		if err != nil {
			return nil, apperrors.Network("select "+table, err)
		}
		row, err := decodeRow(data)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrSyncFailed, "corrupt remote object "+key, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Get implements RowGetter.
func (b *ObjectBackend) Get(ctx context.Context, table, ownerID, id string) (models.Row, error) {
	if !validSegment(table) || !validSegment(ownerID) || !validSegment(id) {
		return nil, apperrors.New(apperrors.ErrInvalid, "get needs table, owner and id")
	}
	key := RowKey(table, ownerID, id)
	data, err := b.store.Download(ctx, key)
	if errors.Is(err, ErrObjectNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Network("get "+table, err)
	}
	row, err := decodeRow(data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncFailed, "corrupt remote object "+key, err)
	}
	return row, nil
}

func (b *ObjectBackend) put(ctx context.Context, verb, table string, row models.Row) error {
	owner, id, err := rowIdentity(table, row)
	if err != nil {
		return err
	}
	data, err := encodeRow(row)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "encode row", err)
	}
	if err := b.store.Upload(ctx, RowKey(table, owner, id), data); err != nil {
		return apperrors.Network(verb+" "+table, err)
	}
	return nil
}

// Insert implements Backend.
func (b *ObjectBackend) Insert(ctx context.Context, table string, row models.Row) error {
	return b.put(ctx, "insert", table, row)
}

// Update implements Backend.
func (b *ObjectBackend) Update(ctx context.Context, table string, row models.Row) error {
	return b.put(ctx, "update", table, row)
}

// Delete implements Backend.
func (b *ObjectBackend) Delete(ctx context.Context, table, ownerID, id string) error {
	if !validSegment(table) || !validSegment(ownerID) || !validSegment(id) {
		return apperrors.New(apperrors.ErrInvalid, "delete needs table, owner and id")
	}
	err := b.store.Delete(ctx, RowKey(table, ownerID, id))
	if err != nil && !errors.Is(err, ErrObjectNotFound) {
		return apperrors.Network("delete "+table, err)
	}
	return nil
}
