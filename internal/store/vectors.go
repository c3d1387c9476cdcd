package store

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// Embeddings are little-endian float64 blobs tagged with the model that
// produced them. Rows of a previous model stay until PruneVectors.

func encodeVector(vec []float64) []byte {
	buf := make([]byte, 0, len(vec)*8)
	for _, v := range vec {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}
	return buf
}

func decodeVector(buf []byte) ([]float64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("vector blob of %d bytes", len(buf))
	}
	vec := make([]float64, len(buf)/8)
	for i := range vec {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec, nil
}

// PutVector stores the embedding of a record, replacing any earlier one.
func (db *DB) PutVector(recordID, model string, vec []float64) error {
	_, err := db.Exec(`
		INSERT INTO vectors (record_id, embedding, model, dimensions, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET
			embedding = excluded.embedding,
			model = excluded.model,
			dimensions = excluded.dimensions,
			created_at = excluded.created_at
	`, recordID, encodeVector(vec), model, len(vec), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put vector %s: %w", recordID, err)
	}
	return nil
}

// Vector returns the embedding of a record produced by model, or nil when
// there is none.
func (db *DB) Vector(recordID, model string) ([]float64, error) {
	var blob []byte
	err := db.QueryRow(`SELECT embedding FROM vectors WHERE record_id = ? AND model = ?`,
		recordID, model).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vector %s: %w", recordID, err)
	}
	return decodeVector(blob)
}

// Vectors returns every embedding produced by model, keyed by record id.
func (db *DB) Vectors(model string) (map[string][]float64, error) {
	rows, err := db.Query(`SELECT record_id, embedding FROM vectors WHERE model = ?`, model)
	if err != nil {
		return nil, fmt.Errorf("vectors: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]float64)
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("vector %s: %w", id, err)
		}
		out[id] = vec
	}
	return out, rows.Err()
}

// PruneVectors deletes embeddings produced by any model other than keep.
func (db *DB) PruneVectors(keep string) (int64, error) {
	res, err := db.Exec(`DELETE FROM vectors WHERE model != ?`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune vectors: %w", err)
	}
	return res.RowsAffected()
}
