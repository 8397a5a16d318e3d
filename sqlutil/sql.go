package sqlutil

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// WithTransaction runs a block of code passing in an SQL transaction
// If the code returns an error or panics then the transactions is rolled back
// Otherwise the transaction is committed.
func WithTransaction(db *sqlx.DB, fn func(txn *sqlx.Tx) error) (err error) {
	txn, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("WithTransaction.Begin: %w", err)
	}

	defer func() {
		panicErr := recover()
		if err == nil && panicErr != nil {
			err = fmt.Errorf("panic: %v", panicErr)
		}
		var txnErr error
		if err != nil {
			txnErr = txn.Rollback()
		} else {
			txnErr = txn.Commit()
		}
		if txnErr != nil && err == nil {
			err = fmt.Errorf("WithTransaction failed to commit/rollback: %w", txnErr)
		}
	}()

	err = fn(txn)
	return
}

// Chunker is anything that can be sliced up into contiguous subslices.
type Chunker interface {
	Len() int
	Subslice(i, j int) Chunker
}

// Chunkify splits a batch insert into chunks small enough to stay under
// Postgres' placeholder limit. numParamsPerRow is the number of bind
// params each row consumes; maxParams is the driver limit (65535 for pq).
func Chunkify(numParamsPerRow int, maxParams int, entries Chunker) []Chunker {
	rowsPerChunk := maxParams / numParamsPerRow
	if entries.Len() <= rowsPerChunk {
		return []Chunker{entries}
	}
	var chunks []Chunker
	for i := 0; i < entries.Len(); i += rowsPerChunk {
		endIndex := i + rowsPerChunk
		if endIndex > entries.Len() {
			endIndex = entries.Len()
		}
		chunks = append(chunks, entries.Subslice(i, endIndex))
	}
	return chunks
}
