package database

import (
	"context"
	"fmt"

	"github.com/fulldump/objectdb/engine"
	"github.com/fulldump/objectdb/transaction"
	"github.com/fulldump/objectdb/utils"
)

// InsertValue inserts any JSON-marshalable value as a document.
func InsertValue[T any](ctx context.Context, w *transaction.Write, className string, value T) (engine.ObjectKey, error) {
	doc := engine.Document{}
	if err := utils.Remarshal(value, &doc); err != nil {
		return 0, fmt.Errorf("encode %s: %w", className, err)
	}
	return w.Insert(ctx, className, doc)
}

func Decode[T any](doc engine.Document) (T, error) {
	var value T
	if err := utils.Remarshal(doc, &value); err != nil {
		return value, fmt.Errorf("decode: %w", err)
	}
	return value, nil
}

func DecodeAll[T any](docs []engine.Document) ([]T, error) {
	values := make([]T, 0, len(docs))
	for i, doc := range docs {
		value, err := Decode[T](doc)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		values = append(values, value)
	}
	return values, nil
}
