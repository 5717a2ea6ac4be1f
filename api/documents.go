package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/fulldump/box"

	"github.com/fulldump/objectdb/database"
	"github.com/fulldump/objectdb/engine"
	"github.com/fulldump/objectdb/transaction"
)

type RowResponse struct {
	Key      engine.ObjectKey `json:"key"`
	Document engine.Document  `json:"document"`
}

func writeRows(w http.ResponseWriter, rows []database.Row) {
	e := json.NewEncoder(w)
	for _, row := range rows {
		e.Encode(RowResponse{Key: row.Key, Document: row.Document}) // todo: handle err?
	}
}

func decodeDocuments(r *http.Request) ([]engine.Document, error) {
	docs := []engine.Document{}
	jsonReader := json.NewDecoder(r.Body)
	for {
		item := engine.Document{}
		err := jsonReader.Decode(&item)
		if err == io.EOF {
			return docs, nil
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, item)
	}
}

// insert reads a stream of JSON documents and inserts all of them in a
// single write.
func insert(ctx context.Context, w http.ResponseWriter, r *http.Request) error {

	db := GetDatabase(ctx)
	className := box.GetUrlParameter(ctx, "className")

	docs, err := decodeDocuments(r)
	if err != nil {
		return err
	}

	if len(docs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	keys, _, err := database.WriteValue(ctx, db, func(ctx context.Context, tx *transaction.Write) ([]engine.ObjectKey, error) {
		keys := make([]engine.ObjectKey, 0, len(docs))
		for _, doc := range docs {
			key, err := tx.Insert(ctx, className, doc)
			if err != nil {
				return nil, err
			}
			keys = append(keys, key)
		}
		return keys, nil
	})
	if err != nil {
		return err
	}

	rows := make([]database.Row, len(keys))
	for i, key := range keys {
		rows[i] = database.Row{Key: key, Document: docs[i]}
	}

	w.WriteHeader(http.StatusCreated)
	writeRows(w, rows)
	return nil
}

// upsert reads a stream of JSON documents and stores each one over the
// object with the same primary key, in a single write. Responds 201 when
// at least one object was created.
func upsert(ctx context.Context, w http.ResponseWriter, r *http.Request) error {

	db := GetDatabase(ctx)
	className := box.GetUrlParameter(ctx, "className")

	docs, err := decodeDocuments(r)
	if err != nil {
		return err
	}

	created := false
	keys, _, err := database.WriteValue(ctx, db, func(ctx context.Context, tx *transaction.Write) ([]engine.ObjectKey, error) {
		keys := make([]engine.ObjectKey, 0, len(docs))
		for _, doc := range docs {
			key, inserted, err := tx.Upsert(ctx, className, doc)
			if err != nil {
				return nil, err
			}
			created = created || inserted
			keys = append(keys, key)
		}
		return keys, nil
	})
	if err != nil {
		return err
	}

	rows := make([]database.Row, len(keys))
	for i, key := range keys {
		rows[i] = database.Row{Key: key, Document: docs[i]}
	}

	if created {
		w.WriteHeader(http.StatusCreated)
	}
	writeRows(w, rows)
	return nil
}

type FindRequest struct {
	Filter engine.Document `json:"filter"`
	Skip   int             `json:"skip"`
	Limit  int             `json:"limit"`
}

func decodeBody(r *http.Request, input any) error {
	err := json.NewDecoder(r.Body).Decode(input)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func find(ctx context.Context, w http.ResponseWriter, r *http.Request) error {

	input := &FindRequest{}
	if err := decodeBody(r, input); err != nil {
		return err
	}

	db := GetDatabase(ctx)
	className := box.GetUrlParameter(ctx, "className")

	rows, err := db.Find(ctx, className, input.Filter, input.Skip, input.Limit)
	if err != nil {
		return err
	}

	writeRows(w, rows)
	return nil
}

type PatchRequest struct {
	Filter engine.Document `json:"filter"`
	Patch  engine.Document `json:"patch"`
	Limit  int             `json:"limit"`
}

// patch applies the same patch to every object matching the filter in a
// single write and returns the patched objects.
func patch(ctx context.Context, w http.ResponseWriter, r *http.Request) error {

	input := &PatchRequest{}
	if err := decodeBody(r, input); err != nil {
		return err
	}

	db := GetDatabase(ctx)
	className := box.GetUrlParameter(ctx, "className")

	keys, _, err := database.WriteValue(ctx, db, func(ctx context.Context, tx *transaction.Write) ([]engine.ObjectKey, error) {
		rows, err := tx.Query(ctx, className, input.Filter)
		if err != nil {
			return nil, err
		}
		keys := []engine.ObjectKey{}
		for _, row := range rows {
			if input.Limit > 0 && len(keys) >= input.Limit {
				break
			}
			if err := tx.Update(ctx, className, row.Key, input.Patch); err != nil {
				return nil, err
			}
			keys = append(keys, row.Key)
		}
		return keys, nil
	})
	if err != nil {
		return err
	}

	rows := []database.Row{}
	for _, key := range keys {
		doc, found, err := db.Object(ctx, className, key)
		if err != nil {
			return err
		}
		if found {
			rows = append(rows, database.Row{Key: key, Document: doc})
		}
	}

	writeRows(w, rows)
	return nil
}

type RemoveRequest struct {
	Filter engine.Document `json:"filter"`
	Limit  int             `json:"limit"`
}

// remove deletes every object matching the filter in a single write and
// returns the removed objects.
func remove(ctx context.Context, w http.ResponseWriter, r *http.Request) error {

	input := &RemoveRequest{}
	if err := decodeBody(r, input); err != nil {
		return err
	}

	db := GetDatabase(ctx)
	className := box.GetUrlParameter(ctx, "className")

	removed, _, err := database.WriteValue(ctx, db, func(ctx context.Context, tx *transaction.Write) ([]database.Row, error) {
		rows, err := tx.Query(ctx, className, input.Filter)
		if err != nil {
			return nil, err
		}
		if input.Limit > 0 && len(rows) > input.Limit {
			rows = rows[:input.Limit]
		}
		for _, row := range rows {
			if err := tx.Delete(ctx, className, row.Key); err != nil {
				return nil, err
			}
		}
		return rows, nil
	})
	if err != nil {
		return err
	}

	writeRows(w, removed)
	return nil
}
