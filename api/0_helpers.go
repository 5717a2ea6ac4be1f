package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/fulldump/box"

	"github.com/fulldump/objectdb/database"
	"github.com/fulldump/objectdb/dberr"
)

type PrettyError struct {
	Message     string `json:"message"`
	Description string `json:"description"`
}

func (p PrettyError) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"error": struct {
			Message     string `json:"message"`
			Description string `json:"description"`
		}{
			p.Message,
			p.Description,
		},
	})
}

func (p PrettyError) MarshalTo(w io.Writer) error {
	return json.NewEncoder(w).Encode(p)
}

var ErrUnavailable = errors.New("temporary unavailable")

func InterceptorUnavailable(db *database.Database) box.I {
	return func(next box.H) box.H {
		return func(ctx context.Context) {

			status := db.GetStatus()
			if status != database.StatusOperating {
				box.SetError(ctx, fmt.Errorf("%w: %s", ErrUnavailable, status))
				return
			}
			next(ctx)
		}
	}
}

func writePrettyError(w http.ResponseWriter, status int, err error, description string) {
	w.WriteHeader(status)
	PrettyError{
		Message:     err.Error(),
		Description: description,
	}.MarshalTo(w)
}

func PrettyErrorInterceptor(next box.H) box.H {
	return func(ctx context.Context) {

		next(ctx)

		err := box.GetError(ctx)
		if err == nil {
			return
		}
		w := box.GetResponse(ctx)

		if errors.Is(err, ErrUnavailable) {
			writePrettyError(w, http.StatusServiceUnavailable, err, "database is not operating")
			return
		}

		if err == box.ErrResourceNotFound {
			writePrettyError(w, http.StatusNotFound, err, fmt.Sprintf("resource '%s' not found", box.GetRequest(ctx).URL.String()))
			return
		}

		if err == box.ErrMethodNotAllowed {
			writePrettyError(w, http.StatusMethodNotAllowed, err, fmt.Sprintf("method '%s' not allowed", box.GetRequest(ctx).Method))
			return
		}

		syntaxError := &json.SyntaxError{}
		if errors.As(err, &syntaxError) {
			writePrettyError(w, http.StatusBadRequest, err, "Malformed JSON")
			return
		}

		schemaMismatch := &dberr.SchemaMismatchError{}
		if errors.As(err, &schemaMismatch) {
			writePrettyError(w, http.StatusNotFound, err, "class or property not found in the schema")
			return
		}

		illegalState := &dberr.IllegalStateError{}
		if errors.As(err, &illegalState) {
			writePrettyError(w, http.StatusConflict, err, "operation not allowed in the current state")
			return
		}

		useAfterRelease := &dberr.UseAfterReleaseError{}
		if errors.As(err, &useAfterRelease) {
			writePrettyError(w, http.StatusGone, err, "resource already released")
			return
		}

		writePrettyError(w, http.StatusInternalServerError, err, "Unexpected error")
	}
}
