package api

import (
	"context"
	"net/http"

	"github.com/fulldump/box"

	"github.com/fulldump/objectdb/engine"
	"github.com/fulldump/objectdb/schema"
)

func listClasses(ctx context.Context) ([]engine.ClassSchema, error) {
	return GetDatabase(ctx).Classes()
}

type CreateClassesRequest struct {
	Classes []engine.ClassSchema `json:"classes"`
}

type CreateClassesResponse struct {
	Version engine.Version       `json:"version"`
	Classes []engine.ClassSchema `json:"classes"`
}

func createClasses(ctx context.Context, w http.ResponseWriter, input *CreateClassesRequest) (*CreateClassesResponse, error) {

	db := GetDatabase(ctx)

	version, err := db.AddClasses(ctx, input.Classes...)
	if err != nil {
		return nil, err
	}

	classes, err := db.Classes()
	if err != nil {
		return nil, err
	}

	w.WriteHeader(http.StatusCreated)
	return &CreateClassesResponse{
		Version: version,
		Classes: classes,
	}, nil
}

func getClass(ctx context.Context) (*schema.ClassMetadata, error) {
	className := box.GetUrlParameter(ctx, "className")
	return GetDatabase(ctx).Class(className)
}
