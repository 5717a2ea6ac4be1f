package api

import (
	"context"

	"github.com/fulldump/objectdb/database"
	"github.com/fulldump/objectdb/engine"
)

type DatabaseResponse struct {
	Name    string         `json:"name"`
	Status  string         `json:"status"`
	Version engine.Version `json:"version"`
}

func getDatabase(ctx context.Context) *DatabaseResponse {
	db := GetDatabase(ctx)
	return &DatabaseResponse{
		Name:    db.Name(),
		Status:  db.GetStatus(),
		Version: db.Version(),
	}
}

func getVersions(ctx context.Context) (*database.Versions, error) {
	return GetDatabase(ctx).Versions()
}
