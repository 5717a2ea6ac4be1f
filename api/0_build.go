package api

import (
	"context"
	"net/http"

	"github.com/fulldump/box"
	"github.com/fulldump/box/boxopenapi"

	"github.com/fulldump/objectdb/database"
)

func Build(db *database.Database, version string) *box.B {

	b := box.NewBox()

	v1 := b.Resource("/v1")
	v1.WithInterceptors(
		injectDatabase(db),
	)

	v1.Resource("/database").
		WithActions(
			box.Get(getDatabase),
		)

	v1.Resource("/versions").
		WithActions(
			box.Get(getVersions),
		)

	v1.Resource("/classes").
		WithActions(
			box.Get(listClasses),
			box.Post(createClasses),
		)

	v1.Resource("/classes/{className}").
		WithActions(
			box.Get(getClass),
			box.ActionPost(insert),
			box.ActionPost(upsert),
			box.ActionPost(find),
			box.ActionPost(patch),
			box.ActionPost(remove),
		)

	v1.Resource("/classes/{className}/watch").
		WithActions(
			box.Get(watch),
		)

	b.Resource("/release").
		WithActions(box.Get(func() string {
			return version
		}))

	spec := boxopenapi.Spec(b)
	spec.Info.Title = "objectdb"
	spec.Info.Description = "Inspector for an embedded versioned object database."
	b.Handle("GET", "/openapi.json", func(r *http.Request) any {

		spec.Servers = []boxopenapi.Server{
			{
				Url: "http://" + r.Host,
			},
		}

		return spec
	})

	return b
}

const ContextDatabaseKey = "b1f4e6d2-7c3a-11ef-a5c8-0242ac120002"

func injectDatabase(db *database.Database) box.I {
	return func(next box.H) box.H {
		return func(ctx context.Context) {
			next(SetDatabase(ctx, db))
		}
	}
}

func SetDatabase(ctx context.Context, db *database.Database) context.Context {
	return context.WithValue(ctx, ContextDatabaseKey, db)
}

func GetDatabase(ctx context.Context) *database.Database {
	return ctx.Value(ContextDatabaseKey).(*database.Database)
}
