package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/fulldump/apitest"
	"github.com/fulldump/biff"
	"github.com/fulldump/box"

	"github.com/fulldump/objectdb/database"
	"github.com/fulldump/objectdb/engine"
	"github.com/fulldump/objectdb/logging"
)

type JSON = map[string]interface{}

var personSchema = []engine.ClassSchema{
	{
		Name:       "Person",
		PrimaryKey: "id",
		Properties: []engine.PropertySchema{
			{Name: "id", Type: "string"},
			{Name: "name", Type: "string"},
			{Name: "age", Type: "int", Optional: true},
		},
	},
}

func build(db *database.Database) *box.B {
	b := Build(db, "test")
	b.WithInterceptors(
		InterceptorUnavailable(db),
		RecoverFromPanic,
		PrettyErrorInterceptor,
	)
	return b
}

func decodeRows(body string) []RowResponse {
	rows := []RowResponse{}
	dec := json.NewDecoder(strings.NewReader(body))
	for dec.More() {
		row := RowResponse{}
		biff.AssertNil(dec.Decode(&row))
		rows = append(rows, row)
	}
	return rows
}

func TestAcceptance(t *testing.T) {

	biff.Alternative("Setup", func(a *biff.A) {

		db, err := database.Open(&database.Config{Schema: personSchema, Logger: logging.Discard})
		biff.AssertNil(err)
		defer db.Close()

		api := apitest.NewWithHandler(build(db))

		a.Alternative("Get database", func(a *biff.A) {
			resp := api.Request("GET", "/v1/database").Do()
			biff.AssertEqual(resp.StatusCode, http.StatusOK)
			biff.AssertEqualJson(resp.BodyJson(), JSON{
				"name":    "memory",
				"status":  "operating",
				"version": 0,
			})
		})

		a.Alternative("List classes", func(a *biff.A) {
			resp := api.Request("GET", "/v1/classes").Do()
			biff.AssertEqual(resp.StatusCode, http.StatusOK)
			classes := resp.BodyJson().([]interface{})
			biff.AssertEqual(len(classes), 1)
			biff.AssertEqual(classes[0].(JSON)["name"], "Person")
		})

		a.Alternative("Create classes", func(a *biff.A) {
			resp := api.Request("POST", "/v1/classes").
				WithBodyJson(JSON{
					"classes": []JSON{
						{
							"name":        "Pet",
							"primary_key": "name",
							"properties":  []JSON{{"name": "name", "type": "string"}},
						},
					},
				}).Do()
			biff.AssertEqual(resp.StatusCode, http.StatusCreated)
			body := resp.BodyJson().(JSON)
			biff.AssertEqual(body["version"], 1.0)
			biff.AssertEqual(len(body["classes"].([]interface{})), 2)

			resp = api.Request("GET", "/v1/classes/Pet").Do()
			biff.AssertEqual(resp.StatusCode, http.StatusOK)
			biff.AssertEqual(resp.BodyJson().(JSON)["primary_key"], "name")
		})

		a.Alternative("Unknown class", func(a *biff.A) {
			resp := api.Request("GET", "/v1/classes/Car").Do()
			biff.AssertEqual(resp.StatusCode, http.StatusNotFound)

			resp = api.Request("POST", "/v1/classes/Car:insert").
				WithBodyString(`{"id":"1"}`).Do()
			biff.AssertEqual(resp.StatusCode, http.StatusNotFound)
		})

		a.Alternative("Malformed JSON", func(a *biff.A) {
			resp := api.Request("POST", "/v1/classes/Person:find").
				WithBodyString(`{"filter":}`).Do()
			biff.AssertEqual(resp.StatusCode, http.StatusBadRequest)
		})

		a.Alternative("Insert", func(a *biff.A) {
			resp := api.Request("POST", "/v1/classes/Person:insert").
				WithBodyString(`{"id":"1","name":"Alice","age":30}` + "\n" + `{"id":"2","name":"Bob","age":40}`).Do()
			biff.AssertEqual(resp.StatusCode, http.StatusCreated)
			inserted := decodeRows(resp.BodyString())
			biff.AssertEqual(len(inserted), 2)
			biff.AssertEqual(inserted[1].Document["name"], "Bob")

			a.Alternative("Find", func(a *biff.A) {
				resp := api.Request("POST", "/v1/classes/Person:find").
					WithBodyJson(JSON{"filter": JSON{"name": "Alice"}}).Do()
				biff.AssertEqual(resp.StatusCode, http.StatusOK)
				rows := decodeRows(resp.BodyString())
				biff.AssertEqual(len(rows), 1)
				biff.AssertEqual(rows[0].Key, inserted[0].Key)
			})

			a.Alternative("Find with skip and limit", func(a *biff.A) {
				resp := api.Request("POST", "/v1/classes/Person:find").
					WithBodyJson(JSON{"skip": 1, "limit": 1}).Do()
				rows := decodeRows(resp.BodyString())
				biff.AssertEqual(len(rows), 1)
				biff.AssertEqual(rows[0].Document["name"], "Bob")
			})

			a.Alternative("Duplicated primary key", func(a *biff.A) {
				resp := api.Request("POST", "/v1/classes/Person:insert").
					WithBodyString(`{"id":"1","name":"Again"}`).Do()
				biff.AssertEqual(resp.StatusCode, http.StatusConflict)

				resp = api.Request("GET", "/v1/database").Do()
				biff.AssertEqual(resp.BodyJson().(JSON)["version"], 1.0)
			})

			a.Alternative("Patch", func(a *biff.A) {
				resp := api.Request("POST", "/v1/classes/Person:patch").
					WithBodyJson(JSON{
						"filter": JSON{"name": "Bob"},
						"patch":  JSON{"age": 41},
					}).Do()
				biff.AssertEqual(resp.StatusCode, http.StatusOK)
				rows := decodeRows(resp.BodyString())
				biff.AssertEqual(len(rows), 1)
				biff.AssertEqual(rows[0].Document["age"], 41.0)
			})

			a.Alternative("Remove", func(a *biff.A) {
				resp := api.Request("POST", "/v1/classes/Person:remove").
					WithBodyJson(JSON{"filter": JSON{"name": "Alice"}}).Do()
				biff.AssertEqual(resp.StatusCode, http.StatusOK)
				biff.AssertEqual(len(decodeRows(resp.BodyString())), 1)

				resp = api.Request("POST", "/v1/classes/Person:find").Do()
				rows := decodeRows(resp.BodyString())
				biff.AssertEqual(len(rows), 1)
				biff.AssertEqual(rows[0].Document["name"], "Bob")
			})

			a.Alternative("Upsert", func(a *biff.A) {
				resp := api.Request("POST", "/v1/classes/Person:upsert").
					WithBodyString(`{"id":"1","name":"Alicia"}` + "\n" + `{"id":"3","name":"Carol"}`).Do()
				biff.AssertEqual(resp.StatusCode, http.StatusCreated)
				rows := decodeRows(resp.BodyString())
				biff.AssertEqual(len(rows), 2)
				biff.AssertEqual(rows[0].Key, inserted[0].Key)

				resp = api.Request("POST", "/v1/classes/Person:find").
					WithBodyJson(JSON{"filter": JSON{"id": "1"}}).Do()
				found := decodeRows(resp.BodyString())
				biff.AssertEqual(len(found), 1)
				biff.AssertEqual(found[0].Document["name"], "Alicia")
				_, hasAge := found[0].Document["age"]
				biff.AssertFalse(hasAge)

				resp = api.Request("POST", "/v1/classes/Person:upsert").
					WithBodyString(`{"id":"3","name":"Carol"}`).Do()
				biff.AssertEqual(resp.StatusCode, http.StatusOK)

				resp = api.Request("POST", "/v1/classes/Person:upsert").
					WithBodyString(`{"name":"Nobody"}`).Do()
				biff.AssertEqual(resp.StatusCode, http.StatusConflict)
			})

			a.Alternative("Versions", func(a *biff.A) {
				resp := api.Request("GET", "/v1/versions").Do()
				biff.AssertEqual(resp.StatusCode, http.StatusOK)
				body := resp.BodyJson().(JSON)
				biff.AssertEqual(body["latest"], 1.0)
				biff.AssertEqual(body["write_open"], false)
			})
		})

		a.Alternative("Empty insert", func(a *biff.A) {
			resp := api.Request("POST", "/v1/classes/Person:insert").Do()
			biff.AssertEqual(resp.StatusCode, http.StatusNoContent)
		})

		a.Alternative("Not found", func(a *biff.A) {
			resp := api.Request("GET", "/v1/nothing").Do()
			biff.AssertEqual(resp.StatusCode, http.StatusNotFound)
		})

		a.Alternative("Release", func(a *biff.A) {
			resp := api.Request("GET", "/release").Do()
			biff.AssertEqual(resp.StatusCode, http.StatusOK)
			biff.AssertEqual(resp.BodyJson(), "test")
		})
	})
}

func TestUnavailable(t *testing.T) {

	db := database.NewDatabase(&database.Config{Schema: personSchema, Logger: logging.Discard})
	api := apitest.NewWithHandler(build(db))

	resp := api.Request("GET", "/v1/database").Do()
	biff.AssertEqual(resp.StatusCode, http.StatusServiceUnavailable)
}
