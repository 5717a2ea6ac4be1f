package memengine

import (
	"fmt"

	json2 "github.com/go-json-experiment/json"

	"github.com/fulldump/objectdb/engine"
)

var deterministic = json2.Deterministic(true)

// encodeDocument returns the canonical payload of doc and the document as
// decoded back from it, so stored values never alias caller memory.
func encodeDocument(doc engine.Document) ([]byte, engine.Document, error) {
	if doc == nil {
		doc = engine.Document{}
	}
	payload, err := json2.Marshal(doc, deterministic)
	if err != nil {
		return nil, nil, fmt.Errorf("json encode payload: %w", err)
	}
	normalized, err := decodePayload(payload)
	if err != nil {
		return nil, nil, err
	}
	return payload, normalized, nil
}

func decodePayload(payload []byte) (engine.Document, error) {
	doc := engine.Document{}
	err := json2.Unmarshal(payload, &doc)
	if err != nil {
		return nil, fmt.Errorf("json decode payload: %w", err)
	}
	return doc, nil
}

func encodeValue(value any) (string, error) {
	b, err := json2.Marshal(value, deterministic)
	if err != nil {
		return "", fmt.Errorf("json encode value: %w", err)
	}
	return string(b), nil
}
