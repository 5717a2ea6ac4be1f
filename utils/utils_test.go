package utils

import (
	"testing"

	"github.com/fulldump/biff"
)

func TestGetKeys(t *testing.T) {
	keys := GetKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	biff.AssertEqual(keys, []string{"a", "b", "c"})
	biff.AssertEqual(GetKeys(map[string]int{}), []string{})
}

func TestRemarshal(t *testing.T) {
	type person struct {
		Name string `json:"name"`
		Age  int    `json:"age"`
	}

	output := person{}
	err := Remarshal(map[string]any{"name": "Alice", "age": 30}, &output)
	biff.AssertNil(err)
	biff.AssertEqual(output, person{Name: "Alice", Age: 30})

	err = Remarshal(map[string]any{"age": "thirty"}, &output)
	biff.AssertNotNil(err)
}
