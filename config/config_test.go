package config

import (
	"github.com/stretchr/testify/assert"
	"reflect"
	"testing"
)

func TestNoZeroFields(t *testing.T) {
	cfg := Default()

	for _, field := range visit(newVar(*cfg), "Config", false) {
		assert.Fail(t, "zero-value field", field)
	}
}

func TestFillClampsMaxSendChunk(t *testing.T) {
	assert.Equal(t, 10, Fill(Config{MaxSendChunk: 5}).MaxSendChunk)
	assert.Equal(t, 65535, Fill(Config{MaxSendChunk: 70000}).MaxSendChunk)
	assert.Equal(t, 8192, Fill(Config{}).MaxSendChunk)
}

type variable struct {
	Type  reflect.Type
	Value reflect.Value
}

func newVar(a any) variable {
	return variable{reflect.TypeOf(a), reflect.ValueOf(a)}
}

func visit(a variable, name string, nullable bool) (fields []string) {
	if a.Type.Kind() == reflect.Struct && a.Type.PkgPath() == reflect.TypeOf(Config{}).PkgPath() {
		for field := 0; field < a.Value.NumField(); field++ {
			v1 := variable{a.Type.Field(field).Type, a.Value.Field(field)}
			fieldname := a.Type.Field(field).Name
			isNullable := a.Type.Field(field).Tag.Get("test") == "nullable"
			fields = append(fields, visit(v1, name+"."+fieldname, isNullable)...)
		}

		return fields
	}

	if a.Value.IsZero() && !nullable {
		return []string{name}
	}

	return nil
}
