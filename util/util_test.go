package util

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestValidateHostPort(t *testing.T) {
	assert.NoError(t, ValidateHostPort("localhost:8989"))
	assert.NoError(t, ValidateHostPort("127.0.0.1:0"))
	assert.Error(t, ValidateHostPort("localhost"))
	assert.Error(t, ValidateHostPort("localhost:http"))
	assert.Error(t, ValidateHostPort("localhost:70000"))

	assert.NoError(t, ValidateHostPorts([]string{"a:1", "b:2"}))
	assert.Error(t, ValidateHostPorts([]string{"a:1", "b"}))
}

func TestStructToPrettyJsonString(t *testing.T) {
	s := StructToPrettyJsonString(struct{ Window int }{10})
	assert.Equal(t, "{\n\t\"Window\": 10\n}", s)
}

func TestSetLogLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.GlobalLevel())
	assert.NoError(t, SetLogLevel("warn"))
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
	assert.Error(t, SetLogLevel("loud"))
}
