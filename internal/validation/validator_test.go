package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `validate:"required"`
	Limit int    `validate:"min=1,max=100"`
}

func TestStruct(t *testing.T) {
	require.NoError(t, Struct(&sample{Name: "a", Limit: 10}))

	err := Struct(&sample{Limit: 500})
	require.Error(t, err)

	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Fields, 2)
	assert.Equal(t, "sample.Name", verr.Fields[0].Field)
	assert.Equal(t, "required", verr.Fields[0].Tag)
	assert.Contains(t, err.Error(), "sample.Limit failed max=100")
}

func TestGetIsSingleton(t *testing.T) {
	assert.Same(t, Get(), Get())
}
