package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestText(t *testing.T) {
	assert.Equal(t, "OK", Text(OK))
	assert.Equal(t, "Not Found", Text(NotFound))
	assert.Equal(t, "Internal Server Error", Text(InternalServerError))
	assert.Equal(t, "", Text(Code(9999)))
}

func TestIsError(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{299, false},
		{300, true},
		{404, true},
		{999, true},
		{1000, false},
	}

	for _, c := range cases {
		require.Equal(t, c.want, IsError(c.code), "code %d", c.code)
	}
}
