package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	defer func(v, c string) { Current, Commit = v, c }(Current, Commit)

	Current, Commit = "v1.4.0", ""
	assert.Equal(t, "v1.4.0", String())

	Commit = "0123456789abcdef0123"
	assert.Equal(t, "v1.4.0 (0123456789ab)", String())
}
