package num64

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppendTo(t *testing.T) {
	for v, want := range map[int64]string{
		0:       "0",
		1500:    "1500",
		-7:      "-7",
		1 << 40: "1099511627776",
	} {
		assert.Equal(t, "n="+want, string(FromInt64(v).AppendTo([]byte("n="))))
		assert.Equal(t, v, FromInt64(v).Int64())
	}
}
