package zmqntfn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDescriptorFilter(t *testing.T) {
	t.Parallel()

	filter, ok := Descriptor{Type: "pubrawtx"}.Filter()
	require.True(t, ok)
	require.Equal(t, RawTx, filter)

	filter, ok = NewDescriptor(HashBlock, "").Filter()
	require.True(t, ok)
	require.Equal(t, HashBlock, filter)

	_, ok = Descriptor{Type: "pubsequence"}.Filter()
	require.False(t, ok)

	require.Equal(
		t, "127.0.0.1:28332", normalizeAddress("tcp://127.0.0.1:28332"),
	)
	require.Equal(t, "127.0.0.1:28332", normalizeAddress("127.0.0.1:28332"))
}
