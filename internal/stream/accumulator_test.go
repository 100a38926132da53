package stream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAccumulatorOnlyParsesCompleteLines(t *testing.T) {
	var acc jsonAccumulator

	lines := acc.Feed(`{"jsonrpc":"2.0","i`)
	require.Empty(t, lines)

	lines = acc.Feed(`d":7,"result":{"ok":true}}` + "\n")
	require.Equal(t, []string{`{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`}, lines)
}

func TestAccumulatorRetainsPartialTailAcrossMultipleLines(t *testing.T) {
	var acc jsonAccumulator

	lines := acc.Feed("{\"a\":1}\n{\"a\":2}\n{\"a\":3")
	require.Equal(t, []string{`{"a":1}`, `{"a":2}`}, lines)

	lines = acc.Feed("}\n")
	require.Equal(t, []string{`{"a":3}`}, lines)
}

func TestAccumulatorDropsNonJSONLines(t *testing.T) {
	var acc jsonAccumulator
	lines := acc.Feed("some log noise\n{\"a\":1}\n")
	require.Equal(t, []string{`{"a":1}`}, lines)
}

func TestAccumulatorResetClearsTail(t *testing.T) {
	var acc jsonAccumulator
	acc.Feed(`{"partial`)
	acc.Reset()
	lines := acc.Feed("ignored}\n")
	require.Empty(t, lines)
}
