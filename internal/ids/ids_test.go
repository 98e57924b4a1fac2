package ids

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewAtSortsInIssueOrder(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	first := NewAt(at)
	second := NewAt(at)
	require.Len(t, first, 26)
	require.Less(t, first, second)

	stamped, ok := Time(first)
	require.True(t, ok)
	require.True(t, stamped.Equal(at))

	_, ok = Time("not-an-id")
	require.False(t, ok)
}
