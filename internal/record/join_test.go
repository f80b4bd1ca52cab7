package record

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergeJoined_NestsPayloadsBySide(t *testing.T) {
	out, err := MergeJoined("left", []byte(`{"k":"x","v":1}`), "right", []byte(`{"k":"x","v":2}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"left":{"k":"x","v":1},"right":{"k":"x","v":2}}`, string(out))
}

func TestMergeJoined_PreservesNonObjectPayloads(t *testing.T) {
	out, err := MergeJoined("left", []byte(`42`), "right", []byte(`"hello"`))
	require.NoError(t, err)
	require.JSONEq(t, `{"left":42,"right":"hello"}`, string(out))
}

func TestMergeJoined_InvalidPayloadErrors(t *testing.T) {
	_, err := MergeJoined("left", []byte(`not json`), "right", []byte(`{}`))
	require.Error(t, err)
}
