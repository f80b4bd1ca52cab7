package keypath

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtract_String(t *testing.T) {
	v, err := Extract([]byte(`{"id":"abc"}`), "/id", TypeString)
	require.NoError(t, err)
	require.Equal(t, "abc", v)
}

func TestExtract_NestedPath(t *testing.T) {
	v, err := Extract([]byte(`{"user":{"id":42}}`), "/user/id", TypeInt64)
	require.NoError(t, err)
	require.Equal(t, int64(42), v)
}

func TestExtract_MissingFieldIsErrKeyNotFound(t *testing.T) {
	_, err := Extract([]byte(`{"id":1}`), "/missing", TypeString)
	require.True(t, errors.Is(err, ErrKeyNotFound))
}

func TestExtract_TypeMismatchIsFatal(t *testing.T) {
	_, err := Extract([]byte(`{"id":"not-a-number"}`), "/id", TypeInt64)
	require.True(t, errors.Is(err, ErrTypeMismatch))
}

func TestExtract_IntWidthOverflowIsTypeMismatch(t *testing.T) {
	_, err := Extract([]byte(`{"id":1000}`), "/id", TypeInt8)
	require.True(t, errors.Is(err, ErrTypeMismatch))
}

func TestExtract_BoolCoercion(t *testing.T) {
	v, err := Extract([]byte(`{"ok":true}`), "/ok", TypeBool)
	require.NoError(t, err)
	require.Equal(t, true, v)
}

func TestExtract_UnsignedRejectsNegative(t *testing.T) {
	_, err := Extract([]byte(`{"n":-1}`), "/n", TypeUint64)
	require.True(t, errors.Is(err, ErrTypeMismatch))
}

func TestExtract_FloatCoercion(t *testing.T) {
	v, err := Extract([]byte(`{"f":3.5}`), "/f", TypeFloat)
	require.NoError(t, err)
	require.InDelta(t, 3.5, v, 0.0001)
}
