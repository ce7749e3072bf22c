package coreerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/plumtuna/plumtuna/internal/coreerr"
)

func TestKindOfExtractsTheDeclaredKind(t *testing.T) {
	err := coreerr.New(coreerr.AlreadyExists, "study %q exists")
	require.Equal(t, coreerr.AlreadyExists, coreerr.KindOf(err))
}

func TestKindOfDefaultsToOtherForForeignErrors(t *testing.T) {
	require.Equal(t, coreerr.Other, coreerr.KindOf(errors.New("plain")))
	require.Equal(t, coreerr.Other, coreerr.KindOf(nil))
}

func TestNewfFormatsTheMessage(t *testing.T) {
	err := coreerr.Newf(coreerr.NotFound, "no study named %q", "alpha")
	require.Contains(t, err.Error(), `"alpha"`)
	require.Equal(t, coreerr.NotFound, coreerr.KindOf(err))
}

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	wrapped := coreerr.Wrap(coreerr.Other, cause)
	require.True(t, errors.Is(wrapped, cause))
}

func TestWrapOfNilIsNil(t *testing.T) {
	require.NoError(t, coreerr.Wrap(coreerr.Other, nil))
}

func TestHTTPStatusMapping(t *testing.T) {
	require.Equal(t, 409, coreerr.AlreadyExists.HTTPStatus())
	require.Equal(t, 404, coreerr.NotFound.HTTPStatus())
	require.Equal(t, 500, coreerr.Other.HTTPStatus())
}

func TestErrorStringIncludesCauseWhenWrapped(t *testing.T) {
	err := coreerr.Wrap(coreerr.NotFound, fmt.Errorf("dial tcp: refused"))
	require.Contains(t, err.Error(), "dial tcp: refused")
}
