package apperror

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	plain := New(KindModuleUnknown, "no such module")
	assert.Equal(t, "[module-unknown] no such module", plain.Error())

	wrapped := Wrap(errors.New("dial tcp: refused"), KindNetworkUnreachable, "manifest fetch failed")
	assert.Equal(t, "[network-unreachable] manifest fetch failed: dial tcp: refused", wrapped.Error())
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(cause, KindIOFailed, "write failed")
	assert.Same(t, cause, errors.Unwrap(err))
}

func TestKindOf(t *testing.T) {
	err := New(KindModuleInvalid, "missing entry point")
	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindModuleInvalid, kind)

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestHTTPStatus(t *testing.T) {
	cases := map[*Error]int{
		New(KindModuleUnknown, ""):        http.StatusNotFound,
		New(KindModuleInvalid, ""):        http.StatusBadRequest,
		New(KindDaemonAlreadyRunning, ""): http.StatusConflict,
		New(KindNetworkUnreachable, ""):   http.StatusBadGateway,
		New(KindModuleCrash, ""):          http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, err.HTTPStatus())
	}
}
