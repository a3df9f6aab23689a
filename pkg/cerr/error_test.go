package cerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/growilabs/slackbot-proxy/pkg/clog"
	"github.com/growilabs/slackbot-proxy/pkg/storage"
)

func TestNewErrorStack(t *testing.T) {
	assert.NotEmpty(t, NewError(Internal, "server error", nil).Stack)
	assert.NotEmpty(t, NewError(Unavailable, "down", nil).Stack)
	assert.Empty(t, NewError(NotFound, "missing", nil).Stack)
}

func TestErrorWrapping(t *testing.T) {
	base := errors.New("disk full")
	err := fmt.Errorf("saving: %w", NewError(Internal, "server error", base))

	assert.True(t, IsCode(err, Internal))
	assert.False(t, IsCode(err, NotFound))
	assert.Equal(t, Internal, CodeOf(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, Unknown, CodeOf(base))
	assert.Equal(t, OK, CodeOf(nil))
	assert.Equal(t, "[internal] server error: disk full", NewError(Internal, "server error", base).Error())
}

func TestCodeStrings(t *testing.T) {
	assert.Equal(t, "invalid_argument", InvalidArgument.String())
	assert.Equal(t, "unknown", Code(99).String())
	assert.Equal(t, http.StatusServiceUnavailable, Unavailable.HTTPCode())
	assert.Equal(t, http.StatusGatewayTimeout, DeadlineExceeded.HTTPCode())
	assert.Equal(t, http.StatusInternalServerError, Code(99).HTTPCode())
}

func TestWrapStorageErrors(t *testing.T) {
	notFound := fmt.Errorf("read x: %w", storage.ErrNotFound)
	assert.True(t, IsCode(WrapStorageReadError("relation", notFound), NotFound))
	assert.True(t, IsCode(WrapStorageReadError("relation", errors.New("io")), Internal))
	assert.True(t, IsCode(WrapStorageWriteError("relation", errors.New("io")), Internal))
}

func serve(t *testing.T, h http.HandlerFunc) (*httptest.ResponseRecorder, context.Context) {
	t.Helper()
	var ctx context.Context
	handler := NewJSONResponseChiMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx = r.Context()
		h(w, r)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(clog.ContextWithSlog(req.Context()))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, ctx
}

func TestJSONResponseMiddleware(t *testing.T) {
	t.Run("response", func(t *testing.T) {
		rec, _ := serve(t, func(w http.ResponseWriter, r *http.Request) {
			SetJSONResponseWithStatus(r.Context(), http.StatusCreated, map[string]string{"id": "r1"})
		})
		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
		assert.JSONEq(t, `{"id":"r1"}`, rec.Body.String())
	})

	t.Run("coded error", func(t *testing.T) {
		underlying := errors.New("no such row")
		rec, ctx := serve(t, func(w http.ResponseWriter, r *http.Request) {
			SetNewJSONError(r.Context(), NotFound, "relation not found", underlying)
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.JSONEq(t, `{"code":"not_found","message":"relation not found"}`, rec.Body.String())
		assert.ErrorIs(t, clog.GetError(ctx), underlying)
	})

	t.Run("uncoded error", func(t *testing.T) {
		rec, ctx := serve(t, func(w http.ResponseWriter, r *http.Request) {
			SetJSONError(r.Context(), errors.New("boom"))
		})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.JSONEq(t, `{"code":"unknown","message":"unknown error"}`, rec.Body.String())
		require.Error(t, clog.GetError(ctx))
	})

	t.Run("canceled", func(t *testing.T) {
		rec, _ := serve(t, func(w http.ResponseWriter, r *http.Request) {
			SetJSONError(r.Context(), fmt.Errorf("fetch: %w", context.Canceled))
		})
		assert.Equal(t, 499, rec.Code)
	})

	t.Run("nothing set", func(t *testing.T) {
		rec, _ := serve(t, func(w http.ResponseWriter, r *http.Request) {})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Body.String())
	})
}
