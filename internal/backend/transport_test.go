package backend

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskcal/internal/model"
)

func TestTransport_ClassifiesStatuses(t *testing.T) {
	tests := []struct {
		status  int
		wantIs  error
		wantErr bool
	}{
		{status: http.StatusOK},
		{status: http.StatusNotModified},
		{status: http.StatusPreconditionFailed},
		{status: http.StatusUnauthorized, wantIs: model.ErrCredentials, wantErr: true},
		{status: http.StatusForbidden, wantIs: model.ErrCredentials, wantErr: true},
		{status: http.StatusNotFound, wantIs: ErrNotFound, wantErr: true},
		{status: http.StatusTooManyRequests, wantIs: model.ErrSync, wantErr: true},
		{status: http.StatusBadGateway, wantIs: model.ErrSync, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			resp, err := NewHTTPClient(time.Second).Get(srv.URL + "/secret/path?token=x")
			if !tt.wantErr {
				require.NoError(t, err)
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				assert.Equal(t, tt.status, resp.StatusCode)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantIs)
			assert.NotContains(t, err.Error(), "token=x")
		})
	}
}

func TestTransport_NetworkErrorIsSyncError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := NewHTTPClient(time.Second).Get(addr)

	require.Error(t, err)
	assert.True(t, model.IsSyncError(err))
}

func TestClassify(t *testing.T) {
	plain := errors.New("bad request body")
	assert.Same(t, plain, Classify("op", plain))
	assert.Nil(t, Classify("op", nil))
	assert.ErrorIs(t, Classify("op", context.Canceled), context.Canceled)
	assert.False(t, model.IsSyncError(Classify("op", context.Canceled)))
	assert.True(t, model.IsSyncError(Classify("op", context.DeadlineExceeded)))
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://calendar.example.com/...(redacted)", RedactURL("https://calendar.example.com/private/abc.ics?key=1"))
	assert.Equal(t, "url://...(redacted)", RedactURL("not a url"))
}
