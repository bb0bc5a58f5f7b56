// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package callback

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yhat/scrape"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// testPageText returns the text of the element with the given id.
func testPageText(t *testing.T, body io.Reader, id string) string {
	t.Helper()
	root, err := html.Parse(body)
	require.NoError(t, err)
	n, ok := scrape.Find(root, scrape.ById(id))
	require.Truef(t, ok, "element %q not found", id)
	return scrape.Text(n)
}

func TestParseResponse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		values url.Values
		want   *Response
	}{
		{
			name:   "code",
			values: url.Values{"state": {"st_1"}, "code": {"abc"}},
			want:   &Response{State: "st_1", Code: "abc"},
		},
		{
			name:   "error",
			values: url.Values{"state": {"st_1"}, "error": {"access_denied"}, "error_description": {"user said no"}, "error_uri": {"https://e"}},
			want:   &Response{State: "st_1", Error: &AuthenErrorResponse{Error: "access_denied", Description: "user said no", Uri: "https://e"}},
		},
		{
			name: "empty",
			want: &Response{},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseResponse(tt.values))
		})
	}
	assert.Equal(t, "access_denied: no", (&AuthenErrorResponse{Error: "access_denied", Description: "no"}).String())
	assert.Equal(t, "access_denied", (&AuthenErrorResponse{Error: "access_denied"}).String())
}

func TestLoopback(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		ch, h := Loopback("st_1", nil, nil)
		w := httptest.NewRecorder()
		h(w, httptest.NewRequest(http.MethodGet, "/callback?state=st_1&code=abc", nil))
		assert.Equal(http.StatusOK, w.Code)
		assert.Equal(SuccessTitle, testPageText(t, w.Body, "title"))

		resp, ok := <-ch
		require.True(ok)
		assert.Equal(&Response{State: "st_1", Code: "abc"}, resp)
		_, ok = <-ch
		assert.False(ok)
	})
	t.Run("provider-error", func(t *testing.T) {
		assert := assert.New(t)
		ch, h := Loopback("st_1", nil, nil)
		w := httptest.NewRecorder()
		h(w, httptest.NewRequest(http.MethodGet, "/callback?state=st_1&error=access_denied", nil))
		assert.Equal(http.StatusUnauthorized, w.Code)
		assert.Equal("access_denied", testPageText(t, w.Body, "detail"))
		resp := <-ch
		assert.Equal("access_denied", resp.Error.Error)
	})
	t.Run("state-mismatch-does-not-consume", func(t *testing.T) {
		assert := assert.New(t)
		ch, h := Loopback("st_1", nil, nil)
		w := httptest.NewRecorder()
		h(w, httptest.NewRequest(http.MethodGet, "/callback?state=other&code=abc", nil))
		assert.Equal(http.StatusBadRequest, w.Code)
		assert.Equal(ErrorTitle, testPageText(t, w.Body, "title"))
		select {
		case <-ch:
			assert.Fail("mismatched state should not be delivered")
		default:
		}

		w = httptest.NewRecorder()
		h(w, httptest.NewRequest(http.MethodGet, "/callback?state=st_1&code=abc", nil))
		assert.Equal(http.StatusOK, w.Code)
		assert.Equal("abc", (<-ch).Code)
	})
	t.Run("one-time-use", func(t *testing.T) {
		assert := assert.New(t)
		ch, h := Loopback("st_1", nil, nil)
		var wg sync.WaitGroup
		codes := make(chan int, 3)
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				w := httptest.NewRecorder()
				h(w, httptest.NewRequest(http.MethodGet, "/callback?state=st_1&code=abc", nil))
				codes <- w.Code
			}()
		}
		wg.Wait()
		close(codes)
		var ok, failed int
		for c := range codes {
			if c == http.StatusOK {
				ok++
			} else {
				failed++
			}
		}
		assert.Equal(1, ok)
		assert.Equal(2, failed)
		assert.Equal("abc", (<-ch).Code)
	})
}

type testRecorder struct {
	mu        sync.Mutex
	responses []*Response
	err       error
}

func (r *testRecorder) RecordResponse(_ context.Context, resp *Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.responses = append(r.responses, resp)
	return nil
}

func TestRedirect(t *testing.T) {
	t.Parallel()

	t.Run("nil-recorder", func(t *testing.T) {
		_, err := Redirect(nil, nil, nil)
		assert.Error(t, err)
	})
	t.Run("records-query", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		rec := &testRecorder{}
		h, err := Redirect(rec, nil, nil)
		require.NoError(err)
		w := httptest.NewRecorder()
		h(w, httptest.NewRequest(http.MethodGet, "/callback?state=st_1&code=abc", nil))
		assert.Equal(http.StatusOK, w.Code)
		assert.Equal([]*Response{{State: "st_1", Code: "abc"}}, rec.responses)
	})
	t.Run("records-form-post", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		rec := &testRecorder{}
		h, err := Redirect(rec, nil, nil)
		require.NoError(err)
		req := httptest.NewRequest(http.MethodPost, "/callback", strings.NewReader("state=st_2&code=xyz"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		h(w, req)
		assert.Equal(http.StatusOK, w.Code)
		assert.Equal([]*Response{{State: "st_2", Code: "xyz"}}, rec.responses)
	})
	t.Run("records-provider-error", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		rec := &testRecorder{}
		h, err := Redirect(rec, nil, nil)
		require.NoError(err)
		w := httptest.NewRecorder()
		h(w, httptest.NewRequest(http.MethodGet, "/callback?state=st_1&error=access_denied", nil))
		assert.Equal(http.StatusUnauthorized, w.Code)
		require.Len(rec.responses, 1)
		assert.Equal("access_denied", rec.responses[0].Error.Error)
	})
	t.Run("missing-state", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		rec := &testRecorder{}
		h, err := Redirect(rec, nil, nil)
		require.NoError(err)
		w := httptest.NewRecorder()
		h(w, httptest.NewRequest(http.MethodGet, "/callback?code=abc", nil))
		assert.Equal(http.StatusBadRequest, w.Code)
		assert.Empty(rec.responses)
	})
	t.Run("recorder-error", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		rec := &testRecorder{err: errors.New("unknown state")}
		var gotErr error
		h, err := Redirect(rec, nil, func(_ string, _ *AuthenErrorResponse, e error, w http.ResponseWriter, _ *http.Request) {
			gotErr = e
			w.WriteHeader(http.StatusNotFound)
		})
		require.NoError(err)
		w := httptest.NewRecorder()
		h(w, httptest.NewRequest(http.MethodGet, "/callback?state=st_1&code=abc", nil))
		assert.Equal(http.StatusNotFound, w.Code)
		assert.ErrorContains(gotErr, "unknown state")
	})
}

func TestDefaultError(t *testing.T) {
	t.Parallel()
	w := httptest.NewRecorder()
	DefaultError("", nil, nil, w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	root, err := html.Parse(w.Body)
	require.NoError(t, err)
	title, ok := scrape.Find(root, scrape.ByTag(atom.Title))
	require.True(t, ok)
	assert.Equal(t, ErrorTitle, scrape.Text(title))
}
