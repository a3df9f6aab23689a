package slack

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/growilabs/slackbot-proxy/pkg/cerr"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestVerifier() *Verifier {
	v := NewVerifier("8f742231b10e8888abcd99yyyzzz85a5")
	v.now = func() time.Time { return testNow }
	return v
}

func signedHeader(v *Verifier, ts time.Time, body string) http.Header {
	h := http.Header{}
	h.Set(HeaderTimestamp, strconv.FormatInt(ts.Unix(), 10))
	h.Set(HeaderSignature, v.Sign(ts, []byte(body)))
	return h
}

func TestVerifier_Verify(t *testing.T) {
	v := newTestVerifier()
	body := "team_id=T1&text=search+foo"

	tests := []struct {
		name    string
		header  func() http.Header
		wantErr bool
	}{
		{"valid", func() http.Header { return signedHeader(v, testNow, body) }, false},
		{"slightly old", func() http.Header { return signedHeader(v, testNow.Add(-4*time.Minute), body) }, false},
		{"too old", func() http.Header { return signedHeader(v, testNow.Add(-6*time.Minute), body) }, true},
		{"too far in the future", func() http.Header { return signedHeader(v, testNow.Add(6*time.Minute), body) }, true},
		{"missing headers", func() http.Header { return http.Header{} }, true},
		{"bad timestamp", func() http.Header {
			h := signedHeader(v, testNow, body)
			h.Set(HeaderTimestamp, "yesterday")
			return h
		}, true},
		{"other body", func() http.Header { return signedHeader(v, testNow, body+"&x=1") }, true},
		{"other secret", func() http.Header {
			other := NewVerifier("another-secret")
			return signedHeader(other, testNow, body)
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.header(), []byte(body))
			if tt.wantErr {
				assert.True(t, cerr.IsCode(err, cerr.Unauthenticated), "got %v", err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestVerifier_SignFormat(t *testing.T) {
	sig := newTestVerifier().Sign(testNow, []byte("x"))
	assert.True(t, strings.HasPrefix(sig, "v0="))
	assert.Len(t, sig, len("v0=")+64)
}

func TestVerifier_MiddlewareRestoresBody(t *testing.T) {
	v := newTestVerifier()
	body := "team_id=T1"

	var seen string
	h := cerr.NewJSONResponseChiMiddleware()(v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		seen = r.PostForm.Get("team_id")
	})))

	req := httptest.NewRequest(http.MethodPost, "/commands", strings.NewReader(body))
	req.Header = signedHeader(v, testNow, body)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "T1", seen)

	req = httptest.NewRequest(http.MethodPost, "/commands", strings.NewReader(body))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"unauthenticated"`)
}
