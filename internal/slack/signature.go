package slack

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/growilabs/slackbot-proxy/pkg/cerr"
)

const (
	HeaderSignature = "X-Slack-Signature"
	HeaderTimestamp = "X-Slack-Request-Timestamp"

	signatureVersion = "v0"
	// DefaultMaxSkew is how old a request timestamp may be before the
	// request is treated as a replay.
	DefaultMaxSkew  = 5 * time.Minute
	maxRequestBytes = 1 << 20
)

// Verifier checks Slack's request signing: an HMAC-SHA256 over
// "v0:<timestamp>:<body>" keyed with the app's signing secret.
type Verifier struct {
	secret  []byte
	maxSkew time.Duration
	now     func() time.Time
}

func NewVerifier(signingSecret string) *Verifier {
	return &Verifier{secret: []byte(signingSecret), maxSkew: DefaultMaxSkew, now: time.Now}
}

// Sign returns the signature header value for body sent at ts.
func (v *Verifier) Sign(ts time.Time, body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(signatureVersion + ":" + strconv.FormatInt(ts.Unix(), 10) + ":"))
	mac.Write(body)
	return signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}

func (v *Verifier) Verify(header http.Header, body []byte) error {
	tsHeader := header.Get(HeaderTimestamp)
	sig := header.Get(HeaderSignature)
	if tsHeader == "" || sig == "" {
		return cerr.NewError(cerr.Unauthenticated, "missing slack signature headers", nil)
	}
	unix, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return cerr.NewError(cerr.Unauthenticated, "invalid slack request timestamp", err)
	}
	ts := time.Unix(unix, 0)
	if d := v.now().Sub(ts); d > v.maxSkew || d < -v.maxSkew {
		return cerr.NewError(cerr.Unauthenticated, "slack request timestamp out of range", nil)
	}
	if !hmac.Equal([]byte(sig), []byte(v.Sign(ts, body))) {
		return cerr.NewError(cerr.Unauthenticated, "slack signature mismatch", nil)
	}
	return nil
}

// Middleware rejects requests that do not carry a valid signature. The body
// is buffered and restored for the next handler.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
		if err != nil {
			cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "failed to read request body", err)
			return
		}
		if err := v.Verify(r.Header, body); err != nil {
			cerr.SetJSONError(ctx, err)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}
