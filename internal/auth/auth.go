// Package auth signs and verifies HTTP calls between instances with their
// Ed25519 identity keys.
package auth

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ssd-technologies/confluence/internal/identity"
)

const (
	HeaderInstance  = "X-Confluence-Instance"
	HeaderTimestamp = "X-Confluence-Timestamp"
	HeaderSignature = "X-Confluence-Signature"
)

// TimestampWindow is the maximum clock drift accepted on a signed request.
const TimestampWindow = 5 * time.Minute

const maxSignedBody = 16 << 20

var (
	ErrUnsigned     = errors.New("auth: request is not signed")
	ErrUnknownPeer  = errors.New("auth: unknown instance")
	ErrBadSignature = errors.New("auth: signature verification failed")
	ErrExpired      = errors.New("auth: timestamp outside window")
)

// KeyLookup returns the public key registered for an instance.
type KeyLookup func(identity.InstanceID) ([]byte, bool)

// signingMessage is what the signature covers:
//
//	method \n path \n timestamp \n body
func signingMessage(method, path, ts string, body []byte) []byte {
	var b bytes.Buffer
	b.Grow(len(method) + len(path) + len(ts) + len(body) + 3)
	b.WriteString(method)
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(ts)
	b.WriteByte('\n')
	b.Write(body)
	return b.Bytes()
}

// SignRequest sets the instance, timestamp and signature headers on req.
func SignRequest(req *http.Request, kp identity.Keypair, body []byte, now time.Time) {
	ts := strconv.FormatInt(now.Unix(), 10)
	req.Header.Set(HeaderInstance, string(kp.ID))
	req.Header.Set(HeaderTimestamp, ts)
	sig := kp.Sign(signingMessage(req.Method, req.URL.Path, ts, body))
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
}

// VerifyRequest checks that req carries a fresh signature by pub over body.
func VerifyRequest(req *http.Request, pub []byte, body []byte, now time.Time) error {
	tsStr := req.Header.Get(HeaderTimestamp)
	sigHex := req.Header.Get(HeaderSignature)
	if tsStr == "" || sigHex == "" {
		return ErrUnsigned
	}

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid timestamp %q", ErrUnsigned, tsStr)
	}
	drift := now.Sub(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > TimestampWindow {
		return fmt.Errorf("%w: %s drift", ErrExpired, drift.Round(time.Second))
	}

	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("%w: invalid signature hex", ErrBadSignature)
	}
	if !identity.Verify(pub, signingMessage(req.Method, req.URL.Path, tsStr, body), sig) {
		return ErrBadSignature
	}
	return nil
}

// Transport is an http.RoundTripper that signs every request with Keypair.
type Transport struct {
	Keypair identity.Keypair
	Base    http.RoundTripper
	Now     func() time.Time
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("auth: read request body: %w", err)
		}
	}

	// RoundTrippers must not modify the caller's request.
	signed := req.Clone(req.Context())
	signed.Body = io.NopCloser(bytes.NewReader(body))
	signed.ContentLength = int64(len(body))
	signed.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	SignRequest(signed, t.Keypair, body, now())

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(signed)
}

// Middleware rejects requests that are not signed by an instance keys knows.
// Verified requests reach next with their body intact.
func Middleware(keys KeyLookup, next http.Handler, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := identity.InstanceID(r.Header.Get(HeaderInstance))
		if id == "" {
			http.Error(w, ErrUnsigned.Error(), http.StatusUnauthorized)
			return
		}
		pub, ok := keys(id)
		if !ok {
			logger.Warn("rejecting call from unknown instance", "instance", id, "path", r.URL.Path)
			http.Error(w, ErrUnknownPeer.Error(), http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSignedBody))
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if err := VerifyRequest(r, pub, body, time.Now()); err != nil {
			logger.Warn("rejecting unauthenticated call", "instance", id, "path", r.URL.Path, "error", err)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}
