package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Signature header format: "t=<unix seconds>,v1=<hex hmac-sha256>".
// The MAC covers "<t>.<raw body>" so the timestamp cannot be detached from
// the payload it authenticates.

// SignatureHeaderName is the HTTP header carrying the event signature
const SignatureHeaderName = "Mint-Signature"

var (
	ErrMalformedSignature = errors.New("malformed signature header")
	ErrBadSignature       = errors.New("signature verification failed")
	ErrStaleEvent         = errors.New("event timestamp outside tolerance")
)

// ComputeSignature returns the hex MAC for a timestamp and body
func ComputeSignature(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader formats a header value for a timestamp and body. Used by
// tests and by the processor-side sender.
func SignatureHeader(secret string, timestamp int64, body []byte) string {
	return fmt.Sprintf("t=%d,v1=%s", timestamp, ComputeSignature(secret, timestamp, body))
}

// VerifySignature checks the header against the body and bounds the event age
// by tolerance to limit replay. Comparison is constant time.
func VerifySignature(secret, header string, body []byte, tolerance time.Duration, now time.Time) error {
	var timestamp int64 = -1
	var provided string

	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return ErrMalformedSignature
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return ErrMalformedSignature
			}
			timestamp = ts
		case "v1":
			provided = value
		}
	}

	if timestamp < 0 || provided == "" {
		return ErrMalformedSignature
	}

	expected := ComputeSignature(secret, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return ErrBadSignature
	}

	age := now.Sub(time.Unix(timestamp, 0))
	if age > tolerance || age < -tolerance {
		return ErrStaleEvent
	}

	return nil
}
