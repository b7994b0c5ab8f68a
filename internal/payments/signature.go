package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MrJamesThe3rd/gigflow/internal/engagement"
)

// SignatureHeader carries "t=<unix seconds>,v1=<hex hmac-sha256>". The MAC
// covers "<t>.<raw body>".
const SignatureHeader = "X-Signature"

const DefaultTolerance = 5 * time.Minute

type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	return &Verifier{secret: []byte(secret), tolerance: tolerance, now: time.Now}
}

// Verify checks header against payload. Every failure is an ErrSignature.
func (v *Verifier) Verify(payload []byte, header string) error {
	if len(v.secret) == 0 {
		return signatureError("webhook secret is not configured")
	}

	ts, sigs, err := parseHeader(header)
	if err != nil {
		return err
	}

	age := v.now().Sub(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}

	if age > v.tolerance {
		return signatureError("signature timestamp outside tolerance")
	}

	expected := v.mac(ts, payload)

	for _, sig := range sigs {
		if hmac.Equal(sig, expected) {
			return nil
		}
	}

	return signatureError("signature mismatch")
}

// Sign produces a header value for payload at t.
func (v *Verifier) Sign(payload []byte, t time.Time) string {
	ts := t.Unix()

	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(v.mac(ts, payload)))
}

func (v *Verifier) mac(ts int64, payload []byte) []byte {
	h := hmac.New(sha256.New, v.secret)
	h.Write([]byte(strconv.FormatInt(ts, 10)))
	h.Write([]byte("."))
	h.Write(payload)

	return h.Sum(nil)
}

func parseHeader(header string) (int64, [][]byte, error) {
	var (
		ts   int64
		sigs [][]byte
	)

	if header == "" {
		return 0, nil, signatureError("missing signature header")
	}

	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}

		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, signatureError("malformed signature timestamp")
			}

			ts = parsed
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil {
				continue
			}

			sigs = append(sigs, sig)
		}
	}

	if ts == 0 || len(sigs) == 0 {
		return 0, nil, signatureError("malformed signature header")
	}

	return ts, sigs, nil
}

func signatureError(msg string) error {
	return &engagement.Error{Kind: engagement.KindSignature, Code: engagement.CodeSignatureInvalid, Message: msg}
}
