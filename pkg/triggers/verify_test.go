package triggers

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const testSecret = "whsec_test"

var verifyNow = time.Unix(1700000000, 0)

func hmacHex(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func hmacB64(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func hmacSHA1Hex(secret string, payload []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func slackHeaders(secret string, body []byte, ts int64) http.Header {
	h := http.Header{}
	tsStr := strconv.FormatInt(ts, 10)
	h.Set("X-Slack-Request-Timestamp", tsStr)
	h.Set("X-Slack-Signature", "v0="+hmacHex(secret, []byte("v0:"+tsStr+":"+string(body))))
	return h
}

func stripeHeaders(secret string, body []byte, ts int64) http.Header {
	h := http.Header{}
	tsStr := strconv.FormatInt(ts, 10)
	h.Set("Stripe-Signature", fmt.Sprintf("t=%s,v1=%s", tsStr, hmacHex(secret, []byte(tsStr+"."+string(body)))))
	return h
}

func TestVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"event":{"type":"message","text":"hi"}}`)

	tests := []struct {
		name     string
		provider string
		headers  func() http.Header
	}{
		{"slack", "slack", func() http.Header {
			return slackHeaders(testSecret, body, verifyNow.Unix())
		}},
		{"stripe", "stripe", func() http.Header {
			return stripeHeaders(testSecret, body, verifyNow.Unix())
		}},
		{"shopify", "shopify", func() http.Header {
			h := http.Header{}
			h.Set("X-Shopify-Hmac-Sha256", hmacB64(testSecret, body))
			return h
		}},
		{"github", "github", func() http.Header {
			h := http.Header{}
			h.Set("X-Hub-Signature-256", "sha256="+hmacHex(testSecret, body))
			return h
		}},
		{"hubspot", "hubspot", func() http.Header {
			h := http.Header{}
			ts := strconv.FormatInt(verifyNow.UnixMilli(), 10)
			h.Set("X-HubSpot-Request-Timestamp", ts)
			h.Set("X-HubSpot-Signature", hmacHex(testSecret, []byte("POST"+"example.com"+"/api/webhooks/abc"+string(body)+ts)))
			return h
		}},
		{"square base64", "square", func() http.Header {
			h := http.Header{}
			h.Set("X-Square-Hmacsha256-Signature", hmacB64(testSecret, body))
			return h
		}},
		{"iterable hex", "iterable", func() http.Header {
			h := http.Header{}
			h.Set("X-Iterable-Signature", hmacHex(testSecret, body))
			return h
		}},
		{"webex sha1", "webex", func() http.Header {
			h := http.Header{}
			h.Set("X-Spark-Signature", hmacSHA1Hex(testSecret, body))
			return h
		}},
		{"gitlab shared secret", "gitlab", func() http.Header {
			h := http.Header{}
			h.Set("X-Gitlab-Token", testSecret)
			return h
		}},
		{"generic fallback", "acme", func() http.Header {
			h := http.Header{}
			h.Set("X-Signature", hmacHex(testSecret, body))
			return h
		}},
		{"generic sha256 prefix", "acme", func() http.Header {
			h := http.Header{}
			h.Set("X-Hub-Signature-256", "sha256="+hmacHex(testSecret, body))
			return h
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := VerifyInput{
				Provider: tt.provider,
				Secret:   testSecret,
				Method:   "POST",
				Host:     "example.com",
				Path:     "/api/webhooks/abc",
				Header:   tt.headers(),
				Body:     body,
				Now:      verifyNow,
			}
			ok, reason := Verify(in)
			assert.True(t, ok, "reason: %s", reason)

			// Tampering one byte of the body must fail the check.
			tampered := in
			tampered.Body = append([]byte(`x`), body[1:]...)
			ok, reason = Verify(tampered)
			assert.False(t, ok)
			assert.Equal(t, ReasonSignatureMismatch, reason)
		})
	}
}

func TestVerifyFailureReasons(t *testing.T) {
	body := []byte(`{}`)

	tests := []struct {
		name     string
		provider string
		secret   string
		headers  http.Header
		want     FailureReason
	}{
		{"missing secret", "slack", "", http.Header{}, ReasonMissingSecret},
		{"slack missing signature", "slack", testSecret, http.Header{}, ReasonMissingSignature},
		{"slack missing timestamp", "slack", testSecret,
			http.Header{"X-Slack-Signature": []string{"v0=00"}}, ReasonMissingTimestamp},
		{"slack stale timestamp", "slack", testSecret,
			slackHeaders(testSecret, body, verifyNow.Add(-10*time.Minute).Unix()), ReasonTimestampOutOfRange},
		{"slack bad timestamp format", "slack", testSecret, http.Header{
			"X-Slack-Signature":         []string{"v0=00"},
			"X-Slack-Request-Timestamp": []string{"not-a-number"},
		}, ReasonInvalidSignatureFormat},
		{"stripe missing v1", "stripe", testSecret,
			http.Header{"Stripe-Signature": []string{"t=1700000000"}}, ReasonInvalidSignatureFormat},
		{"stripe stale timestamp", "stripe", testSecret,
			stripeHeaders(testSecret, body, verifyNow.Add(10*time.Minute).Unix()), ReasonTimestampOutOfRange},
		{"github wrong prefix", "github", testSecret,
			http.Header{"X-Hub-Signature-256": []string{"sha1=00"}}, ReasonInvalidSignatureFormat},
		{"unknown provider no generic header", "acme", testSecret, http.Header{}, ReasonProviderNotRegistered},
		{"gitlab wrong token", "gitlab", testSecret,
			http.Header{"X-Gitlab-Token": []string{"wrong"}}, ReasonSignatureMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := Verify(VerifyInput{
				Provider: tt.provider,
				Secret:   tt.secret,
				Method:   "POST",
				Header:   tt.headers,
				Body:     body,
				Now:      verifyNow,
			})
			assert.False(t, ok)
			assert.Equal(t, tt.want, reason)
		})
	}
}

func TestVerifyStripeAcceptsAnyV1(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	ts := strconv.FormatInt(verifyNow.Unix(), 10)
	good := hmacHex(testSecret, []byte(ts+"."+string(body)))
	h := http.Header{}
	h.Set("Stripe-Signature", "t="+ts+",v1=deadbeef,v1="+good)

	ok, reason := Verify(VerifyInput{
		Provider: "stripe", Secret: testSecret, Header: h, Body: body, Now: verifyNow,
	})
	assert.True(t, ok, "reason: %s", reason)
}
