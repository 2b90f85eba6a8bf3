package triggers

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// FailureReason classifies why a webhook signature check failed. The HTTP
// response never carries the reason; it is logged and persisted only.
type FailureReason string

const (
	ReasonProviderNotRegistered  FailureReason = "PROVIDER_NOT_REGISTERED"
	ReasonMissingSecret          FailureReason = "MISSING_SECRET"
	ReasonMissingSignature       FailureReason = "MISSING_SIGNATURE"
	ReasonMissingTimestamp       FailureReason = "MISSING_TIMESTAMP"
	ReasonInvalidSignatureFormat FailureReason = "INVALID_SIGNATURE_FORMAT"
	ReasonSignatureMismatch      FailureReason = "SIGNATURE_MISMATCH"
	ReasonTimestampOutOfRange    FailureReason = "TIMESTAMP_OUT_OF_TOLERANCE"
	ReasonInternalError          FailureReason = "INTERNAL_ERROR"
	ReasonUnknown                FailureReason = "UNKNOWN"
)

// signatureTolerance bounds how far a signed timestamp may drift from the
// receiver clock for providers that sign one.
const signatureTolerance = 300 * time.Second

// VerifyInput carries the raw request material a verifier needs. Body is
// the unmodified request body; verifiers never re-serialize it.
type VerifyInput struct {
	Provider string
	Secret   string
	Method   string
	Host     string
	Path     string
	Header   http.Header
	Body     []byte
	Now      time.Time
}

// hmacProfile describes the body-HMAC family shared by most providers
type hmacProfile struct {
	header string
	hash   func() hash.Hash
	encode func([]byte) string
}

func hexEncode(b []byte) string    { return hex.EncodeToString(b) }
func base64Encode(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

var hmacProviders = map[string]hmacProfile{
	"square":       {header: "X-Square-Hmacsha256-Signature", hash: sha256.New, encode: base64Encode},
	"bigcommerce":  {header: "X-Bc-Webhook-Signature", hash: sha256.New, encode: hexEncode},
	"calendly":     {header: "Calendly-Webhook-Signature", hash: sha256.New, encode: hexEncode},
	"iterable":     {header: "X-Iterable-Signature", hash: sha256.New, encode: hexEncode},
	"braze":        {header: "X-Braze-Signature", hash: sha256.New, encode: hexEncode},
	"docusign":     {header: "X-DocuSign-Signature-1", hash: sha256.New, encode: base64Encode},
	"adobesign":    {header: "X-AdobeSign-Signature", hash: sha256.New, encode: hexEncode},
	"hellosign":    {header: "X-HelloSign-Signature", hash: sha256.New, encode: hexEncode},
	"cal.com":      {header: "X-Cal-Signature-256", hash: sha256.New, encode: hexEncode},
	"webex":        {header: "X-Spark-Signature", hash: sha1.New, encode: hexEncode},
	"marketo":      {header: "X-Marketo-Signature", hash: sha1.New, encode: hexEncode},
	"surveymonkey": {header: "Sm-Signature", hash: sha1.New, encode: base64Encode},
}

// sharedSecretProviders authenticate with a plain shared token header
var sharedSecretProviders = map[string]string{
	"gitlab":      "X-Gitlab-Token",
	"jira":        "X-Atlassian-Token",
	"ringcentral": "Validation-Token",
}

// Verify checks the request signature for the registered provider family.
// ok is true only when the signature matched; reason explains the failure
// and must never be surfaced to the caller of the webhook endpoint.
func Verify(in VerifyInput) (ok bool, reason FailureReason) {
	if in.Secret == "" {
		return false, ReasonMissingSecret
	}
	if in.Now.IsZero() {
		in.Now = time.Now()
	}

	switch strings.ToLower(in.Provider) {
	case "slack":
		return verifySlack(in)
	case "stripe":
		return verifyStripe(in)
	case "shopify":
		return verifyBodyHMAC(in, hmacProfile{header: "X-Shopify-Hmac-Sha256", hash: sha256.New, encode: base64Encode}, "")
	case "github":
		return verifyBodyHMAC(in, hmacProfile{header: "X-Hub-Signature-256", hash: sha256.New, encode: hexEncode}, "sha256=")
	case "hubspot":
		return verifyHubSpot(in)
	}

	if p, found := hmacProviders[strings.ToLower(in.Provider)]; found {
		return verifyBodyHMAC(in, p, "")
	}
	if header, found := sharedSecretProviders[strings.ToLower(in.Provider)]; found {
		return verifySharedSecret(in, header)
	}
	return verifyGeneric(in)
}

func verifySlack(in VerifyInput) (bool, FailureReason) {
	sig := in.Header.Get("X-Slack-Signature")
	ts := in.Header.Get("X-Slack-Request-Timestamp")
	if sig == "" {
		return false, ReasonMissingSignature
	}
	if ts == "" {
		return false, ReasonMissingTimestamp
	}
	if reason := checkTimestamp(ts, in.Now); reason != "" {
		return false, reason
	}
	base := "v0:" + ts + ":" + string(in.Body)
	expected := "v0=" + hmacDigest(sha256.New, in.Secret, []byte(base), hexEncode)
	if !constantTimeEqual(sig, expected) {
		return false, ReasonSignatureMismatch
	}
	return true, ""
}

func verifyStripe(in VerifyInput) (bool, FailureReason) {
	raw := in.Header.Get("Stripe-Signature")
	if raw == "" {
		return false, ReasonMissingSignature
	}
	var ts string
	var candidates []string
	for _, part := range strings.Split(raw, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return false, ReasonInvalidSignatureFormat
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			candidates = append(candidates, v)
		}
	}
	if ts == "" {
		return false, ReasonMissingTimestamp
	}
	if len(candidates) == 0 {
		return false, ReasonInvalidSignatureFormat
	}
	if reason := checkTimestamp(ts, in.Now); reason != "" {
		return false, reason
	}
	expected := hmacDigest(sha256.New, in.Secret, []byte(ts+"."+string(in.Body)), hexEncode)
	for _, c := range candidates {
		if constantTimeEqual(c, expected) {
			return true, ""
		}
	}
	return false, ReasonSignatureMismatch
}

func verifyHubSpot(in VerifyInput) (bool, FailureReason) {
	sig := in.Header.Get("X-HubSpot-Signature")
	ts := in.Header.Get("X-HubSpot-Request-Timestamp")
	if sig == "" {
		return false, ReasonMissingSignature
	}
	if ts == "" {
		return false, ReasonMissingTimestamp
	}
	base := in.Method + in.Host + in.Path + string(in.Body) + ts
	expected := hmacDigest(sha256.New, in.Secret, []byte(base), hexEncode)
	if !constantTimeEqual(sig, expected) {
		return false, ReasonSignatureMismatch
	}
	return true, ""
}

func verifyBodyHMAC(in VerifyInput, p hmacProfile, prefix string) (bool, FailureReason) {
	sig := in.Header.Get(p.header)
	if sig == "" {
		return false, ReasonMissingSignature
	}
	if prefix != "" {
		if !strings.HasPrefix(sig, prefix) {
			return false, ReasonInvalidSignatureFormat
		}
		sig = strings.TrimPrefix(sig, prefix)
	}
	expected := hmacDigest(p.hash, in.Secret, in.Body, p.encode)
	if !constantTimeEqual(sig, expected) {
		return false, ReasonSignatureMismatch
	}
	return true, ""
}

func verifySharedSecret(in VerifyInput, header string) (bool, FailureReason) {
	token := in.Header.Get(header)
	if token == "" {
		return false, ReasonMissingSignature
	}
	if !constantTimeEqual(token, in.Secret) {
		return false, ReasonSignatureMismatch
	}
	return true, ""
}

// verifyGeneric is the fallback for providers without a registered
// contract: hex HMAC-SHA256 over the body in X-Signature or
// X-Hub-Signature-256, with an optional sha256= prefix.
func verifyGeneric(in VerifyInput) (bool, FailureReason) {
	sig := in.Header.Get("X-Signature")
	if sig == "" {
		sig = in.Header.Get("X-Hub-Signature-256")
	}
	if sig == "" {
		return false, ReasonProviderNotRegistered
	}
	sig = strings.TrimPrefix(sig, "sha256=")
	expected := hmacDigest(sha256.New, in.Secret, in.Body, hexEncode)
	if !constantTimeEqual(sig, expected) {
		return false, ReasonSignatureMismatch
	}
	return true, ""
}

func checkTimestamp(ts string, now time.Time) FailureReason {
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ReasonInvalidSignatureFormat
	}
	drift := now.Sub(time.Unix(sec, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > signatureTolerance {
		return ReasonTimestampOutOfRange
	}
	return ""
}

func hmacDigest(h func() hash.Hash, secret string, payload []byte, encode func([]byte) string) string {
	mac := hmac.New(h, []byte(secret))
	mac.Write(payload)
	return encode(mac.Sum(nil))
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
