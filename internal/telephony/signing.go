package telephony

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"time"
)

const signedHeaders = "x-ms-date;host;x-ms-content-sha256"

// signRequest adds the HMAC-SHA256 authorization headers. The string to sign
// is METHOD\nPATH?QUERY\nDATE;HOST;CONTENT_HASH.
func signRequest(req *http.Request, body []byte, key []byte, now time.Time) {
	sum := sha256.Sum256(body)
	contentHash := base64.StdEncoding.EncodeToString(sum[:])
	date := now.UTC().Format(http.TimeFormat)

	stringToSign := req.Method + "\n" +
		req.URL.RequestURI() + "\n" +
		date + ";" + req.URL.Host + ";" + contentHash

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(stringToSign))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("x-ms-date", date)
	req.Header.Set("x-ms-content-sha256", contentHash)
	req.Header.Set("Authorization", "HMAC-SHA256 SignedHeaders="+signedHeaders+"&Signature="+signature)
}
