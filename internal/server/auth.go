package server

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
)

// signatureHeader carries the edge's HMAC-SHA1 signature of the request URL.
const signatureHeader = "X-Twilio-Signature"

// computeSignature returns the base64 HMAC-SHA1 of url keyed with secret.
// Upgrade requests carry no form body, so the signed payload is the URL alone.
func computeSignature(secret, url string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(url))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// authorized validates the signature header on a media-stream upgrade
// request. An empty configured token disables validation.
func (s *Server) authorized(r *http.Request) bool {
	token := s.cfg.Server.AuthToken
	if token == "" {
		return true
	}
	got := r.Header.Get(signatureHeader)
	if got == "" {
		return false
	}
	url := s.cfg.Server.PublicURL
	if url == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		url = scheme + "://" + r.Host + r.URL.RequestURI()
	}
	want := computeSignature(token, url)
	return hmac.Equal([]byte(got), []byte(want))
}
