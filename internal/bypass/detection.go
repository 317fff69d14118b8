// Package bypass recognises bot walls and challenge pages so that a blocked
// fetch is not mistaken for a real product or search result page.
package bypass

import (
	"bytes"
	"net/http"
	"strings"
)

// Page is the slice of a response the detectors look at.
type Page struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Detector reports whether p is a challenge page, and which vendor served it.
type Detector func(p Page) (detected bool, source string)

// DefaultDetectors returns every built-in detector.
func DefaultDetectors() []Detector {
	return []Detector{
		detectCloudflare,
		detectAkamai,
		detectDataDome,
		detectPerimeterX,
		detectDuckDuckGo,
		detectAmazon,
	}
}

// Detect runs p through detectors and returns the first vendor that matched,
// or "" when the page looks genuine.
func Detect(p Page, detectors []Detector) string {
	for _, d := range detectors {
		if ok, src := d(p); ok {
			return src
		}
	}
	return ""
}

func server(p Page) string {
	return strings.ToLower(p.Header.Get("Server"))
}

func containsAny(body []byte, needles ...string) bool {
	for _, n := range needles {
		if bytes.Contains(body, []byte(n)) {
			return true
		}
	}
	return false
}

func detectCloudflare(p Page) (bool, string) {
	if p.StatusCode != http.StatusForbidden && p.StatusCode != http.StatusServiceUnavailable {
		return false, ""
	}
	if strings.Contains(server(p), "cloudflare") ||
		containsAny(p.Body, "cf-browser-verification", "cf-turnstile", "Attention Required! | Cloudflare") {
		return true, "Cloudflare"
	}
	return false, ""
}

func detectAkamai(p Page) (bool, string) {
	if p.StatusCode != http.StatusForbidden {
		return false, ""
	}
	if strings.Contains(server(p), "akamai") ||
		(bytes.Contains(p.Body, []byte("Reference #")) && bytes.Contains(p.Body, []byte("Access Denied"))) {
		return true, "Akamai"
	}
	return false, ""
}

func detectDataDome(p Page) (bool, string) {
	if p.StatusCode != http.StatusForbidden {
		return false, ""
	}
	if strings.Contains(server(p), "datadome") ||
		p.Header.Get("X-DataDome") != "" ||
		containsAny(p.Body, "geo.captcha-delivery.com") {
		return true, "DataDome"
	}
	return false, ""
}

func detectPerimeterX(p Page) (bool, string) {
	if p.StatusCode != http.StatusForbidden {
		return false, ""
	}
	if p.Header.Get("X-Px-Captcha") != "" ||
		containsAny(p.Body, "client.perimeterx.net", "px-captcha", "_pxBlock") {
		return true, "PerimeterX"
	}
	return false, ""
}

// detectDuckDuckGo matches the anomaly page the HTML endpoint serves to
// clients it has rate limited. It is delivered with a 200 or 202.
func detectDuckDuckGo(p Page) (bool, string) {
	if containsAny(p.Body, "anomaly-modal", "challenge-form", "Unfortunately, bots use DuckDuckGo too") {
		return true, "DuckDuckGo"
	}
	return false, ""
}

// detectAmazon matches the robot-check interstitial.
func detectAmazon(p Page) (bool, string) {
	if containsAny(p.Body, "/errors/validateCaptcha", "api-services-support@amazon.com") {
		return true, "Amazon"
	}
	return false, ""
}
