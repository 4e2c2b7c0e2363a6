// Package challenge classifies responses from the target site's protective
// edge layer and drives the recovery ladder when a block is detected.
package challenge

import (
	"bytes"
	"net/http"
)

// Kind is the classified challenge type.
type Kind string

const (
	KindNone         Kind = "none"
	KindJSChallenge  Kind = "js-challenge"
	KindCaptcha      Kind = "captcha"
	KindRateBlock    Kind = "rate-block"
	KindUnknownBlock Kind = "unknown-block"
)

// State is the result of inspecting one fetched page. Derived purely from
// response content and status; never persisted.
type State struct {
	IsChallenge bool
	Kind        Kind
	RawSignal   string // the marker or status that triggered the classification
}

// Marker sets, most specific first. The captcha set must be checked before
// the generic interstitial set: a Turnstile page also says "checking your
// browser" but needs the interactive rung, not a plain wait.
var captchaMarkers = []string{
	"g-recaptcha",
	"recaptcha/api",
	"hcaptcha.com",
	"h-captcha",
	"cf-turnstile",
	"challenges.cloudflare.com/turnstile",
}

var jsChallengeMarkers = []string{
	"checking your browser before accessing",
	"this process is automatic",
	"just a moment...",
	"cf-browser-verification",
	"cf-challenge",
	"ddos protection by cloudflare",
	"enable javascript and cookies to continue",
}

var rateBlockMarkers = []string{
	"your access has been temporarily restricted",
	"activity from your network is unusual",
	"acesso restrito devido a atividade incomum",
	"atividade incomum",
	"403201",
	"too many requests",
}

// appMarkers are strings an authentic application page carries even in its
// empty state. A "no appointments available" page still mentions
// appointments, which is exactly what separates it from a block page.
var appMarkers = []string{
	"appointment",
	"book-appointment",
	"visa application",
	"schedule",
	"login",
}

// Classify inspects a fetched page and reports whether it is a challenge and
// of what kind. Layering: explicit block markers first, then rate-block
// status codes, then absence of application markers as a weak signal. Pure
// function; callers may invoke it from any goroutine.
func Classify(status int, body []byte) State {
	lower := bytes.ToLower(body)

	if m := firstMarker(lower, captchaMarkers); m != "" {
		return State{IsChallenge: true, Kind: KindCaptcha, RawSignal: m}
	}
	if m := firstMarker(lower, jsChallengeMarkers); m != "" {
		return State{IsChallenge: true, Kind: KindJSChallenge, RawSignal: m}
	}
	if m := firstMarker(lower, rateBlockMarkers); m != "" {
		return State{IsChallenge: true, Kind: KindRateBlock, RawSignal: m}
	}

	switch status {
	case http.StatusTooManyRequests:
		return State{IsChallenge: true, Kind: KindRateBlock, RawSignal: "status 429"}
	case http.StatusForbidden, http.StatusServiceUnavailable:
		// Block pages served with these codes sometimes carry none of the
		// known phrases. A real application page never uses them.
		if firstMarker(lower, appMarkers) == "" {
			return State{IsChallenge: true, Kind: KindRateBlock, RawSignal: statusSignal(status)}
		}
	}

	// A substantial 200 response with no trace of the application is some
	// interstitial we have no marker for yet.
	if status == http.StatusOK && len(body) > 0 && firstMarker(lower, appMarkers) == "" {
		return State{IsChallenge: true, Kind: KindUnknownBlock, RawSignal: "no application markers"}
	}

	return State{Kind: KindNone}
}

func firstMarker(lower []byte, markers []string) string {
	for _, m := range markers {
		if bytes.Contains(lower, []byte(m)) {
			return m
		}
	}
	return ""
}

func statusSignal(status int) string {
	return "status " + http.StatusText(status)
}
