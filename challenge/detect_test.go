package challenge

import (
	"net/http"
	"testing"
)

const emptyStatePage = `<!DOCTYPE html>
<html>
<head><title>Book an appointment</title></head>
<body>
<main class="booking">
<h1>Book an appointment</h1>
<p>No appointments available at your selected centre. All appointments are
fully booked. Please check again later.</p>
</main>
</body>
</html>`

const jsChallengePage = `<!DOCTYPE html>
<html>
<head><title>Just a moment...</title></head>
<body>
<div id="cf-browser-verification" class="cf-challenge">
<h1>Checking your browser before accessing</h1>
<p>This process is automatic. Your browser will redirect shortly.</p>
<p>DDoS protection by Cloudflare</p>
</div>
</body>
</html>`

const captchaPage = `<!DOCTYPE html>
<html>
<body>
<form>
<div class="cf-turnstile" data-sitekey="0x4AAAA"></div>
<script src="https://challenges.cloudflare.com/turnstile/v0/api.js"></script>
</form>
</body>
</html>`

const rateBlockPage = `<!DOCTYPE html>
<html>
<body>
<h1>Access Denied</h1>
<p>Your access has been temporarily restricted because activity from your
network is unusual. Reference: 403201</p>
</body>
</html>`

func TestClassify_EmptyStateIsNotAChallenge(t *testing.T) {
	st := Classify(http.StatusOK, []byte(emptyStatePage))
	if st.IsChallenge {
		t.Fatalf("empty-state page misclassified as %s (%s)", st.Kind, st.RawSignal)
	}
	if st.Kind != KindNone {
		t.Fatalf("want kind none, got %s", st.Kind)
	}
}

func TestClassify_JSChallenge(t *testing.T) {
	st := Classify(http.StatusServiceUnavailable, []byte(jsChallengePage))
	if !st.IsChallenge || st.Kind != KindJSChallenge {
		t.Fatalf("want js-challenge, got %+v", st)
	}
}

func TestClassify_FixturesNeverCollide(t *testing.T) {
	empty := Classify(http.StatusOK, []byte(emptyStatePage))
	blocked := Classify(http.StatusOK, []byte(jsChallengePage))
	if empty.Kind == blocked.Kind {
		t.Fatalf("empty-state and challenge fixtures classified identically: %s", empty.Kind)
	}
}

func TestClassify_Captcha(t *testing.T) {
	st := Classify(http.StatusForbidden, []byte(captchaPage))
	if st.Kind != KindCaptcha {
		t.Fatalf("want captcha, got %+v", st)
	}
}

func TestClassify_RateBlockByMarker(t *testing.T) {
	st := Classify(http.StatusOK, []byte(rateBlockPage))
	if st.Kind != KindRateBlock {
		t.Fatalf("want rate-block, got %+v", st)
	}
}

func TestClassify_RateBlockByStatus(t *testing.T) {
	st := Classify(http.StatusTooManyRequests, []byte("slow down"))
	if st.Kind != KindRateBlock {
		t.Fatalf("429 must classify as rate-block, got %+v", st)
	}
}

func TestClassify_ForbiddenWithAppMarkersIsNotABlock(t *testing.T) {
	// A 403 on a page that still renders the application (e.g. an expired
	// login) must not be treated as an edge block.
	st := Classify(http.StatusForbidden, []byte(emptyStatePage))
	if st.IsChallenge {
		t.Fatalf("403 with application markers misclassified: %+v", st)
	}
}

func TestClassify_UnknownBlock(t *testing.T) {
	body := []byte(`<html><body><p>Request could not be completed.</p></body></html>`)
	st := Classify(http.StatusOK, body)
	if st.Kind != KindUnknownBlock {
		t.Fatalf("markerless interstitial should be unknown-block, got %+v", st)
	}
}
