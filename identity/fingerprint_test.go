package identity

import (
	"math/rand"
	"strings"
	"testing"
)

func TestDraw_PlatformMatchesUserAgent(t *testing.T) {
	g := NewGenerator(WithRand(rand.New(rand.NewSource(1))))

	for i := 0; i < 200; i++ {
		fp := g.Draw()
		switch fp.Platform {
		case "Win32":
			if !strings.Contains(fp.UserAgent, "Windows") {
				t.Fatalf("Win32 platform with non-Windows UA: %s", fp.UserAgent)
			}
		case "MacIntel":
			if !strings.Contains(fp.UserAgent, "Macintosh") {
				t.Fatalf("MacIntel platform with non-Mac UA: %s", fp.UserAgent)
			}
		case "Linux x86_64":
			if !strings.Contains(fp.UserAgent, "Linux") {
				t.Fatalf("Linux platform with non-Linux UA: %s", fp.UserAgent)
			}
		default:
			t.Fatalf("unknown platform %q", fp.Platform)
		}
	}
}

func TestDraw_ValuesWithinPools(t *testing.T) {
	g := NewGenerator(WithRand(rand.New(rand.NewSource(2))))

	fp := g.Draw()
	if fp.ViewportWidth < 1366 || fp.ViewportHeight < 768 {
		t.Errorf("implausible viewport %dx%d", fp.ViewportWidth, fp.ViewportHeight)
	}
	if fp.HardwareConcurrency == 0 || fp.DeviceMemory == 0 {
		t.Error("hardware hints not populated")
	}
	if fp.ConnectionRTT < 50 || fp.ConnectionRTT > 200 {
		t.Errorf("rtt out of range: %d", fp.ConnectionRTT)
	}
	if len(fp.Languages) == 0 || fp.Timezone == "" {
		t.Error("locale fields not populated")
	}
}

func TestDraw_VariesAcrossCalls(t *testing.T) {
	g := NewGenerator(WithRand(rand.New(rand.NewSource(3))))

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		seen[g.Draw().UserAgent] = true
	}
	if len(seen) < 2 {
		t.Error("expected user agent variety over 50 draws")
	}
}
