package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/slotwatch/slotwatch/identity"
)

// stealthScript builds the anti-fingerprinting bundle for fp. It complements
// the go-rod/stealth page patches with overrides that must agree with the
// identity: navigator.webdriver, plugins, languages, hardware, WebGL vendor
// strings and the network-information surface.
//
// The script is safe to evaluate more than once on the same page: every
// definition checks whether the property was already patched (or is no
// longer configurable) before redefining it.
func stealthScript(fp identity.Fingerprint) string {
	langs := jsVal(fp.Languages)

	var b strings.Builder
	b.WriteString("(() => {\n")
	b.WriteString("if (window.__sw_patched) { return; }\n")
	b.WriteString("try { Object.defineProperty(window, '__sw_patched', {value: true, configurable: false}); } catch (e) {}\n")

	b.WriteString(`
const patch = (obj, prop, getter) => {
  try {
    const d = Object.getOwnPropertyDescriptor(obj, prop);
    if (d && d.configurable === false) { return; }
    Object.defineProperty(obj, prop, {get: getter, configurable: true});
  } catch (e) {}
};
`)

	// Core automation tells.
	b.WriteString("patch(navigator, 'webdriver', () => undefined);\n")
	b.WriteString("patch(navigator, 'languages', () => " + langs + ");\n")
	fmt.Fprintf(&b, "patch(navigator, 'platform', () => %s);\n", jsVal(fp.Platform))
	fmt.Fprintf(&b, "patch(navigator, 'hardwareConcurrency', () => %d);\n", fp.HardwareConcurrency)
	fmt.Fprintf(&b, "patch(navigator, 'deviceMemory', () => %d);\n", fp.DeviceMemory)

	// A headless profile ships zero plugins; real Chrome never does.
	b.WriteString(`
patch(navigator, 'plugins', () => {
  const arr = [
    {name: 'PDF Viewer', filename: 'internal-pdf-viewer', description: 'Portable Document Format'},
    {name: 'Chrome PDF Viewer', filename: 'internal-pdf-viewer', description: 'Portable Document Format'},
    {name: 'Chromium PDF Viewer', filename: 'internal-pdf-viewer', description: 'Portable Document Format'},
  ];
  arr.item = i => arr[i];
  arr.namedItem = n => arr.find(p => p.name === n);
  arr.refresh = () => {};
  return arr;
});
`)

	// Network Information API consistent with the drawn link quality.
	fmt.Fprintf(&b, `
patch(navigator, 'connection', () => ({
  effectiveType: %s,
  rtt: %d,
  downlink: %s,
  saveData: false,
}));
`, jsVal(fp.ConnectionType), fp.ConnectionRTT, jsNum(fp.ConnectionDownlink))

	// window.chrome exists on real Chrome regardless of headless mode.
	b.WriteString(`
if (!window.chrome || !window.chrome.runtime) {
  try {
    window.chrome = window.chrome || {};
    window.chrome.runtime = window.chrome.runtime || {};
    window.chrome.loadTimes = window.chrome.loadTimes || (() => ({}));
    window.chrome.csi = window.chrome.csi || (() => ({}));
  } catch (e) {}
}
`)

	// Permission queries: headless answers 'denied' for notifications where
	// real Chrome mirrors Notification.permission.
	b.WriteString(`
if (navigator.permissions && navigator.permissions.query && !navigator.permissions.__sw) {
  try {
    const orig = navigator.permissions.query.bind(navigator.permissions);
    navigator.permissions.query = p =>
      p && p.name === 'notifications'
        ? Promise.resolve({state: Notification.permission})
        : orig(p);
    Object.defineProperty(navigator.permissions, '__sw', {value: true});
  } catch (e) {}
}
`)

	// WebGL vendor strings: SwiftShader gives headless away.
	b.WriteString(`
const patchGL = proto => {
  if (!proto || proto.__sw) { return; }
  try {
    const orig = proto.getParameter;
    proto.getParameter = function (p) {
      if (p === 37445) { return 'Intel Inc.'; }
      if (p === 37446) { return 'Intel Iris OpenGL Engine'; }
      return orig.call(this, p);
    };
    Object.defineProperty(proto, '__sw', {value: true});
  } catch (e) {}
};
if (window.WebGLRenderingContext) { patchGL(WebGLRenderingContext.prototype); }
if (window.WebGL2RenderingContext) { patchGL(WebGL2RenderingContext.prototype); }
`)

	b.WriteString("})();\n")
	return b.String()
}

// jsVal JSON-encodes v for safe embedding in the script.
func jsVal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func jsNum(f float64) string {
	return fmt.Sprintf("%.2f", f)
}
