// Package avail scans fetched booking pages for appointment availability
// signals. Detection is layered: structural slot affordances in the DOM are
// trusted first, explicit empty-state markers next, and free-text phrasing
// only as a weak last resort.
package avail

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Signal is the outcome of scanning one page.
type Signal struct {
	Available bool
	Slots     int
	Source    string // which heuristic fired
}

// Summary renders a short human-readable description for events.
func (s Signal) Summary() string {
	if !s.Available {
		return "no slots detected"
	}
	return fmt.Sprintf("%d slot(s) detected via %s", s.Slots, s.Source)
}

var slotTestIDs = map[string]bool{
	"appointment-slot": true,
	"time-slot":        true,
	"available-slot":   true,
}

// slotClassPairs lists class-token combinations that mark a bookable
// affordance: the first token names the widget, the second its state.
var slotClassPairs = [][2]string{
	{"slot", "available"},
	{"appointment", "available"},
	{"calendar-day", "available"},
	{"calendar-day", "bookable"},
	{"calendar-day", "selectable"},
	{"booking", "available"},
	{"time", "available"},
}

var radioNameHints = []string{"slot", "appointment", "time", "date"}

var noSlotsPhrases = []string{
	"no appointments available",
	"no slots available",
	"no available appointments",
	"all appointments are fully booked",
	"fully booked",
}

var weakPositivePhrases = []string{
	"select a time slot",
	"available dates",
	"choose your slot",
	"choose an appointment time",
}

// Scan inspects body and reports availability. Pure function.
func Scan(body []byte) Signal {
	doc, err := html.Parse(bytes.NewReader(body))
	if err == nil {
		if n := countSlotNodes(doc); n > 0 {
			return Signal{Available: true, Slots: n, Source: "structural"}
		}
	}

	lower := strings.ToLower(string(body))
	for _, p := range noSlotsPhrases {
		if strings.Contains(lower, p) {
			return Signal{Source: "empty-state"}
		}
	}
	for _, p := range weakPositivePhrases {
		if strings.Contains(lower, p) {
			// The page is inviting a selection even though no concrete slot
			// element matched; treat it as a single tentative slot.
			return Signal{Available: true, Slots: 1, Source: "free-text"}
		}
	}
	return Signal{Source: "none"}
}

func countSlotNodes(n *html.Node) int {
	count := 0
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && isSlotNode(n) {
			count++
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return count
}

func isSlotNode(n *html.Node) bool {
	var class, testID, name, typ string
	hasDisabled := false
	for _, a := range n.Attr {
		switch a.Key {
		case "class":
			class = strings.ToLower(a.Val)
		case "data-testid":
			testID = strings.ToLower(a.Val)
		case "name":
			name = strings.ToLower(a.Val)
		case "type":
			typ = strings.ToLower(a.Val)
		case "disabled":
			hasDisabled = true
		}
	}

	if hasDisabled {
		return false
	}
	if slotTestIDs[testID] {
		return true
	}
	if strings.Contains(class, "unavailable") {
		return false
	}
	for _, pair := range slotClassPairs {
		if strings.Contains(class, pair[0]) && strings.Contains(class, pair[1]) {
			return true
		}
	}
	if n.Data == "input" && typ == "radio" {
		for _, hint := range radioNameHints {
			if strings.Contains(name, hint) {
				return true
			}
		}
	}
	return false
}
