package avail

import "testing"

func TestScan_StructuralSlots(t *testing.T) {
	body := []byte(`<html><body>
<div class="calendar">
  <div data-testid="appointment-slot">09:00</div>
  <div data-testid="appointment-slot">09:30</div>
  <div class="calendar-day available">14</div>
</div>
</body></html>`)

	sig := Scan(body)
	if !sig.Available {
		t.Fatal("structural slots not detected")
	}
	if sig.Slots != 3 {
		t.Fatalf("want 3 slots, got %d", sig.Slots)
	}
	if sig.Source != "structural" {
		t.Fatalf("want structural source, got %s", sig.Source)
	}
}

func TestScan_RadioSlots(t *testing.T) {
	body := []byte(`<html><body><form>
<input type="radio" name="slot-0900" value="0900">
<input type="radio" name="slot-0930" value="0930">
<input type="checkbox" name="terms">
</form></body></html>`)

	sig := Scan(body)
	if !sig.Available || sig.Slots != 2 {
		t.Fatalf("want 2 radio slots, got %+v", sig)
	}
}

func TestScan_DisabledAndUnavailableIgnored(t *testing.T) {
	body := []byte(`<html><body>
<div class="calendar-day unavailable">13</div>
<input type="radio" name="slot-0900" disabled>
<p>No appointments available at this centre.</p>
</body></html>`)

	sig := Scan(body)
	if sig.Available {
		t.Fatalf("disabled/unavailable affordances misread as slots: %+v", sig)
	}
	if sig.Source != "empty-state" {
		t.Fatalf("want empty-state source, got %s", sig.Source)
	}
}

func TestScan_EmptyStateBeatsFreeText(t *testing.T) {
	// Empty-state wording wins over the page's generic invitation copy.
	body := []byte(`<html><body>
<h1>Available dates</h1>
<p>All appointments are fully booked.</p>
</body></html>`)

	if sig := Scan(body); sig.Available {
		t.Fatalf("fully-booked page misread as available: %+v", sig)
	}
}

func TestScan_FreeTextFallback(t *testing.T) {
	body := []byte(`<html><body>
<h2>Select a time slot to continue your application</h2>
</body></html>`)

	sig := Scan(body)
	if !sig.Available || sig.Source != "free-text" {
		t.Fatalf("want weak free-text positive, got %+v", sig)
	}
	if sig.Slots != 1 {
		t.Fatalf("free-text positive must report a single tentative slot, got %d", sig.Slots)
	}
}

func TestScan_PlainPage(t *testing.T) {
	if sig := Scan([]byte(`<html><body><p>Hello</p></body></html>`)); sig.Available {
		t.Fatalf("plain page misread as available: %+v", sig)
	}
}
