package booking

import (
	"context"
	"fmt"
	"time"
)

// Driver is the page surface the orchestrator fills forms through.
// *session.Session satisfies it via a thin adapter in the engine; tests use
// an in-memory fake.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	FillField(ctx context.Context, selector, value string, keyDelay func() time.Duration) error
	SelectOption(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	Text(ctx context.Context, selector string) (string, error)
	Has(ctx context.Context, selector string) (bool, error)
	FieldValue(ctx context.Context, selector string) (string, error)
}

type fieldKind int

const (
	kindText fieldKind = iota
	kindSelect
)

// fieldStep maps one logical form field to an ordered list of selector
// candidates. Booking portals rename their inputs between deployments; the
// first selector present on the page wins, and a field whose value is empty
// is skipped entirely.
type fieldStep struct {
	name      string
	kind      fieldKind
	selectors []string
	value     func(ClientRecord) string
	required  bool
}

var formPlan = []fieldStep{
	{
		name: "first-name", kind: kindText, required: true,
		selectors: []string{
			`input[name="firstName"]`, `input[name="first_name"]`,
			`input[name="givenName"]`, `input[id*="first"]`,
			`input[placeholder*="first"]`, `#firstName`, `#first_name`,
		},
		value: func(c ClientRecord) string { return c.FirstName },
	},
	{
		name: "last-name", kind: kindText, required: true,
		selectors: []string{
			`input[name="lastName"]`, `input[name="last_name"]`,
			`input[name="surname"]`, `input[id*="last"]`,
			`input[placeholder*="last"]`, `#lastName`, `#last_name`,
		},
		value: func(c ClientRecord) string { return c.LastName },
	},
	{
		name: "email", kind: kindText, required: true,
		selectors: []string{
			`input[name="email"]`, `input[name="emailAddress"]`,
			`input[type="email"]`, `input[id*="email"]`,
			`input[placeholder*="email"]`, `#email`, `#emailAddress`,
		},
		value: func(c ClientRecord) string { return c.Email },
	},
	{
		name: "phone", kind: kindText, required: true,
		selectors: []string{
			`input[name="phone"]`, `input[name="phoneNumber"]`,
			`input[name="mobile"]`, `input[id*="phone"]`,
			`input[placeholder*="phone"]`, `#phone`, `#phoneNumber`,
		},
		value: func(c ClientRecord) string { return c.Phone() },
	},
	{
		name: "passport", kind: kindText,
		selectors: []string{
			`input[name="passportNumber"]`, `input[name="passport"]`,
			`input[id*="passport"]`, `input[placeholder*="passport"]`,
			`#passportNumber`, `#passport`,
		},
		value: func(c ClientRecord) string { return c.PassportNumber },
	},
	{
		name: "nationality", kind: kindSelect,
		selectors: []string{
			`select[name="nationality"]`, `select[name="country"]`,
			`select[id*="nationality"]`, `select[id*="country"]`,
			`#nationality`, `#country`,
		},
		value: func(c ClientRecord) string { return c.Nationality },
	},
	{
		name: "visa-type", kind: kindSelect,
		selectors: []string{
			`select[name="visaType"]`, `select[name="serviceType"]`,
			`select[id*="visa"]`, `select[id*="service"]`,
			`#visaType`, `#serviceType`,
		},
		value: func(c ClientRecord) string { return c.VisaType },
	},
	{
		name: "date-of-birth", kind: kindText,
		selectors: []string{
			`input[name="dateOfBirth"]`, `input[name="dob"]`,
			`input[type="date"]`, `input[id*="birth"]`,
			`#dateOfBirth`, `#dob`,
		},
		value: func(c ClientRecord) string { return c.DateOfBirth },
	},
}

const (
	submitSelector       = `button[type="submit"]`
	confirmationSelector = `.booking-confirmation, .confirmation-number`
	referenceSelector    = `.booking-reference, .confirmation-number`
)

// fillForm walks the plan for one client. A required field with no matching
// selector on the page fails the fill; optional fields are best-effort.
func fillForm(ctx context.Context, d Driver, c ClientRecord, keyDelay, fieldPause func() time.Duration) error {
	for _, step := range formPlan {
		if err := ctx.Err(); err != nil {
			return err
		}
		val := step.value(c)
		if val == "" {
			continue
		}

		sel, err := firstPresent(ctx, d, step.selectors)
		if err != nil {
			return fmt.Errorf("booking: probe %s: %w", step.name, err)
		}
		if sel == "" {
			if step.required {
				return fmt.Errorf("booking: field %s: no selector matched", step.name)
			}
			continue
		}

		switch step.kind {
		case kindText:
			if err := d.FillField(ctx, sel, val, keyDelay); err != nil {
				return fmt.Errorf("booking: fill %s: %w", step.name, err)
			}
			if step.required {
				// Read the value back: a field the page silently swallowed
				// must not make it to submit. Input masks may reformat, so
				// only emptiness counts as rejection.
				got, err := d.FieldValue(ctx, sel)
				if err != nil {
					return fmt.Errorf("booking: verify %s: %w", step.name, err)
				}
				if got == "" {
					return fmt.Errorf("booking: field %s: value not accepted", step.name)
				}
			}
		case kindSelect:
			if err := d.SelectOption(ctx, sel, val); err != nil {
				return fmt.Errorf("booking: select %s: %w", step.name, err)
			}
		}

		if fieldPause != nil {
			time.Sleep(fieldPause())
		}
	}
	return nil
}

func firstPresent(ctx context.Context, d Driver, selectors []string) (string, error) {
	for _, sel := range selectors {
		ok, err := d.Has(ctx, sel)
		if err != nil {
			return "", err
		}
		if ok {
			return sel, nil
		}
	}
	return "", nil
}

// submitForm clicks submit and extracts the confirmation reference.
func submitForm(ctx context.Context, d Driver) (string, error) {
	if err := d.Click(ctx, submitSelector); err != nil {
		return "", fmt.Errorf("booking: submit: %w", err)
	}

	ok, err := d.Has(ctx, confirmationSelector)
	if err != nil {
		return "", fmt.Errorf("booking: confirmation probe: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("booking: no confirmation rendered after submit")
	}

	ref, err := d.Text(ctx, referenceSelector)
	if err != nil {
		return "", fmt.Errorf("booking: read reference: %w", err)
	}
	return ref, nil
}
