// Package booking fills and submits the appointment form for a batch of
// clients once the monitor has found an open slot. A batch is bounded, runs
// client by client, and never aborts early: one client's failure must not
// cost the rest of the batch their shot at the slot.
package booking

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// ClientRecord is one applicant loaded from the client roster.
type ClientRecord struct {
	FirstName         string
	LastName          string
	DateOfBirth       string
	Email             string
	Password          string
	MobileCountryCode string
	MobileNumber      string
	PassportNumber    string
	VisaType          string
	ApplicationCenter string
	ServiceCenter     string
	TripReason        string
	Gender            string
	Nationality       string
	PassportExpiry    string
}

// Phone renders the dialable number the form expects.
func (c ClientRecord) Phone() string {
	return c.MobileCountryCode + c.MobileNumber
}

// Ref identifies the client in logs and attempt records without exposing
// the full roster row.
func (c ClientRecord) Ref() string { return c.Email }

// Validate reports the first missing required field, if any.
func (c ClientRecord) Validate() error {
	switch {
	case c.FirstName == "":
		return fmt.Errorf("booking: client %s: first name is required", c.Ref())
	case c.LastName == "":
		return fmt.Errorf("booking: client %s: last name is required", c.Ref())
	case c.Email == "" || !strings.Contains(c.Email, "@"):
		return fmt.Errorf("booking: client: valid email is required")
	case c.MobileNumber == "":
		return fmt.Errorf("booking: client %s: mobile number is required", c.Ref())
	}
	return nil
}

// LoadClients reads the roster CSV. The header row names the columns;
// unknown columns are ignored and missing ones default to empty. A client
// with no visa type inherits the trip reason, matching how rosters are
// usually filled in.
func LoadClients(r io.Reader) ([]ClientRecord, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("booking: read roster header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}

	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var out []ClientRecord
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("booking: read roster row: %w", err)
		}

		c := ClientRecord{
			FirstName:         field(row, "first_name"),
			LastName:          field(row, "last_name"),
			DateOfBirth:       field(row, "date_of_birth"),
			Email:             field(row, "email"),
			Password:          field(row, "password"),
			MobileCountryCode: field(row, "mobile_country_code"),
			MobileNumber:      field(row, "mobile_number"),
			PassportNumber:    field(row, "passport_number"),
			VisaType:          field(row, "visa_type"),
			ApplicationCenter: field(row, "application_center"),
			ServiceCenter:     field(row, "service_center"),
			TripReason:        field(row, "trip_reason"),
			Gender:            field(row, "gender"),
			Nationality:       field(row, "current_nationality"),
			PassportExpiry:    field(row, "passport_expiry"),
		}
		if c.VisaType == "" {
			c.VisaType = c.TripReason
		}
		out = append(out, c)
	}
	return out, nil
}
