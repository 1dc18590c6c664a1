// Package incident stores citizen incident reports on the client until they
// have been relayed to the control center.
package incident

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Urgency levels accepted for a report
const (
	UrgencyLow    = "low"
	UrgencyMedium = "medium"
	UrgencyHigh   = "high"
)

var validate = validator.New()

// Incident is one report. Synced is false until the report has been
// delivered to the control center.
type Incident struct {
	ID          string    `validate:"required,uuid"`
	Title       string    `validate:"required,max=120"`
	Description string    `validate:"max=2000"`
	Category    string    `validate:"max=60"`
	Urgency     string    `validate:"required,oneof=low medium high"`
	ReportedAt  time.Time `validate:"required"`
	PhotoURI    string
	AudioURI    string
	Latitude    float64 `validate:"latitude"`
	Longitude   float64 `validate:"longitude"`
	Synced      bool
}

// New returns a pending report with a fresh ID, reported now
func New(title, description, urgency string) *Incident {
	return &Incident{
		ID:          uuid.NewString(),
		Title:       strings.TrimSpace(title),
		Description: strings.TrimSpace(description),
		Urgency:     strings.ToLower(strings.TrimSpace(urgency)),
		ReportedAt:  time.Now().UTC(),
	}
}

// Validate checks field constraints
func (i *Incident) Validate() error {
	if err := validate.Struct(i); err != nil {
		return fmt.Errorf("invalid incident: %w", err)
	}
	return nil
}

// ShortID returns the first block of the ID, enough to address a report by hand
func (i *Incident) ShortID() string {
	if idx := strings.IndexByte(i.ID, '-'); idx > 0 {
		return i.ID[:idx]
	}
	return i.ID
}

// Summary renders the report as a single chat line
func (i *Incident) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[INCIDENT %s] %s (urgency: %s)", i.ShortID(), i.Title, i.Urgency)
	if i.Category != "" {
		fmt.Fprintf(&b, " [%s]", i.Category)
	}
	if i.Description != "" {
		fmt.Fprintf(&b, ": %s", i.Description)
	}
	if i.Latitude != 0 || i.Longitude != 0 {
		fmt.Fprintf(&b, " @ %.5f,%.5f", i.Latitude, i.Longitude)
	}
	return b.String()
}
