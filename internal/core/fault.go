package core

import (
	"errors"
	"fmt"
)

// EstablishmentFault reports that a broker refused to create a session,
// typically because the requested resource units cannot be granted.
type EstablishmentFault struct {
	Reason   string `json:"reason"`
	MinUnits *int   `json:"minUnits,omitempty"`
	MaxUnits *int   `json:"maxUnits,omitempty"`
	Capacity int    `json:"capacity"`
}

func (f *EstablishmentFault) Error() string {
	return fmt.Sprintf("session establishment refused: %s (min=%s max=%s capacity=%d)",
		f.Reason, formatBound(f.MinUnits), formatBound(f.MaxUnits), f.Capacity)
}

func formatBound(v *int) string {
	if v == nil {
		return "auto"
	}
	return fmt.Sprintf("%d", *v)
}

// AsEstablishmentFault unwraps err into an *EstablishmentFault.
func AsEstablishmentFault(err error) (*EstablishmentFault, bool) {
	var fault *EstablishmentFault
	if errors.As(err, &fault) {
		return fault, true
	}
	return nil, false
}

// IntPtr returns a pointer to v, for optional unit bounds.
func IntPtr(v int) *int {
	return &v
}
