// Package exchange implements live-trading REST clients for the supported
// venues behind one uniform interface, with strict precision and signing
// discipline.
package exchange

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by all clients
var (
	ErrInvalidSide          = errors.New("invalid side: must be buy or sell")
	ErrInvalidQuantity      = errors.New("invalid quantity: below step or minimum")
	ErrInvalidPrice         = errors.New("invalid price: below tick or minimum")
	ErrMissingCredential    = errors.New("missing credential")
	ErrSymbolNotFound       = errors.New("symbol not found on venue")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrOrderNotFound        = errors.New("order not found")
	ErrPriceUnavailable     = errors.New("price unavailable")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrPositionNotFound     = errors.New("position not found")
)

// maxErrorBody bounds how much of a venue response is kept for debugging
const maxErrorBody = 500

// VenueHTTPError carries a non-2xx venue response with the body trimmed
type VenueHTTPError struct {
	Venue  string
	Status int
	Body   string
}

// NewVenueHTTPError trims the body to 500 chars
func NewVenueHTTPError(venue string, status int, body string) *VenueHTTPError {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &VenueHTTPError{Venue: venue, Status: status, Body: body}
}

func (e *VenueHTTPError) Error() string {
	return fmt.Sprintf("%s http %d: %s", e.Venue, e.Status, e.Body)
}

// VenueBusinessError carries a venue's error envelope from a 200 response
type VenueBusinessError struct {
	Venue   string
	Code    string
	Message string
}

func (e *VenueBusinessError) Error() string {
	return fmt.Sprintf("%s business error %s: %s", e.Venue, e.Code, e.Message)
}

// asBusiness extracts a VenueBusinessError from an error chain
func asBusiness(err error, target **VenueBusinessError) bool {
	return errors.As(err, target)
}
