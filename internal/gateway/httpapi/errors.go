package httpapi

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/bothost/internal/hoster"
)

// ErrorBody is the error response of every /v1 endpoint.
type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	// Delivery carries the scan statements when Kind is malicious_code.
	Delivery *hoster.Delivery `json:"delivery,omitempty"`
}

// StatusFor maps an error kind to the HTTP status it is reported with.
func StatusFor(kind string) int {
	switch kind {
	case hoster.KindSessionNotFound:
		return http.StatusNotFound
	case hoster.KindCapacityExceeded, hoster.KindSlotConflict, hoster.KindEntryNotSelected:
		return http.StatusConflict
	case hoster.KindPathEscape, hoster.KindNotAnArchive, hoster.KindTooManyEntries,
		hoster.KindUnsafePath, hoster.KindCorruptArchive, hoster.KindInvalidInput:
		return http.StatusBadRequest
	case hoster.KindArchiveTooLarge:
		return http.StatusRequestEntityTooLarge
	case hoster.KindMaliciousCode:
		return http.StatusUnprocessableEntity
	case hoster.KindGeneratorDisabled:
		return http.StatusNotImplemented
	case hoster.KindClassifierUnavailable:
		return http.StatusServiceUnavailable
	case hoster.KindRateLimited:
		return http.StatusTooManyRequests
	case hoster.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NewErrorBody builds the response body for err. Internal errors are not
// echoed to the client.
func NewErrorBody(err error, d *hoster.Delivery) ErrorBody {
	kind := hoster.ErrorKind(err)
	body := ErrorBody{Error: err.Error(), Kind: kind}
	if kind == hoster.KindInternal {
		body.Error = "internal error"
	}
	if errors.Is(err, hoster.ErrMaliciousCode) {
		body.Delivery = d
	}
	return body
}

func (g *Gateway) fail(c *okapi.Context, err error, d *hoster.Delivery) error {
	body := NewErrorBody(err, d)
	status := StatusFor(body.Kind)
	if status >= http.StatusInternalServerError {
		g.logger.ErrorContext(c.Context(), "request failed",
			slog.String("user_id", c.GetString("userID")),
			slog.String("kind", body.Kind),
			slog.String("error", err.Error()),
		)
	}
	return c.JSON(status, body)
}

// retryAfter renders a wait as whole seconds, at least one.
func retryAfter(wait time.Duration) string {
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
