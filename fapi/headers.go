package fapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderInteractionID     = "X-FAPI-Interaction-ID"
	HeaderAuthDate          = "X-FAPI-Auth-Date"
	HeaderCustomerIPAddress = "X-FAPI-Customer-IP-Address"
	HeaderRequestID         = "X-Request-ID"
)

// applyFAPIHeaders stamps the per-request FAPI headers and returns the
// interaction id so failures can be correlated with the bank's logs. The
// customer IP header is only sent when a customer address is known; the
// profile reserves it for customer-present requests.
func applyFAPIHeaders(req *http.Request, now time.Time, customerIP string) string {
	interactionID := uuid.NewString()
	req.Header.Set(HeaderInteractionID, interactionID)
	req.Header.Set(HeaderAuthDate, now.UTC().Format(http.TimeFormat))
	req.Header.Set(HeaderRequestID, uuid.NewString())
	if ip := strings.TrimSpace(customerIP); ip != "" {
		req.Header.Set(HeaderCustomerIPAddress, ip)
	}
	return interactionID
}
