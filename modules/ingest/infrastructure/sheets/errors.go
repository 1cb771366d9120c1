package sheets

import (
	"net/http"

	"github.com/go-faster/errors"
	"google.golang.org/api/googleapi"

	"github.com/iota-uz/iota-ingest/pkg/queue"
)

var rateLimitReasons = map[string]struct{}{
	"rateLimitExceeded":     {},
	"userRateLimitExceeded": {},
	"quotaExceeded":         {},
}

// classify marks API errors that a retry cannot fix as permanent. Quota and
// server errors stay retryable.
func classify(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	switch gerr.Code {
	case http.StatusBadRequest, http.StatusNotFound:
		return permanent(err)
	case http.StatusForbidden:
		for _, item := range gerr.Errors {
			if _, ok := rateLimitReasons[item.Reason]; ok {
				return err
			}
		}
		return permanent(err)
	default:
		return err
	}
}

func permanent(err error) error {
	return queue.Permanent(err)
}
