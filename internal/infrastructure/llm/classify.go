package llm

import (
	"context"
	"errors"

	"FeedPoster/internal/domain"
)

const serviceName = "summarizer"

// classify tags an SDK error with a service error kind. A failure without an
// HTTP status is a network problem or a timeout and counts as transient.
func classify(err error, status int) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	if status != 0 {
		return domain.NewServiceError(serviceName, domain.ClassifyHTTPStatus(status), status, err)
	}
	return domain.NewServiceError(serviceName, domain.ServiceTransient, 0, err)
}
