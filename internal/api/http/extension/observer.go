package extension

import (
	"context"
	"time"
)

// Route names used in Request and metrics labels.
const (
	RouteUpdateDocument = "update_document"
	RouteBundle         = "bundle"
)

// Request describes a served request.
type Request struct {
	// ID is unique per request and echoed in the X-Request-Id header.
	ID string
	// Route is RouteUpdateDocument or RouteBundle.
	Route string
	// Method is the HTTP method.
	Method string
	// URL is the request URI as received.
	URL string
	// RemoteAddr is the client address.
	RemoteAddr string
	// UserAgent is the User-Agent header.
	UserAgent string
	// Status is the response status code.
	Status int
	// Duration is the time spent serving the request.
	Duration time.Duration
	// Time is when the request arrived.
	Time time.Time
}

// Observer is notified after a request to one of the routes has been served.
type Observer interface {
	ObserveRequest(ctx context.Context, req *Request)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, req *Request)

// ObserveRequest calls f.
func (f ObserverFunc) ObserveRequest(ctx context.Context, req *Request) {
	f(ctx, req)
}
