package cmd

import "errors"

var (
	// errUnknownLogLevel is returned for an unparsable --log-level.
	errUnknownLogLevel = errors.New("unknown log level")
	// errNotServing is returned by status when the server reports anything but SERVING.
	errNotServing = errors.New("server is not serving")
	// errControlAddrRequired is returned by status without an address.
	errControlAddrRequired = errors.New("control address must be provided")
)
