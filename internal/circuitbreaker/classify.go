package circuitbreaker

// FailureStatus reports whether an upstream HTTP status counts as a
// breaker failure. Only server-side statuses trip the breaker; a 4xx
// means the upstream is healthy and the client erred.
func FailureStatus(status int) bool {
	return status >= 500
}

// Failure reports whether a forward outcome counts as a breaker failure:
// any transport error, or a response with a 5xx status.
func Failure(status int, err error) bool {
	return err != nil || FailureStatus(status)
}
