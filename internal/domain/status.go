package domain

import "fmt"

// Status is a client-level result code carried by responses and retry
// bookkeeping.
type Status uint16

const (
	StatusSuccess Status = iota
	StatusTimeout
	StatusNetworkError
	StatusConnectionReset
	StatusNotMyVbucket
	StatusUnknownCollection
	StatusTemporaryFailure
	StatusBusy
	StatusNoMatchingServer
	StatusMapChanged
	StatusAuthError
	StatusInvalidArgument
	StatusKeyNotFound
	StatusKeyExists
	StatusShutdown
	StatusGeneric
)

var statusNames = map[Status]string{
	StatusSuccess:           "SUCCESS",
	StatusTimeout:           "TIMEOUT",
	StatusNetworkError:      "NETWORK_ERROR",
	StatusConnectionReset:   "CONNECTION_RESET",
	StatusNotMyVbucket:      "NOT_MY_VBUCKET",
	StatusUnknownCollection: "UNKNOWN_COLLECTION",
	StatusTemporaryFailure:  "TEMPORARY_FAILURE",
	StatusBusy:              "BUSY",
	StatusNoMatchingServer:  "NO_MATCHING_SERVER",
	StatusMapChanged:        "MAP_CHANGED",
	StatusAuthError:         "AUTH_ERROR",
	StatusInvalidArgument:   "INVALID_ARGUMENT",
	StatusKeyNotFound:       "KEY_NOT_FOUND",
	StatusKeyExists:         "KEY_EXISTS",
	StatusShutdown:          "SHUTDOWN",
	StatusGeneric:           "GENERIC_ERROR",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS(%d)", uint16(s))
}

func (s Status) IsSuccess() bool {
	return s == StatusSuccess
}

// IsTimeout reports whether s is a bare timeout.
func (s Status) IsTimeout() bool {
	return s == StatusTimeout
}

// IsNetwork reports whether s originates from the socket layer.
func (s Status) IsNetwork() bool {
	switch s {
	case StatusNetworkError, StatusConnectionReset:
		return true
	}
	return false
}

// Error lets a Status travel through error-returning APIs.
func (s Status) Error() string {
	return s.String()
}
