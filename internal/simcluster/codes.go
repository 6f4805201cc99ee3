package simcluster

import "github.com/felipemaragno/retryq/internal/domain"

// Server status codes as they appear on the wire.
const (
	CodeSuccess           uint16 = 0x00
	CodeKeyNotFound       uint16 = 0x01
	CodeKeyExists         uint16 = 0x02
	CodeNotMyVbucket      uint16 = 0x07
	CodeLocked            uint16 = 0x09
	CodeAuthError         uint16 = 0x20
	CodeNoAccess          uint16 = 0x24
	CodeRateLimited       uint16 = 0x30
	CodeBusy              uint16 = 0x85
	CodeTemporaryFailure  uint16 = 0x86
	CodeUnknownCollection uint16 = 0x88
)

var codeStatus = map[uint16]domain.Status{
	CodeSuccess:           domain.StatusSuccess,
	CodeKeyNotFound:       domain.StatusKeyNotFound,
	CodeKeyExists:         domain.StatusKeyExists,
	CodeNotMyVbucket:      domain.StatusNotMyVbucket,
	CodeLocked:            domain.StatusTemporaryFailure,
	CodeAuthError:         domain.StatusAuthError,
	CodeBusy:              domain.StatusBusy,
	CodeTemporaryFailure:  domain.StatusTemporaryFailure,
	CodeUnknownCollection: domain.StatusUnknownCollection,
}

// StatusFor maps a server code onto a client status. Codes the client has
// no fixed mapping for are generic and left to the error map.
func StatusFor(code uint16) domain.Status {
	if s, ok := codeStatus[code]; ok {
		return s
	}
	return domain.StatusGeneric
}
