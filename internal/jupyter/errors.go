package jupyter

import "errors"

var (
	ErrNoConnectionInfo = errors.New("connection info not yet available")
	ErrMalformedPayload = errors.New("malformed kernel-launcher payload")
)
