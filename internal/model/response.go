package model

// StoreResponse is the normalized response of a replica call.
type StoreResponse struct {
	StatusCode int
	Headers    Headers
	Body       []byte
}

func (r *StoreResponse) Header(name string) string {
	return r.Headers.Get(name)
}

// LSN returns the replica's log sequence number, or -1 when absent.
func (r *StoreResponse) LSN() int64 {
	return r.Headers.Int64(HeaderLSN, -1)
}

// GlobalCommittedLSN returns the global committed LSN, or -1 when absent.
func (r *StoreResponse) GlobalCommittedLSN() int64 {
	return r.Headers.Int64(HeaderGlobalCommittedLSN, -1)
}

// NumberOfReadRegions returns the account read region count, or -1 when absent.
func (r *StoreResponse) NumberOfReadRegions() int64 {
	return r.Headers.Int64(HeaderNumberOfReadRegions, -1)
}

func (r *StoreResponse) RequestCharge() float64 {
	return r.Headers.Float64(HeaderRequestCharge, 0)
}

func (r *StoreResponse) SubStatus() int {
	return int(r.Headers.Int64(HeaderSubStatus, 0))
}
