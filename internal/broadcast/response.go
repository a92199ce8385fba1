package broadcast

// ShardsInfo is the "_shards" section of a broadcast response.
type ShardsInfo struct {
	Failures   []ShardFailure `json:"failures"`
	Total      int            `json:"total"`
	Successful int            `json:"successful"`
	Failed     int            `json:"failed"`
}

// Response is what callers of a broadcast action receive.
type Response struct {
	Shards ShardsInfo `json:"_shards"`
}

// BuildResponse packages an aggregate result. It performs no I/O.
func BuildResponse(r AggregateResult) Response {
	failures := r.Failures
	if failures == nil {
		failures = []ShardFailure{}
	}
	return Response{Shards: ShardsInfo{
		Total:      r.TotalShards,
		Successful: r.SuccessfulShards,
		Failed:     r.FailedShards,
		Failures:   failures,
	}}
}
