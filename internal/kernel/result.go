package kernel

// Status is the query endpoint's top-level verdict, spec.md §6: "returns a
// structured result: { status: ok|warn|error, ... }".
type Status string

const (
	StatusOK    Status = "ok"
	StatusWarn  Status = "warn"
	StatusError Status = "error"
)

// Pagination mirrors the ingest/query endpoints' {limit, offset,
// total_count, has_more} envelope.
type Pagination struct {
	Limit      int
	Offset     int
	TotalCount int
	HasMore    bool
}

// CacheState reports whether Metrics.Cache was a hit or a miss.
type CacheState string

const (
	CacheMiss CacheState = "miss"
	CacheHit  CacheState = "hit"
)

// Metrics carries the query endpoint's {duration_ms, cache} pair.
type Metrics struct {
	DurationMs int64
	Cache      CacheState
}

// Result is every Dispatch call's structured return value, spec.md §6's
// query endpoint response shape.
type Result struct {
	Status     Status
	Data       any
	Pagination *Pagination
	Warnings   []string
	Metrics    Metrics
}

// Ok wraps data as a successful result with no pagination or warnings.
func Ok(data any) Result {
	return Result{Status: StatusOK, Data: data}
}

// WithPagination wraps data as a successful paginated result.
func WithPagination(data any, page Pagination) Result {
	return Result{Status: StatusOK, Data: data, Pagination: &page}
}

// WithWarnings attaches gateway or layer warnings to an otherwise
// successful result, setting Status to warn.
func WithWarnings(data any, warnings []string) Result {
	status := StatusOK
	if len(warnings) > 0 {
		status = StatusWarn
	}
	return Result{Status: status, Data: data, Warnings: warnings}
}
