package utils

type Pagination struct {
	Total       int64 `json:"total"`
	Limit       int   `json:"limit"`
	Offset      int   `json:"offset"`
	Pages       int   `json:"pages"`
	CurrentPage int   `json:"currentPage"`
}

// NewPagination derives page metadata from a total row count and the
// limit/offset the caller paged with.
func NewPagination(total int64, limit, offset int) Pagination {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	pages := int((total + int64(limit) - 1) / int64(limit))
	return Pagination{
		Total:       total,
		Limit:       limit,
		Offset:      offset,
		Pages:       pages,
		CurrentPage: offset/limit + 1,
	}
}
