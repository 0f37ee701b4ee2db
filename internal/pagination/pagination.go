// Package pagination tracks page/limit/offset state for list views and builds
// the page summary returned by list endpoints.
package pagination

const (
	DefaultPage  = 1
	DefaultLimit = 50
)

// Options configures a State.
type Options struct {
	InitialPage   int
	InitialLimit  int
	OnPageChange  func(page int)
	OnLimitChange func(limit int)
}

// State is a page cursor over a list of Total items. It is not safe for
// concurrent use.
type State struct {
	page  int
	limit int
	total int

	onPageChange  func(int)
	onLimitChange func(int)
}

// New returns a State on the initial page with no items.
func New(opts Options) *State {
	s := &State{
		page:          opts.InitialPage,
		limit:         opts.InitialLimit,
		onPageChange:  opts.OnPageChange,
		onLimitChange: opts.OnLimitChange,
	}
	if s.page < 1 {
		s.page = DefaultPage
	}
	if s.limit <= 0 {
		s.limit = DefaultLimit
	}
	return s
}

func (s *State) Page() int  { return s.page }
func (s *State) Limit() int { return s.limit }
func (s *State) Total() int { return s.total }

// Offset is the index of the first item on the current page.
func (s *State) Offset() int { return (s.page - 1) * s.limit }

// TotalPages is ceil(total/limit); zero when there are no items.
func (s *State) TotalPages() int {
	return ceilDiv(s.total, s.limit)
}

func (s *State) HasNextPage() bool     { return s.page < s.TotalPages() }
func (s *State) HasPreviousPage() bool { return s.page > 1 }

// SetPage moves to page. Pages outside 1..TotalPages are ignored.
func (s *State) SetPage(page int) {
	if page < 1 || page > s.TotalPages() {
		return
	}
	s.page = page
	if s.onPageChange != nil {
		s.onPageChange(page)
	}
}

// SetLimit changes the page size and returns to the first page. Non-positive
// limits are ignored.
func (s *State) SetLimit(limit int) {
	if limit <= 0 {
		return
	}
	s.limit = limit
	s.page = 1
	if s.onLimitChange != nil {
		s.onLimitChange(limit)
	}
}

func (s *State) SetTotal(total int) {
	if total < 0 {
		total = 0
	}
	s.total = total
}

func (s *State) NextPage() {
	if s.HasNextPage() {
		s.SetPage(s.page + 1)
	}
}

func (s *State) PreviousPage() {
	if s.HasPreviousPage() {
		s.SetPage(s.page - 1)
	}
}

func (s *State) FirstPage() { s.SetPage(1) }
func (s *State) LastPage()  { s.SetPage(s.TotalPages()) }

// Summary reports the current position in the shape list endpoints return.
func (s *State) Summary() Page {
	return FromOffset(s.limit, s.Offset(), s.total)
}

// Page is the pagination block attached to list responses.
type Page struct {
	Total       int  `json:"total"`
	Limit       int  `json:"limit"`
	Offset      int  `json:"offset"`
	CurrentPage int  `json:"current_page"`
	TotalPages  int  `json:"total_pages"`
	HasNext     bool `json:"has_next"`
	HasPrevious bool `json:"has_previous"`
}

// FromOffset builds a Page for a limit/offset query over total items.
func FromOffset(limit, offset, total int) Page {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if offset < 0 {
		offset = 0
	}
	return Page{
		Total:       total,
		Limit:       limit,
		Offset:      offset,
		CurrentPage: offset/limit + 1,
		TotalPages:  ceilDiv(total, limit),
		HasNext:     offset+limit < total,
		HasPrevious: offset > 0,
	}
}

// OffsetForPage converts a 1-based page number into a query offset.
func OffsetForPage(page, limit int) int {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return (page - 1) * limit
}

func ceilDiv(n, d int) int {
	if n <= 0 || d <= 0 {
		return 0
	}
	return (n + d - 1) / d
}
