package hipaa

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Access outcomes derived from the response status.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailure = "failure"
)

// DefaultAccessLogCapacity bounds the in-memory access log.
const DefaultAccessLogCapacity = 10000

// AccessEntry is one access to an anchored record: who, which subject and
// receipt, what they did and how it ended.
type AccessEntry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	UserID     string    `json:"user_id"`
	Roles      []string  `json:"roles,omitempty"`
	SubjectID  string    `json:"subject_id,omitempty"`
	ReceiptID  string    `json:"receipt_id,omitempty"`
	Action     string    `json:"action"`
	Outcome    string    `json:"outcome"`
	StatusCode int       `json:"status_code"`
	SourceIP   string    `json:"source_ip"`
	UserAgent  string    `json:"user_agent"`
	Route      string    `json:"route"`
	RequestID  string    `json:"request_id,omitempty"`
}

// OutcomeForStatus classifies an HTTP status as an access outcome.
func OutcomeForStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return OutcomeDenied
	case status >= 400:
		return OutcomeFailure
	default:
		return OutcomeSuccess
	}
}

// AccessSearchParams holds filter, pagination, and sort parameters.
type AccessSearchParams struct {
	UserID    string
	SubjectID string
	ReceiptID string
	Action    string
	Outcome   string
	SourceIP  string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
	SortBy    string
	SortOrder string
}

// AccessSearchResult contains paginated search results.
type AccessSearchResult struct {
	Entries []*AccessEntry `json:"entries"`
	Total   int            `json:"total"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
}

// AccessSummary contains aggregated statistics for access entries.
type AccessSummary struct {
	TotalEntries int            `json:"total_entries"`
	ByAction     map[string]int `json:"by_action"`
	ByOutcome    map[string]int `json:"by_outcome"`
	ByUser       map[string]int `json:"by_user"`
	BySubject    map[string]int `json:"by_subject"`
	TimeRange    struct {
		First time.Time `json:"first"`
		Last  time.Time `json:"last"`
	} `json:"time_range"`
}

// AccessLog keeps the most recent record accesses in memory. Once capacity
// is reached the oldest entry is dropped for each new one; the structured
// log remains the durable trail.
type AccessLog struct {
	mu       sync.RWMutex
	entries  []*AccessEntry
	capacity int
}

// NewAccessLog creates an empty log holding at most capacity entries. A
// non-positive capacity means DefaultAccessLogCapacity.
func NewAccessLog(capacity int) *AccessLog {
	if capacity <= 0 {
		capacity = DefaultAccessLogCapacity
	}
	return &AccessLog{capacity: capacity}
}

// Add appends an entry, assigning an ID and outcome when missing.
func (l *AccessLog) Add(entry *AccessEntry) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Outcome == "" {
		entry.Outcome = OutcomeForStatus(entry.StatusCode)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) >= l.capacity {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:len(l.entries)-1]
	}
	l.entries = append(l.entries, entry)
}

// Len returns the number of retained entries.
func (l *AccessLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func applyDefaults(params *AccessSearchParams) {
	if params.Limit <= 0 {
		params.Limit = 100
	}
	if params.Limit > 1000 {
		params.Limit = 1000
	}
	if params.Offset < 0 {
		params.Offset = 0
	}
	if params.SortBy == "" {
		params.SortBy = "timestamp"
	}
	if params.SortOrder == "" {
		params.SortOrder = "desc"
	}
}

func matchEntry(entry *AccessEntry, params AccessSearchParams) bool {
	if params.UserID != "" && entry.UserID != params.UserID {
		return false
	}
	if params.SubjectID != "" && entry.SubjectID != params.SubjectID {
		return false
	}
	if params.ReceiptID != "" && !strings.EqualFold(entry.ReceiptID, params.ReceiptID) {
		return false
	}
	if params.Action != "" && entry.Action != params.Action {
		return false
	}
	if params.Outcome != "" && entry.Outcome != params.Outcome {
		return false
	}
	if params.SourceIP != "" && entry.SourceIP != params.SourceIP {
		return false
	}
	if params.StartTime != nil && entry.Timestamp.Before(*params.StartTime) {
		return false
	}
	if params.EndTime != nil && entry.Timestamp.After(*params.EndTime) {
		return false
	}
	return true
}

// filter copies the matching entries so callers can sort without the lock.
func (l *AccessLog) filter(params AccessSearchParams) []*AccessEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*AccessEntry
	for _, e := range l.entries {
		if matchEntry(e, params) {
			out = append(out, e)
		}
	}
	return out
}

func sortEntries(entries []*AccessEntry, sortBy, sortOrder string) {
	sort.SliceStable(entries, func(i, j int) bool {
		var less bool
		switch sortBy {
		case "user":
			less = entries[i].UserID < entries[j].UserID
		case "action":
			less = entries[i].Action < entries[j].Action
		case "subject":
			less = entries[i].SubjectID < entries[j].SubjectID
		default:
			less = entries[i].Timestamp.Before(entries[j].Timestamp)
		}
		if sortOrder == "desc" {
			return !less
		}
		return less
	})
}

// Search filters, sorts, and paginates entries.
func (l *AccessLog) Search(_ context.Context, params AccessSearchParams) (*AccessSearchResult, error) {
	applyDefaults(&params)

	filtered := l.filter(params)
	sortEntries(filtered, params.SortBy, params.SortOrder)

	total := len(filtered)
	start := params.Offset
	if start > total {
		start = total
	}
	end := start + params.Limit
	if end > total {
		end = total
	}

	page := filtered[start:end]
	if page == nil {
		page = make([]*AccessEntry, 0)
	}
	return &AccessSearchResult{
		Entries: page,
		Total:   total,
		Limit:   params.Limit,
		Offset:  params.Offset,
	}, nil
}

// ExportCSV writes every matching entry as CSV.
func (l *AccessLog) ExportCSV(_ context.Context, params AccessSearchParams, w io.Writer) error {
	filtered := l.filter(params)
	sortEntries(filtered, params.SortBy, params.SortOrder)

	cw := csv.NewWriter(w)
	header := []string{"ID", "Timestamp", "UserID", "Roles", "SubjectID", "ReceiptID",
		"Action", "Outcome", "StatusCode", "SourceIP", "UserAgent", "Route", "RequestID"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("access log export csv: write header: %w", err)
	}

	for _, e := range filtered {
		record := []string{
			e.ID,
			e.Timestamp.Format(time.RFC3339),
			e.UserID,
			strings.Join(e.Roles, " "),
			e.SubjectID,
			e.ReceiptID,
			e.Action,
			e.Outcome,
			strconv.Itoa(e.StatusCode),
			e.SourceIP,
			e.UserAgent,
			e.Route,
			e.RequestID,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("access log export csv: write record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportJSON writes every matching entry as a JSON array.
func (l *AccessLog) ExportJSON(_ context.Context, params AccessSearchParams, w io.Writer) error {
	filtered := l.filter(params)
	sortEntries(filtered, params.SortBy, params.SortOrder)
	if filtered == nil {
		filtered = make([]*AccessEntry, 0)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(filtered); err != nil {
		return fmt.Errorf("access log export json: %w", err)
	}
	return nil
}

// Summary computes aggregate statistics for matching entries.
func (l *AccessLog) Summary(_ context.Context, params AccessSearchParams) (*AccessSummary, error) {
	filtered := l.filter(params)

	summary := &AccessSummary{
		TotalEntries: len(filtered),
		ByAction:     make(map[string]int),
		ByOutcome:    make(map[string]int),
		ByUser:       make(map[string]int),
		BySubject:    make(map[string]int),
	}
	for i, e := range filtered {
		summary.ByAction[e.Action]++
		summary.ByOutcome[e.Outcome]++
		summary.ByUser[e.UserID]++
		if e.SubjectID != "" {
			summary.BySubject[e.SubjectID]++
		}

		if i == 0 || e.Timestamp.Before(summary.TimeRange.First) {
			summary.TimeRange.First = e.Timestamp
		}
		if i == 0 || e.Timestamp.After(summary.TimeRange.Last) {
			summary.TimeRange.Last = e.Timestamp
		}
	}
	return summary, nil
}

// GetEntry returns a single entry by ID, or nil if not found.
func (l *AccessLog) GetEntry(id string) *AccessEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// ---------- HTTP Handler ----------

// AccessLogHandler serves the access log to auditors.
type AccessLogHandler struct {
	log *AccessLog
}

func NewAccessLogHandler(log *AccessLog) *AccessLogHandler {
	return &AccessLogHandler{log: log}
}

// RegisterRoutes registers the audit routes on g. Callers are expected to
// restrict g to auditors.
func (h *AccessLogHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/audit/search", h.HandleSearch)
	g.GET("/audit/export/csv", h.HandleExportCSV)
	g.GET("/audit/export/json", h.HandleExportJSON)
	g.GET("/audit/summary", h.HandleSummary)
	g.GET("/audit/:id", h.HandleGetEntry)
}

func parseSearchParams(c echo.Context) AccessSearchParams {
	params := AccessSearchParams{
		UserID:    c.QueryParam("user_id"),
		SubjectID: c.QueryParam("subject_id"),
		ReceiptID: c.QueryParam("receipt_id"),
		Action:    c.QueryParam("action"),
		Outcome:   c.QueryParam("outcome"),
		SourceIP:  c.QueryParam("source_ip"),
		SortBy:    c.QueryParam("sort_by"),
		SortOrder: c.QueryParam("sort_order"),
	}

	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			params.Limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			params.Offset = n
		}
	}
	if v := c.QueryParam("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.StartTime = &t
		}
	}
	if v := c.QueryParam("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.EndTime = &t
		}
	}
	return params
}

func (h *AccessLogHandler) HandleSearch(c echo.Context) error {
	result, err := h.log.Search(c.Request().Context(), parseSearchParams(c))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, result)
}

func (h *AccessLogHandler) HandleExportCSV(c echo.Context) error {
	params := parseSearchParams(c)

	c.Response().Header().Set("Content-Type", "text/csv")
	c.Response().Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=\"access_log_%s.csv\"", time.Now().UTC().Format("20060102_150405")))
	c.Response().WriteHeader(http.StatusOK)

	return h.log.ExportCSV(c.Request().Context(), params, c.Response())
}

func (h *AccessLogHandler) HandleExportJSON(c echo.Context) error {
	params := parseSearchParams(c)

	c.Response().Header().Set("Content-Type", "application/json")
	c.Response().Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=\"access_log_%s.json\"", time.Now().UTC().Format("20060102_150405")))
	c.Response().WriteHeader(http.StatusOK)

	return h.log.ExportJSON(c.Request().Context(), params, c.Response())
}

func (h *AccessLogHandler) HandleSummary(c echo.Context) error {
	summary, err := h.log.Summary(c.Request().Context(), parseSearchParams(c))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, summary)
}

func (h *AccessLogHandler) HandleGetEntry(c echo.Context) error {
	entry := h.log.GetEntry(c.Param("id"))
	if entry == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "entry not found"})
	}
	return c.JSON(http.StatusOK, entry)
}
