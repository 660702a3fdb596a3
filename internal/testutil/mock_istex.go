// Package testutil provides a mock of the ISTEX search API for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// SearchPath is the path of the search endpoint.
const SearchPath = "/document/"

// MockResponse defines a canned response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

type scrollState struct {
	query  string
	size   int
	offset int
}

// MockISTEX is a configurable mock of the search API. Queries are matched
// verbatim against the corpus registered with SetHits; scrolls are served
// from memory with a nextScrollURI pointing back to the mock.
type MockISTEX struct {
	server *httptest.Server

	mu           sync.Mutex
	corpus       map[string][]string
	aggregations map[string]json.RawMessage
	scrolls      map[string]*scrollState
	nextScrollID int
	queued       []MockResponse
	handlers     map[string]http.HandlerFunc
	rateHeaders  map[string]string
	keepAlive    string

	// Tracking
	RequestCount     int
	ConditionalCount int
	LastQuery        url.Values
	LastHeader       http.Header
}

// NewMockISTEX starts a mock server.
func NewMockISTEX() *MockISTEX {
	m := &MockISTEX{
		corpus:       make(map[string][]string),
		aggregations: make(map[string]json.RawMessage),
		scrolls:      make(map[string]*scrollState),
		handlers:     make(map[string]http.HandlerFunc),
		rateHeaders: map[string]string{
			"X-RateLimit-Remaining": "100",
			"X-RateLimit-Reset":     "60",
		},
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the base URL of the mock.
func (m *MockISTEX) URL() string {
	return m.server.URL
}

// SearchURL returns the URL of the search endpoint.
func (m *MockISTEX) SearchURL() string {
	return m.server.URL + SearchPath
}

// Close shuts the server down.
func (m *MockISTEX) Close() {
	m.server.Close()
}

// SetHits registers the identities matching query.
func (m *MockISTEX) SetHits(query string, ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.corpus[query] = ids
}

// SetAggregations registers the facets returned for query.
func (m *MockISTEX) SetAggregations(query string, aggregations string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aggregations[query] = json.RawMessage(aggregations)
}

// SetKeepAlive overrides the scroll keep-alive reported by the mock.
func (m *MockISTEX) SetKeepAlive(keepAlive string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keepAlive = keepAlive
}

// SetRateLimit sets the rate limit headers of every response.
func (m *MockISTEX) SetRateLimit(remaining, resetSeconds int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateHeaders["X-RateLimit-Remaining"] = strconv.Itoa(remaining)
	m.rateHeaders["X-RateLimit-Reset"] = strconv.Itoa(resetSeconds)
}

// Enqueue makes the next requests return the given responses, in order,
// before normal service resumes.
func (m *MockISTEX) Enqueue(responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, responses...)
}

// SetHandler overrides the handler of a path.
func (m *MockISTEX) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// GetRequestCount returns the number of requests served.
func (m *MockISTEX) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RequestCount
}

// GetConditionalCount returns the number of conditional requests.
func (m *MockISTEX) GetConditionalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ConditionalCount
}

// GetLastQuery returns the query parameters of the last request.
func (m *MockISTEX) GetLastQuery() url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LastQuery
}

// GetLastHeader returns the headers of the last request.
func (m *MockISTEX) GetLastHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LastHeader
}

func (m *MockISTEX) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.RequestCount++
	m.LastQuery = r.URL.Query()
	m.LastHeader = r.Header.Clone()
	if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
		m.ConditionalCount++
	}
	for key, value := range m.rateHeaders {
		w.Header().Set(key, value)
	}

	var queued *MockResponse
	if len(m.queued) > 0 {
		queued = &m.queued[0]
		m.queued = m.queued[1:]
	}
	handler, custom := m.handlers[r.URL.Path]
	m.mu.Unlock()

	if queued != nil {
		writeResponse(w, *queued)
		return
	}
	if custom {
		handler(w, r)
		return
	}
	if r.URL.Path != SearchPath {
		http.NotFound(w, r)
		return
	}
	m.search(w, r)
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

type searchResponse struct {
	Total               int               `json:"total"`
	NextScrollURI       string            `json:"nextScrollURI,omitempty"`
	NoMoreScrollResults *bool             `json:"noMoreScrollResults,omitempty"`
	Scroll              string            `json:"scroll,omitempty"`
	ScrollID            string            `json:"scrollId,omitempty"`
	Hits                []json.RawMessage `json:"hits"`
	Aggregations        json.RawMessage   `json:"aggregations,omitempty"`
}

func (m *MockISTEX) search(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	m.mu.Lock()
	defer m.mu.Unlock()

	var state *scrollState
	scrollID := params.Get("scrollId")
	if scrollID != "" {
		state = m.scrolls[scrollID]
		if state == nil {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"_error":"scroll context expired"}`))
			return
		}
	} else {
		size, err := strconv.Atoi(params.Get("size"))
		if err != nil || size < 0 {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"_error":"invalid size"}`))
			return
		}
		state = &scrollState{query: params.Get("q"), size: size}
	}

	ids := m.corpus[state.query]
	resp := searchResponse{Total: len(ids), Hits: []json.RawMessage{}}

	if state.size == 0 {
		if params.Get("facet") != "" {
			resp.Aggregations = m.aggregations[state.query]
		}
		etag := fmt.Sprintf(`"%s-%d"`, url.QueryEscape(state.query), len(ids))
		w.Header().Set("ETag", etag)
		w.Header().Set("Expires", time.Now().Add(5*time.Minute).Format(http.TimeFormat))
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		json.NewEncoder(w).Encode(resp)
		return
	}

	if scrollID == "" {
		m.nextScrollID++
		scrollID = fmt.Sprintf("scroll-%d", m.nextScrollID)
		m.scrolls[scrollID] = state
		if params.Get("facet") != "" {
			resp.Aggregations = m.aggregations[state.query]
		}
	}

	end := state.offset + state.size
	if end > len(ids) {
		end = len(ids)
	}
	for _, id := range ids[state.offset:end] {
		hit, _ := json.Marshal(map[string]string{"id": id, "arkIstex": "ark:/67375/" + id})
		resp.Hits = append(resp.Hits, hit)
	}
	state.offset = end

	keepAlive := params.Get("scroll")
	if m.keepAlive != "" {
		keepAlive = m.keepAlive
	}
	resp.Scroll = keepAlive
	resp.ScrollID = scrollID

	noMore := end >= len(ids)
	resp.NoMoreScrollResults = &noMore
	if noMore {
		delete(m.scrolls, scrollID)
	} else {
		next := url.Values{}
		next.Set("q", state.query)
		next.Set("size", strconv.Itoa(state.size))
		next.Set("scroll", params.Get("scroll"))
		next.Set("scrollId", scrollID)
		resp.NextScrollURI = m.server.URL + SearchPath + "?" + next.Encode()
	}

	json.NewEncoder(w).Encode(resp)
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"_error":"Internal server error"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"_error":"Rate limit exceeded"}`,
		Headers: map[string]string{
			"Content-Type":          "application/json; charset=utf-8",
			"X-RateLimit-Remaining": "0",
			"X-RateLimit-Reset":     "0",
		},
	}
}

// NewBadRequestResponse creates a 400 Bad Request response.
func NewBadRequestResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusBadRequest,
		Body:       `{"_error":"Syntax error in query"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewServiceErrorResponse creates a 200 response carrying an _error body.
func NewServiceErrorResponse(message string) MockResponse {
	body, _ := json.Marshal(map[string]string{"_error": message})
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       string(body),
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}
