// Package storetest runs an in-memory Airtable-style record store over
// httptest for use in tests. It understands the subset of the REST API and
// formula language the sync engine emits.
package storetest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// Token is the bearer token the server accepts
const Token = "patTESTTOKEN"

// BaseID is the base the server answers for
const BaseID = "appTESTBASE"

// Record is a stored row
type Record struct {
	ID     string
	Fields map[string]interface{}
}

// Request is a request observed by the server
type Request struct {
	Method string
	Table  string
	Path   string
	Query  url.Values
	Body   string
}

// Rule decides whether to fail a request. Returning a status of 0 lets the
// request through.
type Rule func(r Request) (status int, retryAfter string, body string)

type table struct {
	order   []string
	records map[string]*Record
}

// Server is the fake store
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	tables   map[string]*table
	nextID   int
	requests []Request
	failNext []injected
	rules    []Rule
}

type injected struct {
	status     int
	retryAfter string
	body       string
}

// New starts a server that is closed when the test ends
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{tables: make(map[string]*table)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// Seed inserts a record and returns its id
func (s *Server) Seed(tableName string, fields map[string]interface{}) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(tableName, fields).ID
}

// Remove deletes a record behind the client's back. Links to it are
// dropped from the other records, as the real store does.
func (s *Server) Remove(tableName, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tb := s.table(tableName)
	delete(tb.records, id)
	for i, rid := range tb.order {
		if rid == id {
			tb.order = append(tb.order[:i], tb.order[i+1:]...)
			break
		}
	}
	for _, rec := range tb.records {
		for name, v := range rec.Fields {
			ids, ok := v.([]string)
			if !ok {
				continue
			}
			kept := ids[:0]
			for _, linked := range ids {
				if linked != id {
					kept = append(kept, linked)
				}
			}
			rec.Fields[name] = kept
		}
	}
}

// Get returns a copy of a record
func (s *Server) Get(tableName, id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.table(tableName).records[id]
	if !ok {
		return Record{}, false
	}
	return copyRecord(rec), true
}

// Records returns copies of every record in insertion order
func (s *Server) Records(tableName string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	tb := s.table(tableName)
	out := make([]Record, 0, len(tb.order))
	for _, id := range tb.order {
		out = append(out, copyRecord(tb.records[id]))
	}
	return out
}

// FindBy returns the first record whose field equals value case-insensitively
func (s *Server) FindBy(tableName, field, value string) (Record, bool) {
	for _, r := range s.Records(tableName) {
		if strings.EqualFold(fmt.Sprint(r.Fields[field]), value) {
			return r, true
		}
	}
	return Record{}, false
}

// Links returns the linked record ids held in field, sorted
func (s *Server) Links(tableName, id, field string) []string {
	rec, ok := s.Get(tableName, id)
	if !ok {
		return nil
	}
	ids := stringList(rec.Fields[field])
	sort.Strings(ids)
	return ids
}

// FailNext makes the next n requests fail with status
func (s *Server) FailNext(n, status int, retryAfter, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failNext = append(s.failNext, injected{status: status, retryAfter: retryAfter, body: body})
	}
}

// AddRule installs a persistent failure rule
func (s *Server) AddRule(rule Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, rule)
}

// ClearRules removes every failure rule
func (s *Server) ClearRules() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = nil
}

// Requests returns every request received so far
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// CountRequests counts requests with the given method
func (s *Server) CountRequests(method string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method {
			n++
		}
	}
	return n
}

// ResetRequests clears the request log
func (s *Server) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

func (s *Server) table(name string) *table {
	tb, ok := s.tables[name]
	if !ok {
		tb = &table{records: make(map[string]*Record)}
		s.tables[name] = tb
	}
	return tb
}

func (s *Server) insert(tableName string, fields map[string]interface{}) *Record {
	s.nextID++
	rec := &Record{ID: fmt.Sprintf("rec%014d", s.nextID), Fields: normalizeFields(fields)}
	tb := s.table(tableName)
	tb.records[rec.ID] = rec
	tb.order = append(tb.order, rec.ID)
	return rec
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parts := strings.Split(strings.Trim(r.URL.EscapedPath(), "/"), "/")
	if len(parts) < 3 || parts[0] != "v0" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown path")
		return
	}
	tableName, _ := url.PathUnescape(parts[2])
	recordID := ""
	if len(parts) > 3 {
		recordID, _ = url.PathUnescape(parts[3])
	}

	req := Request{Method: r.Method, Table: tableName, Path: r.URL.Path, Query: r.URL.Query(), Body: string(body)}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)

	if r.Header.Get("Authorization") != "Bearer "+Token {
		writeError(w, http.StatusUnauthorized, "AUTHENTICATION_REQUIRED", "invalid token")
		return
	}
	if parts[1] != BaseID {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown base")
		return
	}

	if len(s.failNext) > 0 {
		f := s.failNext[0]
		s.failNext = s.failNext[1:]
		writeInjected(w, f.status, f.retryAfter, f.body)
		return
	}
	for _, rule := range s.rules {
		if status, retryAfter, msg := rule(req); status != 0 {
			writeInjected(w, status, retryAfter, msg)
			return
		}
	}

	switch {
	case r.Method == http.MethodGet && recordID == "":
		s.list(w, tableName, req.Query)
	case r.Method == http.MethodGet:
		s.getOne(w, tableName, recordID)
	case r.Method == http.MethodPost:
		s.create(w, tableName, body)
	case r.Method == http.MethodPatch:
		s.patch(w, tableName, body)
	case r.Method == http.MethodDelete:
		s.delete(w, tableName, req.Query["records[]"])
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", r.Method)
	}
}

func (s *Server) list(w http.ResponseWriter, tableName string, q url.Values) {
	match, err := compileFormula(q.Get("filterByFormula"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_FILTER_BY_FORMULA", err.Error())
		return
	}

	pageSize := 100
	if v := q.Get("pageSize"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			writeError(w, http.StatusUnprocessableEntity, "INVALID_PAGE_SIZE", v)
			return
		}
		pageSize = n
	}
	start := 0
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "INVALID_OFFSET_VALUE", v)
			return
		}
		start = n
	}

	tb := s.table(tableName)
	var matched []*Record
	for _, id := range tb.order {
		if rec := tb.records[id]; match(rec) {
			matched = append(matched, rec)
		}
	}

	resp := map[string]interface{}{}
	end := start + pageSize
	if end < len(matched) {
		resp["offset"] = strconv.Itoa(end)
	} else {
		end = len(matched)
	}
	if start > end {
		start = end
	}
	resp["records"] = encodeRecords(matched[start:end])
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getOne(w http.ResponseWriter, tableName, id string) {
	rec, ok := s.table(tableName).records[id]
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "record not found")
		return
	}
	writeJSON(w, http.StatusOK, encodeRecord(rec))
}

type writeBody struct {
	Records []struct {
		ID     string                 `json:"id"`
		Fields map[string]interface{} `json:"fields"`
	} `json:"records"`
	PerformUpsert *struct {
		FieldsToMergeOn []string `json:"fieldsToMergeOn"`
	} `json:"performUpsert"`
}

func (s *Server) decodeWrite(w http.ResponseWriter, body []byte) (writeBody, bool) {
	var wb writeBody
	if err := json.Unmarshal(body, &wb); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_REQUEST_BODY", err.Error())
		return wb, false
	}
	if len(wb.Records) == 0 || len(wb.Records) > 10 {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_RECORDS", fmt.Sprintf("%d records", len(wb.Records)))
		return wb, false
	}
	return wb, true
}

// checkLinks rejects linked ids that do not exist, like the real store does
func (s *Server) checkLinks(w http.ResponseWriter, tb *table, fields map[string]interface{}) bool {
	for name, v := range fields {
		for _, id := range stringList(v) {
			if !strings.HasPrefix(id, "rec") {
				continue
			}
			if _, ok := tb.records[id]; !ok {
				writeError(w, http.StatusUnprocessableEntity, "ROW_DOES_NOT_EXIST",
					fmt.Sprintf("Record ID %s in field %s does not exist", id, name))
				return false
			}
		}
	}
	return true
}

func (s *Server) create(w http.ResponseWriter, tableName string, body []byte) {
	wb, ok := s.decodeWrite(w, body)
	if !ok {
		return
	}
	tb := s.table(tableName)
	for _, r := range wb.Records {
		if !s.checkLinks(w, tb, r.Fields) {
			return
		}
	}
	created := make([]*Record, 0, len(wb.Records))
	for _, r := range wb.Records {
		created = append(created, s.insert(tableName, r.Fields))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": encodeRecords(created)})
}

func (s *Server) patch(w http.ResponseWriter, tableName string, body []byte) {
	wb, ok := s.decodeWrite(w, body)
	if !ok {
		return
	}
	tb := s.table(tableName)
	for _, r := range wb.Records {
		if !s.checkLinks(w, tb, r.Fields) {
			return
		}
		if wb.PerformUpsert == nil {
			if _, exists := tb.records[r.ID]; !exists {
				writeError(w, http.StatusUnprocessableEntity, "ROW_DOES_NOT_EXIST",
					fmt.Sprintf("Record ID %s does not exist", r.ID))
				return
			}
		}
	}

	var out []*Record
	var createdIDs, updatedIDs []string
	for _, r := range wb.Records {
		var target *Record
		if wb.PerformUpsert != nil {
			target = s.findMatch(tb, wb.PerformUpsert.FieldsToMergeOn, r.Fields)
		} else {
			target = tb.records[r.ID]
		}

		if target == nil {
			rec := s.insert(tableName, r.Fields)
			createdIDs = append(createdIDs, rec.ID)
			out = append(out, rec)
			continue
		}
		for k, v := range normalizeFields(r.Fields) {
			target.Fields[k] = v
		}
		updatedIDs = append(updatedIDs, target.ID)
		out = append(out, target)
	}

	resp := map[string]interface{}{"records": encodeRecords(out)}
	if wb.PerformUpsert != nil {
		resp["createdRecords"] = nonNil(createdIDs)
		resp["updatedRecords"] = nonNil(updatedIDs)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) findMatch(tb *table, mergeOn []string, fields map[string]interface{}) *Record {
	for _, id := range tb.order {
		rec := tb.records[id]
		matched := true
		for _, f := range mergeOn {
			if fmt.Sprint(rec.Fields[f]) != fmt.Sprint(fields[f]) {
				matched = false
				break
			}
		}
		if matched {
			return rec
		}
	}
	return nil
}

func (s *Server) delete(w http.ResponseWriter, tableName string, ids []string) {
	tb := s.table(tableName)
	type deleted struct {
		ID      string `json:"id"`
		Deleted bool   `json:"deleted"`
	}
	var out []deleted
	for _, id := range ids {
		if _, ok := tb.records[id]; !ok {
			writeError(w, http.StatusNotFound, "NOT_FOUND", id)
			return
		}
	}
	for _, id := range ids {
		delete(tb.records, id)
		for i, rid := range tb.order {
			if rid == id {
				tb.order = append(tb.order[:i], tb.order[i+1:]...)
				break
			}
		}
		out = append(out, deleted{ID: id, Deleted: true})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": out})
}

func encodeRecord(r *Record) map[string]interface{} {
	return map[string]interface{}{
		"id":          r.ID,
		"createdTime": "2024-01-01T00:00:00.000Z",
		"fields":      r.Fields,
	}
}

func encodeRecords(recs []*Record) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(recs))
	for _, r := range recs {
		out = append(out, encodeRecord(r))
	}
	return out
}

func copyRecord(r *Record) Record {
	fields := make(map[string]interface{}, len(r.Fields))
	for k, v := range r.Fields {
		if list, ok := v.([]string); ok {
			v = append([]string(nil), list...)
		}
		fields[k] = v
	}
	return Record{ID: r.ID, Fields: fields}
}

// normalizeFields stores linked lists as []string so tests can compare them
func normalizeFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		switch v.(type) {
		case []interface{}, []string:
			out[k] = stringList(v)
		default:
			out[k] = v
		}
	}
	return out
}

func stringList(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...)
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, typ, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{"type": typ, "message": message},
	})
}

func writeInjected(w http.ResponseWriter, status int, retryAfter, body string) {
	if retryAfter != "" {
		w.Header().Set("Retry-After", retryAfter)
	}
	if body == "" {
		writeError(w, status, http.StatusText(status), "injected failure")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
