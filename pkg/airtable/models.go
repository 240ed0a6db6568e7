package airtable

import (
	"encoding/json"
	"fmt"

	"followsync/pkg/models"
)

// Record is a single row of a table
type Record struct {
	ID          string                 `json:"id,omitempty"`
	CreatedTime string                 `json:"createdTime,omitempty"`
	Fields      map[string]interface{} `json:"fields"`
}

// StringField returns a text field, or "" when absent
func (r Record) StringField(name string) string {
	if r.Fields == nil {
		return ""
	}
	switch v := r.Fields[name].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// LinkedIDs returns the record ids of a linked-record field
func (r Record) LinkedIDs(name string) []string {
	if r.Fields == nil {
		return nil
	}
	switch v := r.Fields[name].(type) {
	case []string:
		return append([]string(nil), v...)
	case []interface{}:
		ids := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				ids = append(ids, s)
			}
		}
		return ids
	default:
		return nil
	}
}

// ListOptions filters and shapes a list call
type ListOptions struct {
	Formula  string
	Fields   []string
	PageSize int
	View     string
	// MaxRecords stops pagination once this many records were read
	MaxRecords int
}

type listResponse struct {
	Records []Record `json:"records"`
	Offset  string   `json:"offset,omitempty"`
}

type performUpsert struct {
	FieldsToMergeOn []string `json:"fieldsToMergeOn"`
}

type writeRequest struct {
	Records       []Record       `json:"records"`
	PerformUpsert *performUpsert `json:"performUpsert,omitempty"`
	Typecast      bool           `json:"typecast,omitempty"`
}

type writeResponse struct {
	Records []Record `json:"records"`
	// Populated by upserts
	CreatedRecords []string `json:"createdRecords,omitempty"`
	UpdatedRecords []string `json:"updatedRecords,omitempty"`
}

type deleteResponse struct {
	Records []struct {
		ID      string `json:"id"`
		Deleted bool   `json:"deleted"`
	} `json:"records"`
}

// apiError is the error envelope returned by the store. The error member is
// either an object with type and message or a bare string such as "NOT_FOUND".
type apiError struct {
	Error json.RawMessage `json:"error"`
}

func (e apiError) describe() string {
	if len(e.Error) == 0 {
		return ""
	}
	var detail struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(e.Error, &detail); err == nil && detail.Type != "" {
		if detail.Message == "" {
			return detail.Type
		}
		return detail.Type + ": " + detail.Message
	}
	var code string
	if err := json.Unmarshal(e.Error, &code); err == nil {
		return code
	}
	return string(e.Error)
}

// UpsertResult reports which records an upsert created
type UpsertResult struct {
	Records []Record
	Created []string
	Updated []string
}

// HandleField returns the normalized handle held in field
func HandleField(r Record, field string) string {
	return models.Normalize(r.StringField(field))
}
