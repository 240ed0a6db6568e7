package syncer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"followsync/pkg/airtable"
	"followsync/pkg/models"
)

// Targets normalizes handles, dropping blanks and duplicates while keeping
// the first-seen order
func Targets(handles ...string) []string {
	seen := models.NewSet()
	out := make([]string, 0, len(handles))
	for _, h := range handles {
		if h = models.Normalize(h); seen.Add(h) {
			out = append(out, h)
		}
	}
	return out
}

// ReadTargets parses one handle per line. Blank lines and lines starting
// with # are skipped.
func ReadTargets(r io.Reader) ([]string, error) {
	var handles []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		handles = append(handles, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return Targets(handles...), nil
}

// ReadTargetsFile reads a targets file from disk
func ReadTargetsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open targets file: %w", err)
	}
	defer f.Close()
	return ReadTargets(f)
}

// Lister lists records from a table
type Lister interface {
	List(ctx context.Context, table string, opts airtable.ListOptions) ([]airtable.Record, error)
}

// TargetsFromStore returns every handle held in table
func TargetsFromStore(ctx context.Context, store Lister, table, usernameField string) ([]string, error) {
	recs, err := store.List(ctx, table, airtable.ListOptions{Fields: []string{usernameField}})
	if err != nil {
		return nil, fmt.Errorf("list targets from %s: %w", table, err)
	}
	handles := make([]string, 0, len(recs))
	for _, rec := range recs {
		handles = append(handles, airtable.HandleField(rec, usernameField))
	}
	return Targets(handles...), nil
}
