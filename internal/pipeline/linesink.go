package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LineSink is a Handler that appends one formatted line per record to a
// plain text file, grounded on original_source/logger.py's
// LogHandlerFile: an ordered set of keys pulled out of each record,
// missing keys substituted with a placeholder, one flushed write per
// record instead of buffering.
type LineSink struct {
	mu      sync.Mutex
	f       *os.File
	label   string
	keys    []string
	sep     string
	missing string
	skip    func(Record) bool
}

// NewLineSink opens (creating/appending) the file at path and returns a
// LineSink that writes keys, in order, separated by sep, substituting
// missing for any key absent from a given record. skip, if non-nil, is
// original_source's skiprec: a record for which it returns true is
// dropped without being written. prolog, if non-empty, is written once
// immediately (original_source writes a commented header this way).
func NewLineSink(path string, keys []string, sep, missing, prolog string, skip func(Record) bool) (*LineSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open line sink %s: %w", path, err)
	}
	if prolog != "" {
		if _, err := f.WriteString(prolog); err != nil {
			f.Close()
			return nil, fmt.Errorf("write line sink prolog %s: %w", path, err)
		}
	}
	return &LineSink{
		f:       f,
		label:   "linesink:" + filepath.Base(path),
		keys:    keys,
		sep:     sep,
		missing: missing,
		skip:    skip,
	}, nil
}

func (s *LineSink) Label() string { return s.label }

// WriteRec formats rec's keys, in the sink's configured order, and
// appends the resulting line, flushing to disk immediately so a crash
// mid-campaign never loses an already-written measurement.
func (s *LineSink) WriteRec(rec Record) error {
	if s.skip != nil && s.skip(rec) {
		return nil
	}

	parts := make([]string, len(s.keys))
	for i, k := range s.keys {
		v, ok := rec[k]
		if !ok {
			parts[i] = s.missing
			continue
		}
		parts[i] = formatScalar(v)
	}
	line := strings.Join(parts, s.sep) + "\n"

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("linesink %s: write after Stop", s.label)
	}
	if _, err := s.f.WriteString(line); err != nil {
		return err
	}
	return s.f.Sync()
}

// Stop closes the underlying file. Safe to call more than once.
func (s *LineSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f != nil {
		s.f.Close()
		s.f = nil
	}
}

func formatScalar(v any) string {
	switch t := v.(type) {
	case time.Time:
		return t.Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}
