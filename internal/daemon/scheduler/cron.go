// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Expression is a parsed 5-field cron expression:
// minute hour day-of-month month day-of-week.
type Expression struct {
	minute     fieldSet
	hour       fieldSet
	dayOfMonth fieldSet
	month      fieldSet
	dayOfWeek  fieldSet
}

// fieldSet holds the permitted values of one field. wildcard records
// whether the field was "*", which matters for the day-matching rule.
type fieldSet struct {
	values   map[int]bool
	wildcard bool
}

func (f fieldSet) match(v int) bool { return f.values[v] }

// aliases are the @-shorthand expressions.
var aliases = map[string]string{
	"@hourly":   "0 * * * *",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@weekly":   "0 0 * * 0",
	"@monthly":  "0 0 1 * *",
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
}

// Parse parses a cron expression. Each field accepts wildcards,
// single values, ranges, steps, and comma lists: "*/15 9-17 * * 1-5".
func Parse(expr string) (*Expression, error) {
	if alias, ok := aliases[strings.ToLower(strings.TrimSpace(expr))]; ok {
		expr = alias
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron: expected 5 fields, got %d", len(fields))
	}

	type fieldSpec struct {
		name string
		min  int
		max  int
		dst  *fieldSet
	}
	e := &Expression{}
	specs := []fieldSpec{
		{"minute", 0, 59, &e.minute},
		{"hour", 0, 23, &e.hour},
		{"day-of-month", 1, 31, &e.dayOfMonth},
		{"month", 1, 12, &e.month},
		{"day-of-week", 0, 6, &e.dayOfWeek},
	}

	for i, spec := range specs {
		set, err := parseField(fields[i], spec.min, spec.max)
		if err != nil {
			return nil, fmt.Errorf("cron: %s field: %w", spec.name, err)
		}
		*spec.dst = set
	}
	return e, nil
}

func parseField(field string, min, max int) (fieldSet, error) {
	set := fieldSet{values: make(map[int]bool)}
	if field == "*" {
		set.wildcard = true
		for v := min; v <= max; v++ {
			set.values[v] = true
		}
		return set, nil
	}

	for _, part := range strings.Split(field, ",") {
		if err := parsePart(part, min, max, set.values); err != nil {
			return fieldSet{}, err
		}
	}
	return set, nil
}

// parsePart handles one comma-separated section: a value, a range, or
// either with a /step suffix.
func parsePart(part string, min, max int, into map[int]bool) error {
	step := 1
	if idx := strings.Index(part, "/"); idx != -1 {
		n, err := strconv.Atoi(part[idx+1:])
		if err != nil || n <= 0 {
			return fmt.Errorf("bad step %q", part[idx+1:])
		}
		step = n
		part = part[:idx]
	}

	start, end := min, max
	switch {
	case part == "*":
	case strings.Contains(part, "-"):
		bounds := strings.SplitN(part, "-", 2)
		var err error
		if start, err = strconv.Atoi(bounds[0]); err != nil {
			return fmt.Errorf("bad range start %q", bounds[0])
		}
		if end, err = strconv.Atoi(bounds[1]); err != nil {
			return fmt.Errorf("bad range end %q", bounds[1])
		}
	default:
		v, err := strconv.Atoi(part)
		if err != nil {
			return fmt.Errorf("bad value %q", part)
		}
		start, end = v, v
	}

	if start < min || end > max || start > end {
		return fmt.Errorf("range %d-%d outside [%d,%d]", start, end, min, max)
	}
	for v := start; v <= end; v += step {
		into[v] = true
	}
	return nil
}

// Next returns the first time strictly after from that matches the
// expression, in from's location. The zero time means no match within
// the search horizon.
func (e *Expression) Next(from time.Time) time.Time {
	t := from.Truncate(time.Minute).Add(time.Minute)
	horizon := from.AddDate(4, 0, 0)

	for t.Before(horizon) {
		if !e.month.match(int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !e.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !e.hour.match(t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}
		if !e.minute.match(t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

// dayMatches applies the cron day rule: when both day-of-month and
// day-of-week are restricted, either may match; when one is a
// wildcard, only the other constrains.
func (e *Expression) dayMatches(t time.Time) bool {
	dom := e.dayOfMonth.match(t.Day())
	dow := e.dayOfWeek.match(int(t.Weekday()))
	if !e.dayOfMonth.wildcard && !e.dayOfWeek.wildcard {
		return dom || dow
	}
	return dom && dow
}
