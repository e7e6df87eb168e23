// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

package dataset

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Required annotation columns.
const (
	ColPatient = "patient"
	ColSlide   = "slide"
)

// Annotations holds the parsed annotations CSV.
type Annotations struct {
	Path    string
	Headers []string
	Rows    []map[string]string
}

// LoadAnnotations parses an annotations CSV. The file must carry patient
// and slide columns, and a slide may belong to only one patient.
func LoadAnnotations(path string) (*Annotations, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open annotations %s", path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse annotations %s", path)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("annotations file %s is empty", path)
	}

	headers := make([]string, len(records[0]))
	for i, h := range records[0] {
		headers[i] = strings.TrimSpace(strings.ToLower(h))
	}
	required := map[string]bool{ColPatient: false, ColSlide: false}
	for _, h := range headers {
		if _, ok := required[h]; ok {
			required[h] = true
		}
	}
	for col, found := range required {
		if !found {
			return nil, fmt.Errorf("annotations file %s is missing required column %q", path, col)
		}
	}

	ann := &Annotations{Path: path, Headers: headers}
	slideOwner := map[string]string{}
	for i, rec := range records[1:] {
		row := map[string]string{}
		for j, h := range headers {
			if j < len(rec) {
				row[h] = strings.TrimSpace(rec[j])
			}
		}
		slideName := row[ColSlide]
		patient := row[ColPatient]
		if slideName == "" {
			continue
		}
		if owner, seen := slideOwner[slideName]; seen && owner != patient {
			return nil, fmt.Errorf("annotations row %d: slide %q assigned to both patients %q and %q", i+2, slideName, owner, patient)
		}
		slideOwner[slideName] = patient
		ann.Rows = append(ann.Rows, row)
	}
	return ann, nil
}

// Patients maps slide names to patient identifiers.
func (a *Annotations) Patients() map[string]string {
	out := make(map[string]string, len(a.Rows))
	for _, row := range a.Rows {
		out[row[ColSlide]] = row[ColPatient]
	}
	return out
}

// Label is one slide's outcome, either categorical or continuous.
type Label struct {
	Category string
	Index    int
	Value    float64
}

// Labels returns the outcome label for each filtered slide under the given
// header. With useFloat, values are parsed as float64 and any non-numeric
// value is an error; otherwise values are mapped to indices over the sorted
// unique categories, which are also returned.
func (d *Dataset) Labels(header string, useFloat bool) (map[string]Label, []string, error) {
	if d.annotations == nil {
		return nil, nil, fmt.Errorf("dataset has no annotations loaded")
	}
	found := false
	for _, h := range d.annotations.Headers {
		if h == header {
			found = true
			break
		}
	}
	if !found {
		return nil, nil, fmt.Errorf("annotations have no column %q", header)
	}

	labels := map[string]Label{}
	if useFloat {
		for _, row := range d.annotations.Rows {
			if !d.matches(row) {
				continue
			}
			v, err := strconv.ParseFloat(row[header], 64)
			if err != nil {
				return nil, nil, fmt.Errorf("slide %q: value %q in column %q is not numeric", row[ColSlide], row[header], header)
			}
			labels[row[ColSlide]] = Label{Value: v}
		}
		return labels, nil, nil
	}

	uniqueSet := map[string]bool{}
	for _, row := range d.annotations.Rows {
		if d.matches(row) {
			uniqueSet[row[header]] = true
		}
	}
	uniques := make([]string, 0, len(uniqueSet))
	for u := range uniqueSet {
		uniques = append(uniques, u)
	}
	sort.Strings(uniques)
	index := map[string]int{}
	for i, u := range uniques {
		index[u] = i
	}
	for _, row := range d.annotations.Rows {
		if !d.matches(row) {
			continue
		}
		cat := row[header]
		labels[row[ColSlide]] = Label{Category: cat, Index: index[cat]}
	}
	return labels, uniques, nil
}
