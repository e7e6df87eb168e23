// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

package tile

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ROI selection methods.
const (
	ROIInside  = "inside"  // keep tiles inside the ROIs
	ROIOutside = "outside" // keep tiles outside the ROIs
	ROIIgnore  = "ignore"  // extract everything
)

// Point is a vertex in base-level slide coordinates.
type Point struct {
	X float64
	Y float64
}

// ROI is one named polygon.
type ROI struct {
	Name     string
	Vertices []Point
}

// Contains reports whether p lies inside the polygon, by ray casting.
func (r *ROI) Contains(p Point) bool {
	n := len(r.Vertices)
	if n < 3 {
		return false
	}
	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		vi, vj := r.Vertices[i], r.Vertices[j]
		if (vi.Y > p.Y) != (vj.Y > p.Y) &&
			p.X < (vj.X-vi.X)*(p.Y-vi.Y)/(vj.Y-vi.Y)+vi.X {
			inside = !inside
		}
		j = i
	}
	return inside
}

// LoadROIs parses a QuPath-style ROI export with roi_name, x_base and
// y_base columns, grouping consecutive vertices by ROI name.
func LoadROIs(path string) ([]*ROI, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open ROI file %s", path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse ROI file %s", path)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("ROI file %s has no vertices", path)
	}

	nameIdx, xIdx, yIdx := -1, -1, -1
	for i, h := range records[0] {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "roi_name", "name":
			nameIdx = i
		case "x_base", "x":
			xIdx = i
		case "y_base", "y":
			yIdx = i
		}
	}
	if xIdx < 0 || yIdx < 0 {
		return nil, fmt.Errorf("ROI file %s is missing x_base/y_base columns", path)
	}

	byName := map[string]*ROI{}
	var order []string
	for i, rec := range records[1:] {
		name := "roi"
		if nameIdx >= 0 && nameIdx < len(rec) {
			name = strings.TrimSpace(rec[nameIdx])
		}
		x, errX := strconv.ParseFloat(strings.TrimSpace(rec[xIdx]), 64)
		y, errY := strconv.ParseFloat(strings.TrimSpace(rec[yIdx]), 64)
		if errX != nil || errY != nil {
			return nil, fmt.Errorf("ROI file %s row %d: non-numeric vertex", path, i+2)
		}
		roi, ok := byName[name]
		if !ok {
			roi = &ROI{Name: name}
			byName[name] = roi
			order = append(order, name)
		}
		roi.Vertices = append(roi.Vertices, Point{X: x, Y: y})
	}

	rois := make([]*ROI, 0, len(order))
	for _, name := range order {
		rois = append(rois, byName[name])
	}
	return rois, nil
}

// roiAllows reports whether a tile centered at p passes the ROI method.
func roiAllows(method string, rois []*ROI, p Point) bool {
	if method == ROIIgnore || len(rois) == 0 {
		return true
	}
	inAny := false
	for _, r := range rois {
		if r.Contains(p) {
			inAny = true
			break
		}
	}
	if method == ROIOutside {
		return !inAny
	}
	return inAny
}
