// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

package dataset

import (
	"fmt"
	"math/rand"
	"sort"
)

// Split strategies for TrainingValidationSplit.
const (
	SplitKFold = "k-fold"
	SplitFixed = "fixed"
)

// SplitOptions configures a training/validation split.
type SplitOptions struct {
	Strategy     string  // SplitKFold or SplitFixed
	K            int     // fold count for k-fold
	FoldIndex    int     // validation fold, 1-based
	ValFraction  float64 // held-out fraction for fixed splits
	BalanceBy    string  // annotation header to balance patient groups on, "" to disable
	UseFloat     bool    // parse BalanceBy as continuous (disables balancing buckets)
	Seed         int64
}

// Split is the result of a training/validation split, in slide names.
type Split struct {
	Train []string
	Val   []string
}

// splitPatients partitions patients into n near-equal groups. When labels
// are provided, each outcome category is divided across the groups so fold
// label distributions stay close to the overall distribution.
func splitPatients(patients []string, labels map[string]string, n int, rng *rand.Rand) [][]string {
	groups := make([][]string, n)

	byLabel := map[string][]string{}
	if labels != nil {
		for _, p := range patients {
			byLabel[labels[p]] = append(byLabel[labels[p]], p)
		}
	} else {
		byLabel[""] = append([]string(nil), patients...)
	}

	cats := make([]string, 0, len(byLabel))
	for c := range byLabel {
		cats = append(cats, c)
	}
	sort.Strings(cats)

	offset := 0
	for _, c := range cats {
		group := byLabel[c]
		sort.Strings(group)
		rng.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
		for i, p := range group {
			g := (i + offset) % n
			groups[g] = append(groups[g], p)
		}
		// Rotate the starting group per category so small categories do
		// not all land in fold 0.
		offset += len(group)
	}
	return groups
}

// TrainingValidationSplit divides the filtered slides into training and
// validation sets at the patient level: all slides of a patient land on the
// same side.
func (d *Dataset) TrainingValidationSplit(header string, opts SplitOptions) (*Split, error) {
	if d.annotations == nil {
		return nil, fmt.Errorf("dataset has no annotations loaded")
	}
	labels, _, err := d.Labels(header, opts.UseFloat)
	if err != nil {
		return nil, err
	}

	patients := d.annotations.Patients()
	slidesByPatient := map[string][]string{}
	patientLabel := map[string]string{}
	for slideName := range labels {
		p := patients[slideName]
		slidesByPatient[p] = append(slidesByPatient[p], slideName)
		if !opts.UseFloat && opts.BalanceBy == header {
			patientLabel[p] = labels[slideName].Category
		}
	}
	patientList := make([]string, 0, len(slidesByPatient))
	for p := range slidesByPatient {
		patientList = append(patientList, p)
	}
	sort.Strings(patientList)

	var balanceLabels map[string]string
	if opts.BalanceBy != "" && !opts.UseFloat {
		if opts.BalanceBy != header {
			bl, _, err := d.Labels(opts.BalanceBy, false)
			if err != nil {
				return nil, err
			}
			balanceLabels = map[string]string{}
			for slideName, l := range bl {
				balanceLabels[patients[slideName]] = l.Category
			}
		} else {
			balanceLabels = patientLabel
		}
	}

	rng := rand.New(rand.NewSource(opts.Seed))

	var trainPatients, valPatients []string
	switch opts.Strategy {
	case SplitKFold:
		if opts.K < 2 {
			return nil, fmt.Errorf("k-fold split requires k >= 2 (got %d)", opts.K)
		}
		if opts.FoldIndex < 1 || opts.FoldIndex > opts.K {
			return nil, fmt.Errorf("fold index %d out of range 1..%d", opts.FoldIndex, opts.K)
		}
		groups := splitPatients(patientList, balanceLabels, opts.K, rng)
		for i, g := range groups {
			if i == opts.FoldIndex-1 {
				valPatients = append(valPatients, g...)
			} else {
				trainPatients = append(trainPatients, g...)
			}
		}
	case SplitFixed:
		if opts.ValFraction <= 0 || opts.ValFraction >= 1 {
			return nil, fmt.Errorf("fixed split requires a validation fraction in (0,1), got %f", opts.ValFraction)
		}
		nVal := int(float64(len(patientList))*opts.ValFraction + 0.5)
		if nVal < 1 {
			nVal = 1
		}
		if nVal >= len(patientList) {
			return nil, fmt.Errorf("validation fraction %f leaves no training patients", opts.ValFraction)
		}
		// Two balanced groups sized by repeated draws keeps category
		// proportions; a simple shuffled prefix is enough here.
		shuffled := append([]string(nil), patientList...)
		if balanceLabels != nil {
			groups := splitPatients(patientList, balanceLabels, len(patientList), rng)
			shuffled = shuffled[:0]
			for _, g := range groups {
				shuffled = append(shuffled, g...)
			}
		} else {
			rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		}
		valPatients = shuffled[:nVal]
		trainPatients = shuffled[nVal:]
	default:
		return nil, fmt.Errorf("unknown split strategy %q", opts.Strategy)
	}

	split := &Split{}
	for _, p := range trainPatients {
		split.Train = append(split.Train, slidesByPatient[p]...)
	}
	for _, p := range valPatients {
		split.Val = append(split.Val, slidesByPatient[p]...)
	}
	sort.Strings(split.Train)
	sort.Strings(split.Val)
	return split, nil
}

// Balance returns per-slide sampling weights for the given categorical
// header so every category contributes equally in expectation.
func (d *Dataset) Balance(header string) (map[string]float64, error) {
	labels, uniques, err := d.Labels(header, false)
	if err != nil {
		return nil, err
	}
	counts := make([]int, len(uniques))
	for _, l := range labels {
		counts[l.Index]++
	}
	weights := make(map[string]float64, len(labels))
	for slideName, l := range labels {
		if counts[l.Index] == 0 {
			continue
		}
		weights[slideName] = 1.0 / float64(len(uniques)*counts[l.Index])
	}
	return weights, nil
}
