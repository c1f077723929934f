// Copyright (C) The Deconfound Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconfound

import "fmt"

// LoadError indicates an unreadable or malformed persisted dataset.
type LoadError struct {
	Path   string
	Reason string
	Err    error
}

func (e *LoadError) Error() string {
	msg := "load dataset"
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error { return e.Err }

// DegenerateInputError indicates that normalization produced a
// non-positive or undefined size factor for a cell.
type DegenerateInputError struct {
	Cell   string
	Factor float64
}

func (e *DegenerateInputError) Error() string {
	return fmt.Sprintf("degenerate input: cell %q has size factor %v", e.Cell, e.Factor)
}

// InsufficientControlsError indicates that a factor-based correction
// was asked for more latent factors than control genes can support.
type InsufficientControlsError struct {
	Controls int
	K        int
}

func (e *InsufficientControlsError) Error() string {
	return fmt.Sprintf("insufficient controls: %d control genes cannot support k=%d factors", e.Controls, e.K)
}

// UnidentifiableDesignError indicates a design matrix that is collinear
// with the batch labels, so the batch effect cannot be estimated.
type UnidentifiableDesignError struct {
	Rank int
	Cols int
}

func (e *UnidentifiableDesignError) Error() string {
	return fmt.Sprintf("unidentifiable design: matrix rank %d < %d columns (design is collinear with batch)", e.Rank, e.Cols)
}

// ImbalancedBatchError indicates a batch partition that leaves a
// correction method with no shared condition to align and no defined
// fallback.
type ImbalancedBatchError struct {
	Individual string
	Batches    int
}

func (e *ImbalancedBatchError) Error() string {
	if e.Individual == "" {
		return fmt.Sprintf("imbalanced batches: dataset spans %d batch(es), need at least 2", e.Batches)
	}
	return fmt.Sprintf("imbalanced batches: individual %q spans %d batch(es), need at least 2", e.Individual, e.Batches)
}
