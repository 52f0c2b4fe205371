// Package dsp holds the error taxonomy shared by the signal-processing packages.
package dsp

import "errors"

var (
	// ErrConfig marks a construction-time misconfiguration. It is fatal: the
	// component is not built.
	ErrConfig = errors.New("dsp: invalid configuration")

	// ErrInput marks a rejected block. No state was mutated and processing can
	// resume with the next block.
	ErrInput = errors.New("dsp: invalid input")
)
