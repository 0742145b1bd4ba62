package main

import "fmt"

// ConfigurationError reports an unusable option before any fitting
// work has started, like an unknown k-path scheme or a Born charge
// array that does not match the cell
type ConfigurationError struct {
	Option string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Option, e.Reason)
}

// DatasetError reports a shape or count mismatch in the
// displacement/force samples. Want and Got carry the offending
// dimensions
type DatasetError struct {
	Field string
	Want  int
	Got   int
}

func (e *DatasetError) Error() string {
	return fmt.Sprintf("dataset: %s: want %d, got %d", e.Field, e.Want, e.Got)
}

// SolverFailure reports a failed force-constant fit: a nonzero exit
// from an external fitter, a missing or malformed output artifact, or
// a singular regression. It is fatal on the primary fit but degrades
// to the Stuck state inside the anharmonic refiner
type SolverFailure struct {
	Stage string
	Err   error
}

func (e *SolverFailure) Error() string {
	return fmt.Sprintf("solver: %s: %v", e.Stage, e.Err)
}

func (e *SolverFailure) Unwrap() error { return e.Err }

// IntegrationError reports a malformed DOS or temperature grid handed
// to the thermodynamic integrals
type IntegrationError struct {
	What string
}

func (e *IntegrationError) Error() string {
	return fmt.Sprintf("integration: %s", e.What)
}
