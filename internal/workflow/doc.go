// Package workflow executes named, multi-step workflows against the
// components held by the lifecycle manager.
//
// A workflow is a Handler registered by name. It drives a *Run, recording
// each named step; a failing or panicking step is captured in the result and
// the workflow carries on. health_check, full_analysis and emergency_stop are
// registered by default.
package workflow
