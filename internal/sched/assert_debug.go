//go:build !release

package sched

const debugAssertions = true
