//go:build !debug

// Package xdebug provides invariant assertions that compile away entirely in
// release builds and panic loudly under `-tags debug`.
/*
 * adapted from aistore's cmn/debug
 */
package xdebug

func ON() bool { return false }

func Assert(_ bool, _ ...any)            {}
func Assertf(_ bool, _ string, _ ...any) {}
func AssertNoErr(_ error)                {}
func Func(_ func())                      {}
