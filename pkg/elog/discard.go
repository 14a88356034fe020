package elog

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2021 stratafs.io
 */

// Discard is a View that drops everything. Automated callers use it
// where no terminal exists.
var Discard View = discard{}

type discard struct{}

func (discard) Debugf(format string, x ...interface{}) {}
func (discard) Infof(format string, x ...interface{})  {}
func (discard) Warnf(format string, x ...interface{})  {}
func (discard) Errorf(format string, x ...interface{}) {}
func (discard) Critf(format string, x ...interface{})  {}
func (discard) IsInfoEnabled() bool                    { return false }
func (discard) IsDebugEnabled() bool                   { return false }

func (discard) NewProgress(label string, units string, total int64) Progress {
	return &nilProgress{}
}
