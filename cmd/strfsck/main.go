package main

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2021 stratafs.io
 */

import (
	"fmt"
	"os"
)

var (
	release = "0.0.0"
	commit  = ""
	date    = "Thu, 01 Jan 1970 00:00:00 +0000"
)

// Each command executed may have an error message and status code
var errorStatusCode int
var errorStatusMessage error

// SetError sets the global variables for when the process exits to display accordingly
func SetError(err error, code int) {
	errorStatusCode = code
	errorStatusMessage = err
}

func main() {

	commandInit()

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}

	if errorStatusMessage != nil {
		fmt.Fprintf(os.Stderr, "%v\n", errorStatusMessage)
		os.Exit(errorStatusCode)
	}

}
