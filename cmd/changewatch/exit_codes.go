package main

const (
	exitCodeSuccess = 0
	exitCodeRuntime = 1
	exitCodeUsage   = 2
)
