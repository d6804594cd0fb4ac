// Package main runs a standalone gamenet server, or a headless client that
// joins one, from the command line.
//
// Example:
//
//	gamenetd -mode server -name "Friday Night" -password hunter2 -nat
//	gamenetd -mode client -serverAddress 203.0.113.7 -username alice -password hunter2
package main
