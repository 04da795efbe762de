// Package main runs the edgefetch service binary.
package main
