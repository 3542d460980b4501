//go:build !linux

package dma

func adviseNoFork(mem []byte) {}
