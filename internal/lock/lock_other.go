//go:build windows

package lock

const signalsSupported = false

func isProcessAlive(pid int) bool { return false }

func sendTerm(pid int) error { return nil }

func sendKill(pid int) error { return nil }
