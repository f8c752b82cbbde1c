//go:build !linux && !darwin

package keymat

func lockBuffer(b []byte)   {}
func unlockBuffer(b []byte) {}
