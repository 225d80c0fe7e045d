//go:build !linux && !darwin

package storage

import "os"

func lock(*os.File) error {
	return nil
}

func unlock(*os.File) error {
	return nil
}

func fsync(file *os.File) error {
	return file.Sync()
}
