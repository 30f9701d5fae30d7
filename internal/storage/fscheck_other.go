//go:build !darwin && !linux

package storage

func statFS(string) (string, error) { return "", errInspectUnsupported }
