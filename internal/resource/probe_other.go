//go:build !linux

package resource

func systemFreeMemory() int64 {
	return -1
}
