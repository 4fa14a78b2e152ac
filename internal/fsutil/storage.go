package fsutil

// StorageInfo describes capacity of the volume holding the storage root.
type StorageInfo struct {
	TotalBytes  uint64  `json:"totalBytes"`
	FreeBytes   uint64  `json:"freeBytes"`
	UsedBytes   uint64  `json:"usedBytes"`
	UsedPercent float64 `json:"usedPercent"`
}

// StorageInfoFunc reports capacity for the volume containing path.
type StorageInfoFunc func(path string) (StorageInfo, error)

// GetStorageInfo is the disk-backed StorageInfoFunc.
func GetStorageInfo(path string) (StorageInfo, error) {
	total, free, err := DiskUsage(path)
	if err != nil {
		return StorageInfo{}, err
	}
	return newStorageInfo(total, free), nil
}

func newStorageInfo(total, free uint64) StorageInfo {
	if free > total {
		free = total
	}
	info := StorageInfo{TotalBytes: total, FreeBytes: free, UsedBytes: total - free}
	if total > 0 {
		info.UsedPercent = float64(int(float64(info.UsedBytes)/float64(total)*10000)) / 100
	}
	return info
}
