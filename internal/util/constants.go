package util

const (
	StorageLocal = "local"
	StorageMinio = "minio"
)

const (
	MimeMarkdown = "text/markdown; charset=utf-8"
)
