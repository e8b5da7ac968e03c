package objectstore

// ObjectName returns the Cloud Storage object name for key under prefix.
func ObjectName(prefix, key string) (string, error) {
	return gcsStore{prefix: prefix}.objectName(key)
}
