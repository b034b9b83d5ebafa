package redisstream

// Field constants (avoid typos/allocs)
const (
	fieldPayload    = "payload" // raw []byte to reduce allocs (no base64)
	fieldSentAt     = "sentAt"  // int64 ns
	fieldMetaPrefix = "meta:"
)
