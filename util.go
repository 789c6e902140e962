package rtrelay

// Ptr returns a pointer to v. Handy for the optional fields of SessionConfig:
//
//	cfg := SessionConfig{Voice: Ptr("alloy")}
func Ptr[T any](v T) *T { return &v }
