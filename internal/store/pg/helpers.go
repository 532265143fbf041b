package pg

// nilStr maps empty strings to NULL so optional columns stay NULL instead
// of collecting empty values.
func nilStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// nilInt64 maps zero to NULL for epoch-millisecond columns where zero
// means "never".
func nilInt64(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

func derefInt64(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
