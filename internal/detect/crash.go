package detect

// CrashDetector counts consecutive memory sampling failures.
type CrashDetector struct {
	limit       int
	consecutive int
	total       int
}

func NewCrashDetector(limit int) *CrashDetector {
	if limit <= 0 {
		limit = DefaultThresholds().CrashFailures
	}
	return &CrashDetector{limit: limit}
}

// Fail records one failed round and reports whether the guest is now considered crashed.
func (c *CrashDetector) Fail() bool {
	c.consecutive++
	c.total++
	return c.consecutive >= c.limit
}

func (c *CrashDetector) Reset() {
	c.consecutive = 0
}

func (c *CrashDetector) Consecutive() int {
	return c.consecutive
}

func (c *CrashDetector) Total() int {
	return c.total
}
