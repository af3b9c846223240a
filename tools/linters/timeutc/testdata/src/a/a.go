package a

import "time"

var pinned = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

func bad() {
	_ = time.Now() // want `time\.Now\(\) without \.UTC\(\)`
}

func good() {
	_ = time.Now().UTC()
}

func argument(deadline time.Time) bool {
	return deadline.Before(time.Now()) // want `time\.Now\(\) without \.UTC\(\)`
}

func chained() string {
	return time.Now().UTC().Format(time.RFC3339)
}

type clock struct{}

func (clock) Now() time.Time { return pinned }

// Now on some other type is not time.Now.
func otherNow() {
	_ = clock{}.Now()
}

func elapsed(start time.Time) time.Duration {
	return time.Since(start)
}

func suppressedGeneral() {
	//nolint
	_ = time.Now()
}

func suppressedScoped() {
	_ = time.Now() //nolint:timeutc
}

func scopedToAnother() {
	_ = time.Now() //nolint:gosec // want `time\.Now\(\) without \.UTC\(\)`
}
