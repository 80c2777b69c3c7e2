package docker

import (
	"math"
	"strconv"
	"strings"

	"github.com/forgehook/forgehook/internal/errs"
)

// ParseMemory converts a manifest memory string ("256m", "2g", or plain
// bytes) to bytes. Empty means unlimited.
func ParseMemory(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}

	mult := int64(1)
	num := s
	switch {
	case strings.HasSuffix(strings.ToLower(s), "g"):
		mult = 1024 * 1024 * 1024
		num = s[:len(s)-1]
	case strings.HasSuffix(strings.ToLower(s), "m"):
		mult = 1024 * 1024
		num = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil || n <= 0 {
		return 0, errs.Newf(errs.CodeValidation, "invalid memory limit %q", s)
	}
	return n * mult, nil
}

// ParseCPU converts a manifest CPU string ("0.5", "2") to NanoCPUs.
// Empty means unlimited.
func ParseCPU(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0, errs.Newf(errs.CodeValidation, "invalid cpu limit %q", s)
	}
	return int64(math.Floor(f * 1e9)), nil
}
