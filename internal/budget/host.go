package budget

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const meminfoPath = "/proc/meminfo"

// HostCeiling derives a ceiling from total host memory minus margin bytes.
func HostCeiling(margin int64) (int64, error) {
	f, err := os.Open(meminfoPath)
	if err != nil {
		return 0, fmt.Errorf("read host memory: %w", err)
	}
	defer f.Close()

	total, err := parseMemTotal(f)
	if err != nil {
		return 0, err
	}
	ceiling := total - margin
	if ceiling <= 0 {
		return 0, fmt.Errorf("%w: host memory %d minus margin %d", ErrInvalidCeiling, total, margin)
	}
	return ceiling, nil
}

// parseMemTotal returns MemTotal in bytes.
func parseMemTotal(r io.Reader) (int64, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "MemTotal:" {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse MemTotal %q: %w", fields[1], err)
		}
		return kb * 1024, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("MemTotal not found in %s", meminfoPath)
}
