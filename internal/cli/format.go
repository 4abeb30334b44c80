package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/calvinalkan/fusion/pkg/fusion"
)

// formatBytes renders n as "262144 (256 KiB)".
func formatBytes(n uint64) string {
	return fmt.Sprintf("%d (%s)", n, humanize.IBytes(n))
}

func formatOffset(off fusion.Offset) string {
	return fmt.Sprintf("0x%x", uint64(off))
}

// parseOffset accepts decimal, 0x hex and 0o octal offsets.
func parseOffset(s string) (fusion.Offset, error) {
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid offset %q", s)
	}

	return fusion.Offset(n), nil
}

// parseSizeArg accepts plain byte counts and humanized sizes like "4KiB".
func parseSizeArg(s string) (uint64, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}

	return n, nil
}

// formatSize renders n the way config files spell sizes, e.g. "256 KiB".
// The result parses back to n for power-of-two sizes.
func formatSize(n uint64) string {
	return humanize.IBytes(n)
}
