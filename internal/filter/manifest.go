package filter

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/git-fastcdc/git-fastcdc/internal/fcdcerrors"
)

// manifestMagic is the fixed first line identifying a fastcdc manifest
// blob, distinguishing it from an unfiltered file that happens to be
// routed through smudge by mistake.
const manifestMagic = "fastcdc"

// buildManifest renders digests, in the order supplied, as manifest text.
func buildManifest(digests []string) []byte {
	var sb strings.Builder
	sb.WriteString(manifestMagic)
	sb.WriteByte('\n')
	for _, d := range digests {
		sb.WriteString(d)
		sb.WriteByte('\n')
	}
	return []byte(sb.String())
}

// parseManifest validates and extracts the ordered digest list from
// manifest text. Any input not starting with the magic line is rejected
// as fcdcerrors.InvalidManifest, protecting an unfiltered file from being
// corrupted by a stray smudge invocation.
func parseManifest(data []byte) ([]string, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1<<20)

	if !sc.Scan() {
		return nil, fcdcerrors.NewInvalidManifest("empty input")
	}
	if sc.Text() != manifestMagic {
		return nil, fcdcerrors.NewInvalidManifest(fmt.Sprintf("missing %q magic line", manifestMagic))
	}

	var digests []string
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if !isHexDigest(line) {
			return nil, fcdcerrors.NewInvalidManifest(fmt.Sprintf("malformed digest %q", line))
		}
		digests = append(digests, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fcdcerrors.NewInvalidManifest(err.Error())
	}
	return digests, nil
}

func isHexDigest(s string) bool {
	if len(s) != 40 && len(s) != 64 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
