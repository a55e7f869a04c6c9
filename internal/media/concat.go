package media

import (
	"bytes"
	"fmt"
	"io"
)

// Concat writes parts to w in order and returns the number of bytes written.
// Nil parts are skipped.
func Concat(w io.Writer, parts ...[]byte) (int64, error) {
	var total int64
	for i, p := range parts {
		if p == nil {
			continue
		}
		n, err := io.Copy(w, bytes.NewReader(p))
		total += n
		if err != nil {
			return total, fmt.Errorf("write part %d: %w", i, err)
		}
	}
	return total, nil
}
