// Package output persists crawl results.
package output

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"

	"github.com/use-agent/mercury-crawler/models"
)

// TimestampLayout is the file-name timestamp, e.g. 20250131_142501.
const TimestampLayout = "20060102_150405"

// maxNameAttempts bounds the numbered names tried when runs finish within
// the same second.
const maxNameAttempts = 1000

// FileName returns "<prefix>_<YYYYMMDD_HHMMSS>.json" for t in local time.
func FileName(prefix string, t time.Time) string {
	return prefix + "_" + t.Format(TimestampLayout) + ".json"
}

// numberedName returns FileName for n <= 1 and
// "<prefix>_<YYYYMMDD_HHMMSS>_<n>.json" otherwise.
func numberedName(prefix string, t time.Time, n int) string {
	if n <= 1 {
		return FileName(prefix, t)
	}
	return fmt.Sprintf("%s_%s_%d.json", prefix, t.Format(TimestampLayout), n)
}

// WriteJSON writes records as an indented JSON array to
// dir/FileName(prefix, now) and returns the path. The file is written under
// a temporary name and linked into place, so readers never observe a
// half-written file. An existing file is never replaced: when the name is
// taken, _2, _3, ... is appended before the extension. An empty or nil
// slice is written as [].
func WriteJSON(dir, prefix string, records []models.Record, now time.Time) (string, error) {
	if records == nil {
		records = []models.Record{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return "", models.NewCrawlError(models.ErrCodeOutput, "encode records", err)
	}
	data := buf.Bytes()

	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", models.NewCrawlError(models.ErrCodeOutput, "create output dir", eris.Wrap(err, dir))
	}

	name := FileName(prefix, now)

	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return "", models.NewCrawlError(models.ErrCodeOutput, "create temp file", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return "", models.NewCrawlError(models.ErrCodeOutput, "write output", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", models.NewCrawlError(models.ErrCodeOutput, "close output", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return "", models.NewCrawlError(models.ErrCodeOutput, "chmod output", err)
	}
	defer cleanup()

	for n := 1; n <= maxNameAttempts; n++ {
		final := filepath.Join(dir, numberedName(prefix, now, n))
		err := os.Link(tmpName, final)
		if err == nil {
			return final, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", models.NewCrawlError(models.ErrCodeOutput, "link output", eris.Wrap(err, final))
		}
	}
	return "", models.NewCrawlError(models.ErrCodeOutput, "no free output name", eris.New(FileName(prefix, now)))
}
