package replay

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"replay-buffer/internal/platform/config"
)

// WriteConcatList writes the stream-copy concat list for segments, one
// `file '<name>'` line each, in window order.
func WriteConcatList(path string, segments []Segment) error {
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating concat list: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, seg := range segments {
		fmt.Fprintf(w, "file '%s'\n", quoteConcatPath(seg.Filename))
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing concat list: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing concat list: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("installing concat list: %w", err)
	}
	return nil
}

// quoteConcatPath escapes single quotes the way the concat demuxer expects.
func quoteConcatPath(name string) string {
	return strings.ReplaceAll(name, "'", `'\''`)
}

// OutputNamer picks the finalized file name for each cycle.
type OutputNamer struct {
	dir     string
	naming  string
	counter int
}

// NewOutputNamer returns a namer for the configured scheme.
func NewOutputNamer(dir, naming string) *OutputNamer {
	return &OutputNamer{dir: dir, naming: strings.ToLower(naming)}
}

// Next returns the output path for a save requested at t. Counter naming
// skips numbers whose file already exists.
func (n *OutputNamer) Next(t time.Time) string {
	if n.naming != config.NamingCounter {
		stamp := "output-" + t.Format("2006-01-02-15h04m05s")
		path := filepath.Join(n.dir, stamp+".mp4")
		for i := 2; exists(path); i++ {
			path = filepath.Join(n.dir, fmt.Sprintf("%s-%d.mp4", stamp, i))
		}
		return path
	}
	for {
		n.counter++
		path := filepath.Join(n.dir, fmt.Sprintf("output-%d.mp4", n.counter))
		if !exists(path) {
			return path
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
