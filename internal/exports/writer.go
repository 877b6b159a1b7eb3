// -----------------------------------------------------------------------
// Writers - the export artifact contract and the TSV dump format
// -----------------------------------------------------------------------

package exports

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ternarybob/scrutor/internal/models"
)

// Writer emits one export artifact: Begin with the result-set descriptor,
// Write once per line, End to flush.
type Writer interface {
	Begin(sets []models.ResultSet) error
	Write(bucket int, line interface{}) error
	End() error
}

// DumpWriter writes the TSV dump format: one header row, then one row per
// result line carrying its running index, the result set's type and label,
// and the line itself JSON-encoded. JSON encoding keeps tabs and newlines
// out of the data column.
type DumpWriter struct {
	w     *bufio.Writer
	sets  []models.ResultSet
	index int
}

// NewDumpWriter wraps the destination stream.
func NewDumpWriter(w io.Writer) *DumpWriter {
	return &DumpWriter{w: bufio.NewWriter(w)}
}

// Begin writes the header and remembers the descriptor for labeling.
func (d *DumpWriter) Begin(sets []models.ResultSet) error {
	d.sets = sets
	d.index = 0
	if _, err := d.w.WriteString("index\ttype\tlabel\tdata\n"); err != nil {
		return fmt.Errorf("failed to write dump header: %w", err)
	}
	return nil
}

// Write emits one line. Buckets align 1-based with the descriptor; a bucket
// without a descriptor entry gets empty type and label columns.
func (d *DumpWriter) Write(bucket int, line interface{}) error {
	typ, label := "", ""
	if bucket >= 1 && bucket <= len(d.sets) {
		typ = d.sets[bucket-1].Type
		label = d.sets[bucket-1].Name
	}

	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("failed to encode dump line %d: %w", d.index, err)
	}

	d.index++
	if _, err := fmt.Fprintf(d.w, "%d\t%s\t%s\t%s\n", d.index, typ, label, data); err != nil {
		return fmt.Errorf("failed to write dump line %d: %w", d.index, err)
	}
	return nil
}

// End flushes the stream.
func (d *DumpWriter) End() error {
	if err := d.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush dump: %w", err)
	}
	return nil
}
