package sseclient

import "bytes"

var (
	dataField = []byte("data:")
	lf        = []byte("\n")
)

// Decoder turns a byte stream of event records into record payloads. A
// record is one or more "data:" lines ended by a blank line. Bytes after the
// last newline are held until the next Feed.
type Decoder struct {
	buf  []byte
	data [][]byte
}

// Feed consumes chunk and returns the payloads of every record it completed.
func (d *Decoder) Feed(chunk []byte) [][]byte {
	d.buf = append(d.buf, chunk...)

	var records [][]byte
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}

		line := bytes.TrimSuffix(d.buf[:i], []byte("\r"))
		d.buf = d.buf[i+1:]

		switch {
		case len(line) == 0:
			if len(d.data) > 0 {
				records = append(records, bytes.Join(d.data, lf))
				d.data = nil
			}
		case line[0] == ':':
			// comment, used for heartbeats
		case bytes.HasPrefix(line, dataField):
			v := bytes.TrimPrefix(line[len(dataField):], []byte(" "))
			d.data = append(d.data, bytes.Clone(v))
		}
	}

	// drop the consumed prefix so the buffer does not grow without bound
	d.buf = bytes.Clone(d.buf)

	return records
}

// Reset discards any partial record.
func (d *Decoder) Reset() {
	d.buf = nil
	d.data = nil
}
